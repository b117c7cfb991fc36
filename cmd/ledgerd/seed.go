package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/client"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/config"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/history"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/plan"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo client and usage data",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	clientStore := client.NewStore(pool)

	// Check if seed has already run.
	existing, err := clientStore.List(ctx)
	if err != nil {
		return fmt.Errorf("checking existing clients: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	// Create the demo client.
	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	cl, err := clientStore.Create(ctx, client.CreateClientInput{
		Name:         "demo-backend",
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo client: %w", err)
	}
	slog.Info("created demo client", "id", cl.ID, "name", cl.Name)

	// Demo usage for one user: a plus subscription, one purchased top-up and
	// a couple of finished transcriptions. Batch size 1 makes the booking
	// trail write through synchronously.
	ledgerStore := ledger.NewStore(pool)
	collector := history.NewCollector(history.NewStore(pool), 1, time.Hour)
	catalog := plan.NewCatalog(cfg.Plans, cfg.TopUpProducts)
	svc := ledger.NewService(ledgerStore, ledgerStore, catalog, collector, ledger.ServiceOptions{
		MaxBookSeconds: cfg.Booking.MaxSeconds,
		CASRetries:     cfg.Booking.CASRetries,
	})

	userKey := uuid.NewString()

	if _, err := svc.Fetch(ctx, userKey, plan.Plus); err != nil {
		return fmt.Errorf("creating demo usage record: %w", err)
	}

	price := 7.99
	currency := "EUR"
	credit, err := svc.Credit(ctx, ledger.CreditInput{
		UserKey:         userKey,
		TransactionID:   "seed-" + uuid.NewString(),
		SecondsCredited: 10800,
		PricePaid:       &price,
		Currency:        &currency,
	})
	if err != nil {
		return fmt.Errorf("crediting demo top-up: %w", err)
	}
	slog.Info("credited demo top-up",
		"product", catalog.ProductForGrant(credit.SecondsCredited),
		"seconds", credit.SecondsCredited)

	for _, seconds := range []int64{425, 1130} {
		if _, err := svc.Book(ctx, ledger.BookInput{
			UserKey:  userKey,
			Seconds:  seconds,
			Plan:     plan.Plus,
			ClientID: cl.ID,
		}); err != nil {
			return fmt.Errorf("booking demo usage: %w", err)
		}
	}

	rec, err := svc.Fetch(ctx, userKey, "")
	if err != nil {
		return fmt.Errorf("reading back demo record: %w", err)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Client:    %s (%s)\n", cl.Name, cl.ID)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("User:      %s\n", userKey)
	fmt.Printf("Usage:     %d/%d seconds used, %d top-up remaining\n",
		rec.SecondsUsed, rec.SubscriptionLimitSeconds, rec.TopUpBalanceSeconds)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' 'http://localhost:8080/api/v1/usage?user_key=%s'\n", plaintext, userKey)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"user_key\":\"%s\",\"seconds\":300}' http://localhost:8080/api/v1/usage/bookings\n", plaintext, userKey)

	return nil
}
