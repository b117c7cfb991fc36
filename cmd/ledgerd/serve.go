package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/api"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/client"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/config"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/history"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/metrics"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/plan"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ratelimit"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Dev convenience; in production the environment is set by the deploy.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	ledgerStore := ledger.NewStore(pool)
	historyStore := history.NewStore(pool)
	clientStore := client.NewStore(pool)

	collector := history.NewCollector(historyStore, cfg.History.BatchSize, cfg.History.FlushInterval)
	collector.SetStats(m)
	go collector.Start(ctx)

	catalog := plan.NewCatalog(cfg.Plans, cfg.TopUpProducts)
	slog.Info("plan catalog loaded", "plans", catalog.PlanNames(), "grant_sizes", catalog.GrantSizes())
	ledgerService := ledger.NewService(ledgerStore, ledgerStore, catalog, collector, ledger.ServiceOptions{
		MaxBookSeconds: cfg.Booking.MaxSeconds,
		CASRetries:     cfg.Booking.CASRetries,
	})

	authService := auth.NewService(client.NewAuthAdapter(clientStore), clientStore, m)

	var limitMiddleware func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		backend, err := rateLimitBackend(cfg.RateLimit)
		if err != nil {
			return err
		}
		limitMiddleware = ratelimit.Middleware(backend, cfg.RateLimit.UserRate, m.IncRateLimitRejection)
	}

	if cfg.Auth.AdminKey == "" && cfg.Auth.AdminKeyHash == "" {
		slog.Warn("no admin key configured, admin endpoints will reject all requests")
	}

	router := api.NewRouter(api.RouterDeps{
		Ledger:         ledgerService,
		Records:        ledgerStore,
		Bookings:       historyStore,
		Clients:        clientStore,
		Auth:           authService,
		RateLimit:      limitMiddleware,
		Metrics:        m,
		DBPing:         pool.Ping,
		AdminKey:       cfg.Auth.AdminKey,
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		UI:             ui.Handler(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Final flush so in-buffer booking events survive the restart.
	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// rateLimitBackend selects the configured rate limit backend. The in-process
// token bucket is the default; redis serves multi-replica deployments.
func rateLimitBackend(cfg config.RateLimitConfig) (ratelimit.Backend, error) {
	if cfg.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return ratelimit.NewSlidingWindow(redis.NewClient(opts), cfg.Default, cfg.Window), nil
	}
	return ratelimit.New(cfg.Default, cfg.Window), nil
}
