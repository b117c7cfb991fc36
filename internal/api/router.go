package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/client"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/history"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/metrics"
)

// LedgerService is the part of the quota ledger the HTTP layer drives.
type LedgerService interface {
	Fetch(ctx context.Context, userKey, planHint string) (*ledger.UsageRecord, error)
	Book(ctx context.Context, in ledger.BookInput) (*ledger.BookResult, error)
	Credit(ctx context.Context, in ledger.CreditInput) (*ledger.CreditResult, error)
}

// LedgerReader serves admin reads of a user's quota records and purchases.
type LedgerReader interface {
	GetRecord(ctx context.Context, userKey, period string) (*ledger.UsageRecord, error)
	ListRecordsByUser(ctx context.Context, userKey string, limit int) ([]ledger.UsageRecord, error)
	ListPurchasesByUser(ctx context.Context, userKey string, limit int) ([]ledger.PurchaseEntry, error)
}

// BookingReader serves admin reads of a user's booking history.
type BookingReader interface {
	ListByUser(ctx context.Context, userKey string, limit int) ([]history.BookingEvent, error)
}

// ClientStore is the part of the client registry the admin API drives.
type ClientStore interface {
	Create(ctx context.Context, in client.CreateClientInput) (*client.Client, error)
	List(ctx context.Context) ([]*client.Client, error)
	Delete(ctx context.Context, id string) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Ledger   LedgerService
	Records  LedgerReader
	Bookings BookingReader
	Clients  ClientStore
	Auth     *auth.Service

	// RateLimit wraps the client-authed routes; nil disables limiting.
	RateLimit func(http.Handler) http.Handler

	// Metrics may be nil; handlers treat it as optional.
	Metrics *metrics.Metrics

	// DBPing reports store connectivity for the health endpoint. nil means
	// no store is attached and the database is reported connected.
	DBPing func(ctx context.Context) error

	AdminKey       string
	AdminKeyHash   string
	AllowedOrigins []string

	// UI serves the ops console at /; nil leaves the root unhandled.
	UI http.Handler
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestLogger(deps.Metrics))

	// Handlers.
	usage := newUsageHandler(deps.Ledger, deps.Metrics)
	topups := newTopUpsHandler(deps.Ledger, deps.Metrics)
	clients := newClientsHandler(deps.Clients)
	users := newUsersHandler(deps.Records, deps.Bookings)

	// Health check.
	r.Get("/health", healthHandler(deps.DBPing))

	// Well-known manifest.
	r.Get("/.well-known/ledgerd.json", WellKnownHandler)

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey, deps.AdminKeyHash, adminMetrics(deps.Metrics)))

		// Client key management.
		ar.Post("/clients", clients.CreateClient)
		ar.Get("/clients", clients.ListClients)
		ar.Delete("/clients/{id}", clients.DeleteClient)

		// Support lookups.
		ar.Get("/users/{userKey}/ledger", users.GetLedger)
		ar.Get("/users/{userKey}/purchases", users.ListPurchases)
		ar.Get("/users/{userKey}/bookings", users.ListBookings)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
	})

	// Client-authed routes (require client API key + rate limiting).
	r.Route("/api/v1", func(cr chi.Router) {
		cr.Use(auth.ClientAuthMiddleware(deps.Auth))
		if deps.RateLimit != nil {
			cr.Use(deps.RateLimit)
		}

		cr.Get("/usage", usage.GetUsage)
		cr.Post("/usage/bookings", usage.CreateBooking)
		cr.Post("/topups", topups.CreateTopUp)
	})

	// Ops console.
	if deps.UI != nil {
		r.Handle("/", deps.UI)
	}

	return r
}

// healthHandler reports process and store health. DB failures degrade the
// status rather than hiding the endpoint, so probes can tell "down" from
// "up but storeless".
func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, database := "ok", "connected"
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				status, database = "degraded", "unreachable"
			}
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": status, "database": database})
	}
}

// adminMetrics adapts an optional Metrics to the auth middleware's recorder,
// avoiding a typed-nil interface when metrics are disabled.
func adminMetrics(m *metrics.Metrics) auth.MetricsRecorder {
	if m == nil {
		return nil
	}
	return m
}

// requestLogger is a structured logging middleware using slog. It also feeds
// the HTTP metrics when m is non-nil.
func requestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", elapsed.Milliseconds(),
				"bytes", ww.BytesWritten(),
				"request_id", RequestIDFromContext(r.Context()),
			)

			if m != nil {
				// The route pattern is only known after routing has run.
				pattern := chi.RouteContext(r.Context()).RoutePattern()
				if pattern == "" {
					pattern = r.URL.Path
				}
				m.ObserveHTTPRequest(r.Method, pattern, ww.Status(), elapsed.Seconds())
			}
		})
	}
}
