package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the ledger service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics.
	BookingsTotal      *prometheus.CounterVec
	BookedSecondsTotal *prometheus.CounterVec
	CreditsTotal       *prometheus.CounterVec

	// Rate limiting metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// History collector metrics.
	HistoryBufferSize    prometheus.Gauge
	HistoryFlushesTotal  *prometheus.CounterVec
	HistoryFlushDuration prometheus.Histogram
	HistoryEventsTotal   prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		BookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_bookings_total",
			Help: "Total number of consumption bookings by outcome.",
		}, []string{"outcome"}),

		BookedSecondsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_booked_seconds_total",
			Help: "Total seconds booked, split by the balance they were drawn from.",
		}, []string{"source"}),

		CreditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_credits_total",
			Help: "Total number of top-up credits by outcome.",
		}, []string{"outcome"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		HistoryBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerd_history_buffer_size",
			Help: "Current number of buffered booking events.",
		}),

		HistoryFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_history_flushes_total",
			Help: "Total number of booking event flushes.",
		}, []string{"status"}),

		HistoryFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerd_history_flush_duration_seconds",
			Help:    "Duration of booking event flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		HistoryEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_history_events_total",
			Help: "Total number of booking events recorded.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerd_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BookingsTotal,
		m.BookedSecondsTotal,
		m.CreditsTotal,
		m.RateLimitRejectionsTotal,
		m.HistoryBufferSize,
		m.HistoryFlushesTotal,
		m.HistoryFlushDuration,
		m.HistoryEventsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, statusCode int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(seconds)
}

// IncBooking increments the bookings counter for the given outcome
// ("booked", "rejected" or "conflict").
func (m *Metrics) IncBooking(outcome string) {
	m.BookingsTotal.WithLabelValues(outcome).Inc()
}

// AddBookedSeconds adds booked seconds drawn from the given source
// ("topup" or "subscription").
func (m *Metrics) AddBookedSeconds(source string, seconds int64) {
	if seconds <= 0 {
		return
	}
	m.BookedSecondsTotal.WithLabelValues(source).Add(float64(seconds))
}

// IncCredit increments the credits counter for the given outcome
// ("applied", "duplicate" or "rejected").
func (m *Metrics) IncCredit(outcome string) {
	m.CreditsTotal.WithLabelValues(outcome).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// SetHistoryBufferSize records the current booking event buffer size.
func (m *Metrics) SetHistoryBufferSize(n int) {
	m.HistoryBufferSize.Set(float64(n))
}

// ObserveHistoryFlush records one completed booking event flush.
func (m *Metrics) ObserveHistoryFlush(status string, seconds float64, events int) {
	m.HistoryFlushesTotal.WithLabelValues(status).Inc()
	m.HistoryFlushDuration.Observe(seconds)
	if status == "success" {
		m.HistoryEventsTotal.Add(float64(events))
	}
}
