package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/metrics"
)

// validate checks request body structs. A single instance is shared; it
// caches struct metadata internally.
var validate = validator.New()

// usageHandler groups quota fetch and booking HTTP handlers.
type usageHandler struct {
	ledger  LedgerService
	metrics *metrics.Metrics
}

func newUsageHandler(l LedgerService, m *metrics.Metrics) *usageHandler {
	return &usageHandler{ledger: l, metrics: m}
}

// usageResponse is the wire shape of one user's quota state.
type usageResponse struct {
	UserKey                  string `json:"user_key"`
	Period                   string `json:"period"`
	Plan                     string `json:"plan"`
	SecondsUsed              int64  `json:"seconds_used"`
	SubscriptionLimitSeconds int64  `json:"subscription_limit_seconds"`
	TopUpBalanceSeconds      int64  `json:"topup_balance_seconds"`
	LimitSeconds             int64  `json:"limit_seconds"`
	RemainingSeconds         int64  `json:"remaining_seconds"`
}

func newUsageResponse(rec *ledger.UsageRecord) usageResponse {
	return usageResponse{
		UserKey:                  rec.UserKey,
		Period:                   rec.Period,
		Plan:                     rec.Plan,
		SecondsUsed:              rec.SecondsUsed,
		SubscriptionLimitSeconds: rec.SubscriptionLimitSeconds,
		TopUpBalanceSeconds:      rec.TopUpBalanceSeconds,
		LimitSeconds:             rec.LimitSeconds(),
		RemainingSeconds:         rec.TotalAvailable(),
	}
}

// GetUsage handles GET /api/v1/usage. The plan query parameter is the
// caller's view of the user's subscription and updates the stored plan when
// it differs.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userKey := r.URL.Query().Get("user_key")
	planHint := r.URL.Query().Get("plan")

	rec, err := h.ledger.Fetch(r.Context(), userKey, planHint)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newUsageResponse(rec))
}

// createBookingRequest is the JSON body for recording consumption.
type createBookingRequest struct {
	UserKey string `json:"user_key" validate:"required"`
	Seconds int64  `json:"seconds" validate:"required,gt=0"`
	Plan    string `json:"plan"`
	// RecordedAt is the caller's capture timestamp, audit data only.
	RecordedAt *time.Time `json:"recorded_at"`
}

// bookingResponse is the updated quota state plus the deduction split.
type bookingResponse struct {
	usageResponse
	TopUpUsed        int64 `json:"topup_used"`
	SubscriptionUsed int64 `json:"subscription_used"`
}

// CreateBooking handles POST /api/v1/usage/bookings.
func (h *usageHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_key and positive seconds are required")
		return
	}

	var clientID string
	if c := auth.ClientFromContext(r.Context()); c != nil {
		clientID = c.ID
	}

	res, err := h.ledger.Book(r.Context(), ledger.BookInput{
		UserKey:    req.UserKey,
		Seconds:    req.Seconds,
		Plan:       req.Plan,
		ClientID:   clientID,
		RecordedAt: req.RecordedAt,
	})
	if err != nil {
		h.countBookingFailure(err)
		writeLedgerError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.IncBooking("booked")
		h.metrics.AddBookedSeconds("topup", res.TopUpUsed)
		h.metrics.AddBookedSeconds("subscription", res.SubUsed)
	}

	writeJSON(w, http.StatusOK, bookingResponse{
		usageResponse:    newUsageResponse(res.Record),
		TopUpUsed:        res.TopUpUsed,
		SubscriptionUsed: res.SubUsed,
	})
}

// countBookingFailure classifies a failed booking for the metrics counters.
func (h *usageHandler) countBookingFailure(err error) {
	if h.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ledger.ErrQuotaExceeded):
		h.metrics.IncBooking("rejected")
	case errors.Is(err, ledger.ErrConflict):
		h.metrics.IncBooking("conflict")
	}
}
