package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/history"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/period"
)

// usersHandler groups admin support lookups for a single user's ledger state.
type usersHandler struct {
	records  LedgerReader
	bookings BookingReader
}

func newUsersHandler(records LedgerReader, bookings BookingReader) *usersHandler {
	return &usersHandler{records: records, bookings: bookings}
}

// limitParam parses an optional positive ?limit= query parameter. 0 means
// the store default.
func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	l, err := strconv.Atoi(s)
	if err != nil || l < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return l, nil
}

// GetLedger handles GET /api/v1/admin/users/{userKey}/ledger (admin).
// With ?period= it returns that period's record; without it, the user's
// recent records newest-first.
func (h *usersHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userKey := chi.URLParam(r, "userKey")
	if userKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user key is required")
		return
	}

	if p := r.URL.Query().Get("period"); p != "" {
		if !period.Valid(p) {
			writeError(w, http.StatusBadRequest, "invalid_request", "period must be formatted YYYY-MM")
			return
		}
		rec, err := h.records.GetRecord(r.Context(), userKey, p)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusNotFound, "not_found", "no usage record for this period")
				return
			}
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to load usage record")
			return
		}
		writeJSON(w, http.StatusOK, newUsageResponse(rec))
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	records, err := h.records.ListRecordsByUser(r.Context(), userKey, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to list usage records")
		return
	}

	resp := make([]usageResponse, 0, len(records))
	for i := range records {
		resp = append(resp, newUsageResponse(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": resp})
}

// ListPurchases handles GET /api/v1/admin/users/{userKey}/purchases (admin).
func (h *usersHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userKey := chi.URLParam(r, "userKey")
	if userKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user key is required")
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	purchases, err := h.records.ListPurchasesByUser(r.Context(), userKey, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to list purchases")
		return
	}
	if purchases == nil {
		purchases = []ledger.PurchaseEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": purchases})
}

// ListBookings handles GET /api/v1/admin/users/{userKey}/bookings (admin).
func (h *usersHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	userKey := chi.URLParam(r, "userKey")
	if userKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user key is required")
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	events, err := h.bookings.ListByUser(r.Context(), userKey, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to list bookings")
		return
	}
	if events == nil {
		events = []history.BookingEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookings": events})
}
