package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeLedgerError maps a ledger service error onto the HTTP error envelope.
// Validation failures surface as invalid_request without touching the store;
// quota_exceeded is a business rejection the client can recover from; every
// persistence failure collapses into store_unavailable so callers treat the
// operation as not having happened.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUserKeyRequired),
		errors.Is(err, ledger.ErrSecondsInvalid),
		errors.Is(err, ledger.ErrBookingTooLarge),
		errors.Is(err, ledger.ErrTransactionIDRequired),
		errors.Is(err, ledger.ErrGrantInvalid),
		errors.Is(err, ledger.ErrTransactionMismatch):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ledger.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, "quota_exceeded", "requested seconds exceed the available balance")
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "usage record is under contention, retry shortly")
	default:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "ledger store unavailable")
	}
}
