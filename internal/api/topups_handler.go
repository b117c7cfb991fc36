package api

import (
	"errors"
	"net/http"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/metrics"
)

// topUpsHandler handles top-up credits relayed from the app store webhook.
type topUpsHandler struct {
	ledger  LedgerService
	metrics *metrics.Metrics
}

func newTopUpsHandler(l LedgerService, m *metrics.Metrics) *topUpsHandler {
	return &topUpsHandler{ledger: l, metrics: m}
}

// createTopUpRequest is the JSON body for crediting a purchased top-up.
type createTopUpRequest struct {
	UserKey         string   `json:"user_key" validate:"required"`
	TransactionID   string   `json:"transaction_id" validate:"required"`
	SecondsCredited int64    `json:"seconds_credited" validate:"required,gt=0"`
	PricePaid       *float64 `json:"price_paid"`
	Currency        *string  `json:"currency"`
}

// topUpResponse reports an applied or re-delivered credit. A re-delivered
// transaction is success with already_credited set, never an error, so
// webhook retries stay harmless.
type topUpResponse struct {
	TransactionID   string `json:"transaction_id"`
	SecondsCredited int64  `json:"seconds_credited"`
	NewTopUpBalance int64  `json:"new_topup_balance"`
	AlreadyCredited bool   `json:"already_credited"`
}

// CreateTopUp handles POST /api/v1/topups.
func (h *topUpsHandler) CreateTopUp(w http.ResponseWriter, r *http.Request) {
	var req createTopUpRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_key, transaction_id and positive seconds_credited are required")
		return
	}

	res, err := h.ledger.Credit(r.Context(), ledger.CreditInput{
		UserKey:         req.UserKey,
		TransactionID:   req.TransactionID,
		SecondsCredited: req.SecondsCredited,
		PricePaid:       req.PricePaid,
		Currency:        req.Currency,
	})
	if err != nil {
		h.countCreditFailure(err)
		writeLedgerError(w, err)
		return
	}

	if h.metrics != nil {
		if res.AlreadyCredited {
			h.metrics.IncCredit("duplicate")
		} else {
			h.metrics.IncCredit("applied")
		}
	}

	writeJSON(w, http.StatusOK, topUpResponse{
		TransactionID:   res.TransactionID,
		SecondsCredited: res.SecondsCredited,
		NewTopUpBalance: res.NewTopUpBalance,
		AlreadyCredited: res.AlreadyCredited,
	})
}

// countCreditFailure counts business rejections; store failures are not
// credit outcomes.
func (h *topUpsHandler) countCreditFailure(err error) {
	if h.metrics == nil {
		return
	}
	if errors.Is(err, ledger.ErrGrantInvalid) || errors.Is(err, ledger.ErrTransactionMismatch) {
		h.metrics.IncCredit("rejected")
	}
}
