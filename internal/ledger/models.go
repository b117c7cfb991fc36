package ledger

import "time"

// UsageRecord is one user's quota state for one monthly period. There is at
// most one record per (user_key, period) pair.
type UsageRecord struct {
	UserKey                  string    `json:"user_key"`
	Period                   string    `json:"period"`
	Plan                     string    `json:"plan"`
	SubscriptionLimitSeconds int64     `json:"subscription_limit_seconds"`
	SecondsUsed              int64     `json:"seconds_used"`
	TopUpBalanceSeconds      int64     `json:"topup_balance_seconds"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// SubscriptionRemaining returns the unused part of the monthly allowance.
// A mid-period downgrade can leave SecondsUsed above the new allowance; the
// remainder is clamped at zero so it never goes negative.
func (r *UsageRecord) SubscriptionRemaining() int64 {
	if rem := r.SubscriptionLimitSeconds - r.SecondsUsed; rem > 0 {
		return rem
	}
	return 0
}

// TotalAvailable returns the seconds a booking may still draw from, across
// both buckets.
func (r *UsageRecord) TotalAvailable() int64 {
	return r.SubscriptionRemaining() + r.TopUpBalanceSeconds
}

// LimitSeconds returns the combined ceiling reported to clients: the monthly
// allowance plus the purchased balance.
func (r *UsageRecord) LimitSeconds() int64 {
	return r.SubscriptionLimitSeconds + r.TopUpBalanceSeconds
}

// PurchaseEntry is one append-only purchase journal row. The transaction ID
// is the store's identifier and is globally unique; re-delivering a
// transaction never creates a second row.
type PurchaseEntry struct {
	TransactionID   string    `json:"transaction_id"`
	UserKey         string    `json:"user_key"`
	SecondsCredited int64     `json:"seconds_credited"`
	PricePaid       *float64  `json:"price_paid,omitempty"`
	Currency        *string   `json:"currency,omitempty"`
	CreditedAt      time.Time `json:"credited_at"`
}

// BookInput holds the parameters of a consumption booking.
type BookInput struct {
	UserKey  string
	Seconds  int64
	Plan     string
	ClientID string
	// RecordedAt is the caller's capture timestamp. It is advisory audit
	// data only and never influences which period is charged.
	RecordedAt *time.Time
}

// BookResult reports a successful booking.
type BookResult struct {
	Record    *UsageRecord
	TopUpUsed int64
	SubUsed   int64
}

// CreditInput holds the parameters of a top-up credit.
type CreditInput struct {
	UserKey         string
	TransactionID   string
	SecondsCredited int64
	PricePaid       *float64
	Currency        *string
}

// CreditResult reports an applied (or re-delivered) top-up credit.
type CreditResult struct {
	TransactionID   string
	SecondsCredited int64
	NewTopUpBalance int64
	AlreadyCredited bool
}
