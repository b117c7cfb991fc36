package ledger

import (
	"context"
	"fmt"
)

// GetPurchase retrieves one journal entry by its store transaction ID.
func (s *Store) GetPurchase(ctx context.Context, transactionID string) (*PurchaseEntry, error) {
	e := &PurchaseEntry{}
	err := s.pool.QueryRow(ctx,
		`SELECT transaction_id, user_key, seconds_credited, price_paid, currency, credited_at
		 FROM purchases WHERE transaction_id = $1`,
		transactionID,
	).Scan(&e.TransactionID, &e.UserKey, &e.SecondsCredited, &e.PricePaid, &e.Currency, &e.CreditedAt)
	if err != nil {
		return nil, fmt.Errorf("getting purchase entry: %w", err)
	}
	return e, nil
}

// ListPurchasesByUser returns a user's journal entries, newest first.
func (s *Store) ListPurchasesByUser(ctx context.Context, userKey string, limit int) ([]PurchaseEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, user_key, seconds_credited, price_paid, currency, credited_at
		 FROM purchases
		 WHERE user_key = $1
		 ORDER BY credited_at DESC, transaction_id DESC
		 LIMIT $2`,
		userKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	defer rows.Close()

	var entries []PurchaseEntry
	for rows.Next() {
		var e PurchaseEntry
		if err := rows.Scan(&e.TransactionID, &e.UserKey, &e.SecondsCredited, &e.PricePaid, &e.Currency, &e.CreditedAt); err != nil {
			return nil, fmt.Errorf("scanning purchase row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating purchase rows: %w", err)
	}
	return entries, nil
}

// ListRecordsByUser returns a user's usage records across periods, newest
// period first. Used by the ops lookups, not the booking path.
func (s *Store) ListRecordsByUser(ctx context.Context, userKey string, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 60 {
		limit = 12
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_key, period, plan, subscription_limit_seconds, seconds_used,
		        topup_balance_seconds, created_at, updated_at
		 FROM usage_records
		 WHERE user_key = $1
		 ORDER BY period DESC
		 LIMIT $2`,
		userKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.UserKey, &r.Period, &r.Plan, &r.SubscriptionLimitSeconds, &r.SecondsUsed,
			&r.TopUpBalanceSeconds, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage record row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage record rows: %w", err)
	}
	return records, nil
}
