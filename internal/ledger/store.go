package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for usage records and the purchase
// journal. All multi-row effects (credit apply, booking apply) are enforced
// by the database itself, not by application-level locking.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new ledger store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetRecord retrieves the usage record for one (user_key, period) pair.
func (s *Store) GetRecord(ctx context.Context, userKey, period string) (*UsageRecord, error) {
	r := &UsageRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT user_key, period, plan, subscription_limit_seconds, seconds_used,
		        topup_balance_seconds, created_at, updated_at
		 FROM usage_records WHERE user_key = $1 AND period = $2`,
		userKey, period,
	).Scan(&r.UserKey, &r.Period, &r.Plan, &r.SubscriptionLimitSeconds, &r.SecondsUsed,
		&r.TopUpBalanceSeconds, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting usage record: %w", err)
	}
	return r, nil
}

// LatestRecordBefore retrieves the user's most recent record from any period
// strictly before the given one. Period strings are zero-padded, so string
// ordering matches chronological ordering.
func (s *Store) LatestRecordBefore(ctx context.Context, userKey, period string) (*UsageRecord, error) {
	r := &UsageRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT user_key, period, plan, subscription_limit_seconds, seconds_used,
		        topup_balance_seconds, created_at, updated_at
		 FROM usage_records
		 WHERE user_key = $1 AND period < $2
		 ORDER BY period DESC
		 LIMIT 1`,
		userKey, period,
	).Scan(&r.UserKey, &r.Period, &r.Plan, &r.SubscriptionLimitSeconds, &r.SecondsUsed,
		&r.TopUpBalanceSeconds, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting latest prior record: %w", err)
	}
	return r, nil
}

// CreateRecord inserts a record if none exists for its (user_key, period)
// pair. It reports whether the row was inserted; false means another writer
// created it first and the caller should re-read.
func (s *Store) CreateRecord(ctx context.Context, r *UsageRecord) (bool, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_records
		     (user_key, period, plan, subscription_limit_seconds, seconds_used, topup_balance_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_key, period) DO NOTHING
		 RETURNING created_at, updated_at`,
		r.UserKey, r.Period, r.Plan, r.SubscriptionLimitSeconds, r.SecondsUsed, r.TopUpBalanceSeconds,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating usage record: %w", err)
	}
	return true, nil
}

// UpdateRecordPlan changes a record's plan and monthly allowance, leaving
// consumption and the top-up balance untouched.
func (s *Store) UpdateRecordPlan(ctx context.Context, userKey, period, plan string, limitSeconds int64) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE usage_records
		 SET plan = $3, subscription_limit_seconds = $4, updated_at = now()
		 WHERE user_key = $1 AND period = $2`,
		userKey, period, plan, limitSeconds,
	)
	if err != nil {
		return fmt.Errorf("updating record plan: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ApplyBooking writes new balance values for a record, but only if the row
// still holds the values the caller read. It reports false when another
// writer got there first, in which case the caller re-reads and retries.
func (s *Store) ApplyBooking(ctx context.Context, userKey, period string, oldUsed, oldTopUp, newUsed, newTopUp int64) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE usage_records
		 SET seconds_used = $5, topup_balance_seconds = $6, updated_at = now()
		 WHERE user_key = $1 AND period = $2
		   AND seconds_used = $3 AND topup_balance_seconds = $4`,
		userKey, period, oldUsed, oldTopUp, newUsed, newTopUp,
	)
	if err != nil {
		return false, fmt.Errorf("applying booking: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ApplyCredit inserts the purchase journal entry and adds its seconds to the
// record's top-up balance in a single transaction. The journal's primary key
// is the idempotency guard: when the transaction ID is already present the
// whole transaction rolls back, nothing is mutated, and applied is false.
func (s *Store) ApplyCredit(ctx context.Context, entry PurchaseEntry, period string) (applied bool, newBalance int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("beginning credit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO purchases (transaction_id, user_key, seconds_credited, price_paid, currency)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.TransactionID, entry.UserKey, entry.SecondsCredited, entry.PricePaid, entry.Currency,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("inserting purchase entry: %w", err)
	}

	err = tx.QueryRow(ctx,
		`UPDATE usage_records
		 SET topup_balance_seconds = topup_balance_seconds + $3, updated_at = now()
		 WHERE user_key = $1 AND period = $2
		 RETURNING topup_balance_seconds`,
		entry.UserKey, period, entry.SecondsCredited,
	).Scan(&newBalance)
	if err != nil {
		return false, 0, fmt.Errorf("crediting top-up balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("committing credit transaction: %w", err)
	}
	return true, newBalance, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
