package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for booking events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new booking event store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of booking events in a single multi-row INSERT.
// It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []BookingEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 7 // columns per row, excluding the server-generated id
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			ev.UserKey,
			ev.Period,
			ev.Seconds,
			ev.FromTopUp,
			ev.FromSubscription,
			ev.ClientID,
			ev.RecordedAt,
		)
	}

	query := `INSERT INTO booking_events
	    (user_key, period, seconds, from_topup, from_subscription, client_id, recorded_at)
	    VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting booking events: %w", err)
	}
	return nil
}

// ListByUser returns a user's booking events, newest first.
func (s *Store) ListByUser(ctx context.Context, userKey string, limit int) ([]BookingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_key, period, seconds, from_topup, from_subscription, client_id, recorded_at, created_at
		 FROM booking_events
		 WHERE user_key = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing booking events: %w", err)
	}
	defer rows.Close()

	var events []BookingEvent
	for rows.Next() {
		var ev BookingEvent
		if err := rows.Scan(&ev.ID, &ev.UserKey, &ev.Period, &ev.Seconds, &ev.FromTopUp,
			&ev.FromSubscription, &ev.ClientID, &ev.RecordedAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning booking event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating booking event rows: %w", err)
	}
	return events, nil
}
