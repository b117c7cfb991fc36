package history

import "time"

// BookingEvent is one successful consumption booking, kept for audit and
// support lookups. Events are written after the balance mutation commits and
// never participate in balance math.
type BookingEvent struct {
	ID               int64      `json:"id"`
	UserKey          string     `json:"user_key"`
	Period           string     `json:"period"`
	Seconds          int64      `json:"seconds"`
	FromTopUp        int64      `json:"from_topup"`
	FromSubscription int64      `json:"from_subscription"`
	ClientID         string     `json:"client_id"`
	RecordedAt       *time.Time `json:"recorded_at,omitempty"` // caller capture time, advisory
	CreatedAt        time.Time  `json:"created_at"`
}
