package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/history"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/period"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/plan"
)

var (
	ErrUserKeyRequired       = errors.New("user_key is required")
	ErrSecondsInvalid        = errors.New("seconds must be greater than zero")
	ErrBookingTooLarge       = errors.New("seconds exceeds the single-booking maximum")
	ErrTransactionIDRequired = errors.New("transaction_id is required")
	ErrGrantInvalid          = errors.New("seconds_credited does not match any top-up product")
	ErrTransactionMismatch   = errors.New("transaction_id already belongs to a different user")
	ErrQuotaExceeded         = errors.New("requested seconds exceed the available balance")
	ErrConflict              = errors.New("usage record changed concurrently")
)

// RecordStore is the store surface the service needs for usage records.
// Implementations signal a missing row with pgx.ErrNoRows, wrapped or not.
type RecordStore interface {
	GetRecord(ctx context.Context, userKey, period string) (*UsageRecord, error)
	LatestRecordBefore(ctx context.Context, userKey, period string) (*UsageRecord, error)
	CreateRecord(ctx context.Context, r *UsageRecord) (bool, error)
	UpdateRecordPlan(ctx context.Context, userKey, period, plan string, limitSeconds int64) error
	ApplyBooking(ctx context.Context, userKey, period string, oldUsed, oldTopUp, newUsed, newTopUp int64) (bool, error)
	ApplyCredit(ctx context.Context, entry PurchaseEntry, period string) (applied bool, newBalance int64, err error)
}

// PurchaseJournal is the journal surface the service needs.
type PurchaseJournal interface {
	GetPurchase(ctx context.Context, transactionID string) (*PurchaseEntry, error)
}

// BookingRecorder receives successful bookings for the audit trail. It exists
// to allow testing without the batching collector.
type BookingRecorder interface {
	Record(ev history.BookingEvent)
}

// ServiceOptions tunes booking validation and retry behavior. Zero values
// select the defaults.
type ServiceOptions struct {
	// MaxBookSeconds caps a single booking. Defaults to 21600 (6 hours),
	// well past any plausible single transcription.
	MaxBookSeconds int64
	// CASRetries is how many times a booking re-reads and retries after
	// losing a concurrent update race. Defaults to 3.
	CASRetries int
}

// Service implements the ledger operations over a record store and purchase
// journal. All period resolution uses the server clock.
type Service struct {
	records RecordStore
	journal PurchaseJournal
	catalog *plan.Catalog
	events  BookingRecorder

	maxBookSeconds int64
	casRetries     int
	now            func() time.Time
}

// NewService creates a ledger service. events may be nil, in which case no
// booking audit trail is written.
func NewService(records RecordStore, journal PurchaseJournal, catalog *plan.Catalog, events BookingRecorder, opts ServiceOptions) *Service {
	if opts.MaxBookSeconds <= 0 {
		opts.MaxBookSeconds = 21600
	}
	if opts.CASRetries <= 0 {
		opts.CASRetries = 3
	}
	return &Service{
		records:        records,
		journal:        journal,
		catalog:        catalog,
		events:         events,
		maxBookSeconds: opts.MaxBookSeconds,
		casRetries:     opts.CASRetries,
		now:            time.Now,
	}
}

// Fetch returns the user's usage record for the current period, creating it
// if this is the first sighting of the user this period. A non-empty plan
// hint syncs the stored plan.
func (s *Service) Fetch(ctx context.Context, userKey, planHint string) (*UsageRecord, error) {
	if userKey == "" {
		return nil, ErrUserKeyRequired
	}
	return s.ensureRecord(ctx, userKey, period.Current(s.now()), planHint)
}

// Book deducts a finished transcription from the user's balances, top-up
// first, then the monthly allowance. It mutates nothing when the requested
// seconds exceed what both buckets hold together.
func (s *Service) Book(ctx context.Context, in BookInput) (*BookResult, error) {
	if in.UserKey == "" {
		return nil, ErrUserKeyRequired
	}
	if in.Seconds <= 0 {
		return nil, ErrSecondsInvalid
	}
	if in.Seconds > s.maxBookSeconds {
		return nil, ErrBookingTooLarge
	}

	p := period.Current(s.now())
	rec, err := s.ensureRecord(ctx, in.UserKey, p, in.Plan)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= s.casRetries; attempt++ {
		if attempt > 0 {
			rec, err = s.records.GetRecord(ctx, in.UserKey, p)
			if err != nil {
				return nil, err
			}
		}

		if in.Seconds > rec.TotalAvailable() {
			return nil, ErrQuotaExceeded
		}

		fromTopUp := min(in.Seconds, rec.TopUpBalanceSeconds)
		fromSub := in.Seconds - fromTopUp
		newUsed := rec.SecondsUsed + fromSub
		newTopUp := rec.TopUpBalanceSeconds - fromTopUp

		ok, err := s.records.ApplyBooking(ctx, in.UserKey, p, rec.SecondsUsed, rec.TopUpBalanceSeconds, newUsed, newTopUp)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another booking landed between our read and write. Re-read
			// and recompute against the fresh balances.
			continue
		}

		rec.SecondsUsed = newUsed
		rec.TopUpBalanceSeconds = newTopUp
		s.recordBookingEvent(in, p, fromTopUp, fromSub)
		return &BookResult{Record: rec, TopUpUsed: fromTopUp, SubUsed: fromSub}, nil
	}
	return nil, ErrConflict
}

// Credit applies a purchased top-up to the user's current period. Delivery is
// idempotent on the transaction ID: re-delivering a known transaction changes
// nothing and reports the current balance.
func (s *Service) Credit(ctx context.Context, in CreditInput) (*CreditResult, error) {
	if in.UserKey == "" {
		return nil, ErrUserKeyRequired
	}
	if in.TransactionID == "" {
		return nil, ErrTransactionIDRequired
	}
	if in.SecondsCredited <= 0 || !s.catalog.ValidGrant(in.SecondsCredited) {
		return nil, ErrGrantInvalid
	}

	p := period.Current(s.now())

	// Fast path for store retries: the journal already holds this
	// transaction.
	existing, err := s.journal.GetPurchase(ctx, in.TransactionID)
	if err == nil {
		return s.duplicateResult(ctx, in, existing, p)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, err := s.ensureRecord(ctx, in.UserKey, p, ""); err != nil {
		return nil, err
	}

	entry := PurchaseEntry{
		TransactionID:   in.TransactionID,
		UserKey:         in.UserKey,
		SecondsCredited: in.SecondsCredited,
		PricePaid:       in.PricePaid,
		Currency:        in.Currency,
	}
	applied, newBalance, err := s.records.ApplyCredit(ctx, entry, p)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost a delivery race on the journal's primary key. The winner's
		// mutation stands; report the balance it produced.
		existing, err := s.journal.GetPurchase(ctx, in.TransactionID)
		if err != nil {
			return nil, err
		}
		return s.duplicateResult(ctx, in, existing, p)
	}

	return &CreditResult{
		TransactionID:   in.TransactionID,
		SecondsCredited: in.SecondsCredited,
		NewTopUpBalance: newBalance,
	}, nil
}

// duplicateResult builds the response for a re-delivered transaction: same
// shape as a fresh credit, current balance, AlreadyCredited set.
func (s *Service) duplicateResult(ctx context.Context, in CreditInput, entry *PurchaseEntry, p string) (*CreditResult, error) {
	if entry.UserKey != in.UserKey {
		return nil, ErrTransactionMismatch
	}
	rec, err := s.ensureRecord(ctx, in.UserKey, p, "")
	if err != nil {
		return nil, err
	}
	return &CreditResult{
		TransactionID:   entry.TransactionID,
		SecondsCredited: entry.SecondsCredited,
		NewTopUpBalance: rec.TopUpBalanceSeconds,
		AlreadyCredited: true,
	}, nil
}

// ensureRecord loads the record for (userKey, p), creating it when absent.
// Creation carries the top-up balance forward from the user's most recent
// prior period. Losers of a concurrent creation race re-read the winner's
// row. A non-empty plan hint syncs the stored plan afterwards.
func (s *Service) ensureRecord(ctx context.Context, userKey, p, planHint string) (*UsageRecord, error) {
	rec, err := s.records.GetRecord(ctx, userKey, p)
	if err == nil {
		if err := s.syncPlan(ctx, rec, planHint); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var carried int64
	prev, err := s.records.LatestRecordBefore(ctx, userKey, p)
	if err == nil {
		carried = prev.TopUpBalanceSeconds
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	planName, limit := s.catalog.Resolve(planHint)
	rec = &UsageRecord{
		UserKey:                  userKey,
		Period:                   p,
		Plan:                     planName,
		SubscriptionLimitSeconds: limit,
		SecondsUsed:              0,
		TopUpBalanceSeconds:      carried,
	}
	inserted, err := s.records.CreateRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		rec, err = s.records.GetRecord(ctx, userKey, p)
		if err != nil {
			return nil, err
		}
		if err := s.syncPlan(ctx, rec, planHint); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// syncPlan reconciles the stored plan with a hint from the billing system.
// The allowance moves to the hinted plan's; consumption and the purchased
// balance stay put.
func (s *Service) syncPlan(ctx context.Context, rec *UsageRecord, planHint string) error {
	if planHint == "" {
		return nil
	}
	name, limit := s.catalog.Resolve(planHint)
	if name == rec.Plan {
		return nil
	}
	if err := s.records.UpdateRecordPlan(ctx, rec.UserKey, rec.Period, name, limit); err != nil {
		return err
	}
	rec.Plan = name
	rec.SubscriptionLimitSeconds = limit
	return nil
}

func (s *Service) recordBookingEvent(in BookInput, p string, fromTopUp, fromSub int64) {
	if s.events == nil {
		return
	}
	s.events.Record(history.BookingEvent{
		UserKey:          in.UserKey,
		Period:           p,
		Seconds:          in.Seconds,
		FromTopUp:        fromTopUp,
		FromSubscription: fromSub,
		ClientID:         in.ClientID,
		RecordedAt:       in.RecordedAt,
		CreatedAt:        s.now(),
	})
}
