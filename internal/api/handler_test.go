package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/client"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/history"
	"github.com/krijnhaasnoot/voice-notes-sub005/internal/ledger"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeLedger returns scripted results for the three ledger operations.
type fakeLedger struct {
	fetchRecord *ledger.UsageRecord
	fetchErr    error
	fetchCalls  int
	bookResult  *ledger.BookResult
	bookErr     error
	bookInput   ledger.BookInput
	creditRes   *ledger.CreditResult
	creditErr   error
	creditInput ledger.CreditInput
}

func (f *fakeLedger) Fetch(_ context.Context, userKey, planHint string) (*ledger.UsageRecord, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchRecord, nil
}

func (f *fakeLedger) Book(_ context.Context, in ledger.BookInput) (*ledger.BookResult, error) {
	f.bookInput = in
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	return f.bookResult, nil
}

func (f *fakeLedger) Credit(_ context.Context, in ledger.CreditInput) (*ledger.CreditResult, error) {
	f.creditInput = in
	if f.creditErr != nil {
		return nil, f.creditErr
	}
	return f.creditRes, nil
}

// fakeLedgerReader serves scripted records and purchases.
type fakeLedgerReader struct {
	record    *ledger.UsageRecord
	recordErr error
	records   []ledger.UsageRecord
	purchases []ledger.PurchaseEntry
}

func (f *fakeLedgerReader) GetRecord(_ context.Context, userKey, period string) (*ledger.UsageRecord, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	return f.record, nil
}

func (f *fakeLedgerReader) ListRecordsByUser(_ context.Context, userKey string, limit int) ([]ledger.UsageRecord, error) {
	return f.records, nil
}

func (f *fakeLedgerReader) ListPurchasesByUser(_ context.Context, userKey string, limit int) ([]ledger.PurchaseEntry, error) {
	return f.purchases, nil
}

// fakeBookingReader serves scripted booking events.
type fakeBookingReader struct {
	events []history.BookingEvent
}

func (f *fakeBookingReader) ListByUser(_ context.Context, userKey string, limit int) ([]history.BookingEvent, error) {
	return f.events, nil
}

// fakeClientStore implements ClientStore in memory.
type fakeClientStore struct {
	clients   []*client.Client
	createErr error
	deleteErr error
	deleted   string
}

func (f *fakeClientStore) Create(_ context.Context, in client.CreateClientInput) (*client.Client, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	c := &client.Client{
		ID:           "client-1",
		Name:         in.Name,
		APIKeyHash:   in.APIKeyHash,
		APIKeyPrefix: in.APIKeyPrefix,
		RateLimit:    in.RateLimit,
		CreatedAt:    time.Now(),
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeClientStore) List(_ context.Context) ([]*client.Client, error) {
	return f.clients, nil
}

func (f *fakeClientStore) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = id
	return nil
}

// fakeClientLookup resolves API key hashes for the auth middleware.
type fakeClientLookup struct {
	byHash map[string]*auth.Client
}

func (f *fakeClientLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Client, error) {
	c, ok := f.byHash[hash]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return c, nil
}

const (
	testAPIKey   = "vn_test_key_for_handlers"
	testAdminKey = "admin_test_key"
)

// testDeps builds RouterDeps around the given fakes with auth wired for
// testAPIKey and testAdminKey.
func testDeps(l *fakeLedger) RouterDeps {
	lookup := &fakeClientLookup{byHash: map[string]*auth.Client{
		auth.HashKey(testAPIKey): {ID: "client-1", Name: "backend", RateLimit: 0},
	}}
	return RouterDeps{
		Ledger:         l,
		Records:        &fakeLedgerReader{},
		Bookings:       &fakeBookingReader{},
		Clients:        &fakeClientStore{},
		Auth:           auth.NewService(lookup, nil, nil),
		AdminKey:       testAdminKey,
		AllowedOrigins: []string{"*"},
	}
}

func testRecord() *ledger.UsageRecord {
	return &ledger.UsageRecord{
		UserKey:                  "user-1",
		Period:                   "2025-03",
		Plan:                     "free",
		SubscriptionLimitSeconds: 1800,
		SecondsUsed:              600,
		TopUpBalanceSeconds:      3600,
	}
}

func doRequest(h http.Handler, method, target, body, bearer string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

// ---------------------------------------------------------------------------
// Health check handler tests
// ---------------------------------------------------------------------------

func TestHealthCheck_OK(t *testing.T) {
	// Build a minimal router with no DBPing (the nil path reports connected).
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	rec := doRequest(handler, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	if body["database"] != "connected" {
		t.Errorf("expected database=connected, got %q", body["database"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

func TestHealthCheck_DBDown(t *testing.T) {
	deps := RouterDeps{
		AllowedOrigins: []string{"*"},
		DBPing:         func(ctx context.Context) error { return errors.New("connection refused") },
	}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected status=degraded, got %q", body["status"])
	}
	if body["database"] != "unreachable" {
		t.Errorf("expected database=unreachable, got %q", body["database"])
	}
}

// ---------------------------------------------------------------------------
// Well-known manifest tests
// ---------------------------------------------------------------------------

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/ledgerd.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}

	if name, _ := manifest["name"].(string); name != "ledgerd" {
		t.Errorf("expected name=ledgerd, got %q", name)
	}

	authMap, ok := manifest["auth"].(map[string]interface{})
	if !ok {
		t.Fatal("auth field is not an object")
	}
	if authMap["type"] != "bearer" {
		t.Errorf("expected auth.type=bearer, got %v", authMap["type"])
	}

	endpoints, ok := manifest["endpoints"].(map[string]interface{})
	if !ok {
		t.Fatal("endpoints field is not an object")
	}
	for _, ep := range []string{"usage", "bookings", "topups"} {
		if _, ok := endpoints[ep]; !ok {
			t.Errorf("endpoints missing %q", ep)
		}
	}
}

// ---------------------------------------------------------------------------
// Usage endpoint tests
// ---------------------------------------------------------------------------

func TestGetUsage_RequiresAuth(t *testing.T) {
	f := &fakeLedger{fetchRecord: testRecord()}
	handler := NewRouter(testDeps(f))

	rec := doRequest(handler, http.MethodGet, "/api/v1/usage?user_key=user-1", "", "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "unauthorized" {
		t.Errorf("expected unauthorized code, got %q", code)
	}
	if f.fetchCalls != 0 {
		t.Errorf("expected no ledger access without credentials, got %d calls", f.fetchCalls)
	}
}

func TestGetUsage_OK(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{fetchRecord: testRecord()}))

	rec := doRequest(handler, http.MethodGet, "/api/v1/usage?user_key=user-1&plan=free", "", testAPIKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body usageResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.UserKey != "user-1" {
		t.Errorf("expected user_key=user-1, got %q", body.UserKey)
	}
	// 1800 sub + 3600 topup.
	if body.LimitSeconds != 5400 {
		t.Errorf("expected limit_seconds=5400, got %d", body.LimitSeconds)
	}
	// (1800-600) remaining sub + 3600 topup.
	if body.RemainingSeconds != 4800 {
		t.Errorf("expected remaining_seconds=4800, got %d", body.RemainingSeconds)
	}
}

func TestGetUsage_MissingUserKey(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{fetchErr: ledger.ErrUserKeyRequired}))

	rec := doRequest(handler, http.MethodGet, "/api/v1/usage", "", testAPIKey)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "invalid_request" {
		t.Errorf("expected invalid_request code, got %q", code)
	}
}

// ---------------------------------------------------------------------------
// Booking endpoint tests
// ---------------------------------------------------------------------------

func TestCreateBooking_OK(t *testing.T) {
	rec := testRecord()
	rec.TopUpBalanceSeconds = 3000
	fl := &fakeLedger{bookResult: &ledger.BookResult{Record: rec, TopUpUsed: 600, SubUsed: 0}}
	handler := NewRouter(testDeps(fl))

	resp := doRequest(handler, http.MethodPost, "/api/v1/usage/bookings",
		`{"user_key":"user-1","seconds":600,"plan":"free"}`, testAPIKey)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body bookingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.TopUpUsed != 600 {
		t.Errorf("expected topup_used=600, got %d", body.TopUpUsed)
	}
	if body.SubscriptionUsed != 0 {
		t.Errorf("expected subscription_used=0, got %d", body.SubscriptionUsed)
	}
	if body.TopUpBalanceSeconds != 3000 {
		t.Errorf("expected topup_balance_seconds=3000, got %d", body.TopUpBalanceSeconds)
	}

	// The authenticated client's ID must reach the booking input.
	if fl.bookInput.ClientID != "client-1" {
		t.Errorf("expected client ID client-1 in booking input, got %q", fl.bookInput.ClientID)
	}
}

func TestCreateBooking_QuotaExceeded(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{bookErr: ledger.ErrQuotaExceeded}))

	resp := doRequest(handler, http.MethodPost, "/api/v1/usage/bookings",
		`{"user_key":"user-1","seconds":99999}`, testAPIKey)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if code := decodeError(t, resp); code != "quota_exceeded" {
		t.Errorf("expected quota_exceeded code, got %q", code)
	}
}

func TestCreateBooking_Conflict(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{bookErr: ledger.ErrConflict}))

	resp := doRequest(handler, http.MethodPost, "/api/v1/usage/bookings",
		`{"user_key":"user-1","seconds":60}`, testAPIKey)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
	if code := decodeError(t, resp); code != "store_unavailable" {
		t.Errorf("expected store_unavailable code, got %q", code)
	}
}

func TestCreateBooking_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing user_key", `{"seconds":60}`},
		{"zero seconds", `{"user_key":"user-1","seconds":0}`},
		{"negative seconds", `{"user_key":"user-1","seconds":-5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(testDeps(&fakeLedger{}))

			resp := doRequest(handler, http.MethodPost, "/api/v1/usage/bookings", tt.body, testAPIKey)

			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.Code)
			}
			if code := decodeError(t, resp); code != "invalid_request" {
				t.Errorf("expected invalid_request code, got %q", code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Top-up endpoint tests
// ---------------------------------------------------------------------------

func TestCreateTopUp_Applied(t *testing.T) {
	fl := &fakeLedger{creditRes: &ledger.CreditResult{
		TransactionID:   "txn-1",
		SecondsCredited: 10800,
		NewTopUpBalance: 10800,
	}}
	handler := NewRouter(testDeps(fl))

	resp := doRequest(handler, http.MethodPost, "/api/v1/topups",
		`{"user_key":"user-1","transaction_id":"txn-1","seconds_credited":10800}`, testAPIKey)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body topUpResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.AlreadyCredited {
		t.Error("expected already_credited=false for a fresh credit")
	}
	if body.NewTopUpBalance != 10800 {
		t.Errorf("expected new_topup_balance=10800, got %d", body.NewTopUpBalance)
	}
	if fl.creditInput.TransactionID != "txn-1" {
		t.Errorf("expected transaction_id txn-1 in credit input, got %q", fl.creditInput.TransactionID)
	}
}

func TestCreateTopUp_Duplicate(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{creditRes: &ledger.CreditResult{
		TransactionID:   "txn-1",
		SecondsCredited: 10800,
		NewTopUpBalance: 10200,
		AlreadyCredited: true,
	}}))

	resp := doRequest(handler, http.MethodPost, "/api/v1/topups",
		`{"user_key":"user-1","transaction_id":"txn-1","seconds_credited":10800}`, testAPIKey)

	// Redelivery is success, not an error.
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.Code)
	}

	var body topUpResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.AlreadyCredited {
		t.Error("expected already_credited=true for a redelivered transaction")
	}
	if body.NewTopUpBalance != 10200 {
		t.Errorf("expected unchanged balance 10200, got %d", body.NewTopUpBalance)
	}
}

func TestCreateTopUp_InvalidGrant(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{creditErr: ledger.ErrGrantInvalid}))

	resp := doRequest(handler, http.MethodPost, "/api/v1/topups",
		`{"user_key":"user-1","transaction_id":"txn-1","seconds_credited":12345}`, testAPIKey)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if code := decodeError(t, resp); code != "invalid_request" {
		t.Errorf("expected invalid_request code, got %q", code)
	}
}

func TestCreateTopUp_MissingTransactionID(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{}))

	resp := doRequest(handler, http.MethodPost, "/api/v1/topups",
		`{"user_key":"user-1","seconds_credited":3600}`, testAPIKey)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

// ---------------------------------------------------------------------------
// Rate limit wiring tests
// ---------------------------------------------------------------------------

func TestRateLimitApplied(t *testing.T) {
	deps := testDeps(&fakeLedger{fetchRecord: testRecord()})
	deps.RateLimit = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		})
	}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/api/v1/usage?user_key=user-1", "", testAPIKey)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 from rate limit middleware, got %d", rec.Code)
	}

	// Health stays outside the limited group.
	rec = doRequest(handler, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unlimited health, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin endpoint tests
// ---------------------------------------------------------------------------

func TestAdminRequiresKey(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{}))

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/clients", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodGet, "/api/v1/admin/clients", "", "wrong-key")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", rec.Code)
	}

	// A client API key is not an admin credential.
	rec = doRequest(handler, http.MethodGet, "/api/v1/admin/clients", "", testAPIKey)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with client key on admin route, got %d", rec.Code)
	}
}

func TestCreateClient_ReturnsKeyOnce(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{}))

	rec := doRequest(handler, http.MethodPost, "/api/v1/admin/clients",
		`{"name":"mobile-backend","rate_limit":25}`, testAdminKey)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	key, _ := body["api_key"].(string)
	if !strings.HasPrefix(key, "vn_") {
		t.Errorf("expected plaintext api_key with vn_ prefix, got %q", key)
	}
	prefix, _ := body["api_key_prefix"].(string)
	if prefix == "" || !strings.HasPrefix(key, prefix) {
		t.Errorf("expected api_key_prefix to prefix the key, got %q / %q", prefix, key)
	}
	if body["name"] != "mobile-backend" {
		t.Errorf("expected name=mobile-backend, got %v", body["name"])
	}
}

func TestCreateClient_MissingName(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{}))

	rec := doRequest(handler, http.MethodPost, "/api/v1/admin/clients", `{"rate_limit":5}`, testAdminKey)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListClients_HidesHashes(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	store := &fakeClientStore{clients: []*client.Client{{
		ID:           "client-9",
		Name:         "relay",
		APIKeyHash:   "secret-hash",
		APIKeyPrefix: "vn_abc1234",
	}}}
	deps.Clients = store
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/clients", "", testAdminKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-hash") {
		t.Error("api key hash must never appear in responses")
	}
	if !strings.Contains(rec.Body.String(), "vn_abc1234") {
		t.Error("expected key prefix in listing")
	}
}

func TestDeleteClient(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	store := &fakeClientStore{}
	deps.Clients = store
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodDelete, "/api/v1/admin/clients/client-7", "", testAdminKey)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if store.deleted != "client-7" {
		t.Errorf("expected delete of client-7, got %q", store.deleted)
	}
}

func TestDeleteClient_NotFound(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	deps.Clients = &fakeClientStore{deleteErr: pgx.ErrNoRows}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodDelete, "/api/v1/admin/clients/missing", "", testAdminKey)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "not_found" {
		t.Errorf("expected not_found code, got %q", code)
	}
}

func TestGetLedger_SinglePeriod(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	deps.Records = &fakeLedgerReader{record: testRecord()}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/users/user-1/ledger?period=2025-03", "", testAdminKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body usageResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Period != "2025-03" {
		t.Errorf("expected period=2025-03, got %q", body.Period)
	}
}

func TestGetLedger_BadPeriod(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{}))

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/users/user-1/ledger?period=March", "", testAdminKey)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetLedger_PeriodNotFound(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	deps.Records = &fakeLedgerReader{recordErr: pgx.ErrNoRows}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/users/user-1/ledger?period=2020-01", "", testAdminKey)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetLedger_RecentRecords(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	deps.Records = &fakeLedgerReader{records: []ledger.UsageRecord{*testRecord()}}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/users/user-1/ledger", "", testAdminKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Records []usageResponse `json:"records"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(body.Records))
	}
	if body.Records[0].RemainingSeconds != 4800 {
		t.Errorf("expected derived remaining_seconds=4800, got %d", body.Records[0].RemainingSeconds)
	}
}

func TestListBookings(t *testing.T) {
	deps := testDeps(&fakeLedger{})
	deps.Bookings = &fakeBookingReader{events: []history.BookingEvent{
		{ID: 1, UserKey: "user-1", Period: "2025-03", Seconds: 300, FromSubscription: 300, ClientID: "client-1"},
	}}
	handler := NewRouter(deps)

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/users/user-1/bookings", "", testAdminKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Bookings []history.BookingEvent `json:"bookings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Bookings) != 1 || body.Bookings[0].Seconds != 300 {
		t.Fatalf("unexpected bookings payload: %+v", body.Bookings)
	}
}

func TestListPurchases_BadLimit(t *testing.T) {
	handler := NewRouter(testDeps(&fakeLedger{}))

	rec := doRequest(handler, http.MethodGet, "/api/v1/admin/users/user-1/purchases?limit=nope", "", testAdminKey)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// CORS middleware tests
// ---------------------------------------------------------------------------

func TestCORSMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		method          string
		wantStatus      int
		wantAllowOrigin string
		wantVary        string
	}{
		{
			name:            "wildcard allows any origin",
			allowedOrigins:  []string{"*"},
			requestOrigin:   "https://example.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "*",
		},
		{
			name:            "specific origin is echoed back",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://app.example.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "https://app.example.com",
			wantVary:        "Origin",
		},
		{
			name:            "non-matching origin gets no Allow-Origin header",
			allowedOrigins:  []string{"https://app.example.com"},
			requestOrigin:   "https://evil.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "",
		},
		{
			name:            "no origin header means no CORS headers",
			allowedOrigins:  []string{"*"},
			requestOrigin:   "",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "",
		},
		{
			name:            "preflight returns 204",
			allowedOrigins:  []string{"*"},
			requestOrigin:   "https://example.com",
			method:          http.MethodOptions,
			wantStatus:      http.StatusNoContent,
			wantAllowOrigin: "*",
		},
		{
			name:            "empty allowed origins list",
			allowedOrigins:  nil,
			requestOrigin:   "https://example.com",
			method:          http.MethodGet,
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := corsMiddleware(tt.allowedOrigins)
			handler := mw(inner)

			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}

			gotAllowOrigin := rec.Header().Get("Access-Control-Allow-Origin")
			if gotAllowOrigin != tt.wantAllowOrigin {
				t.Errorf("Access-Control-Allow-Origin: got %q, want %q", gotAllowOrigin, tt.wantAllowOrigin)
			}

			if tt.wantVary != "" {
				gotVary := rec.Header().Get("Vary")
				if gotVary != tt.wantVary {
					t.Errorf("Vary: got %q, want %q", gotVary, tt.wantVary)
				}
			}

			// When origin is set and allowed, check CORS method headers are present.
			if tt.requestOrigin != "" && tt.wantAllowOrigin != "" {
				if methods := rec.Header().Get("Access-Control-Allow-Methods"); methods == "" {
					t.Error("expected Access-Control-Allow-Methods to be set")
				}
				if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "86400" {
					t.Errorf("Access-Control-Max-Age: got %q, want 86400", maxAge)
				}
			}
		})
	}
}

func TestCORSMiddleware_PreflightDoesNotCallNext(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	mw := corsMiddleware([]string{"*"})
	handler := mw(inner)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("preflight OPTIONS should not call the next handler")
	}
}

// ---------------------------------------------------------------------------
// Secure headers middleware tests
// ---------------------------------------------------------------------------

func TestSecureHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := secureHeaders(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	expectedHeaders := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "0",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}

	for header, want := range expectedHeaders {
		got := rec.Header().Get(header)
		if got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Request ID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var capturedID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Response header should be set.
	respID := rec.Header().Get("X-Request-ID")
	if respID == "" {
		t.Fatal("expected X-Request-ID response header to be set")
	}

	// Generated IDs are canonical UUID strings.
	if len(respID) != 36 || strings.Count(respID, "-") != 4 {
		t.Errorf("expected UUID request ID, got %q", respID)
	}

	// Context value should match response header.
	if capturedID != respID {
		t.Errorf("context ID %q does not match response header ID %q", capturedID, respID)
	}
}

func TestRequestIDMiddleware_ForwardsExistingID(t *testing.T) {
	const existingID = "my-custom-request-id-12345"

	var capturedID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", existingID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	respID := rec.Header().Get("X-Request-ID")
	if respID != existingID {
		t.Errorf("expected forwarded ID %q, got %q", existingID, respID)
	}
	if capturedID != existingID {
		t.Errorf("context ID: expected %q, got %q", existingID, capturedID)
	}
}

func TestRequestIDMiddleware_SanitizesWhitespace(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := requestIDMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "  some-id-with-spaces  \n")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	respID := rec.Header().Get("X-Request-ID")
	if respID != "some-id-with-spaces" {
		t.Errorf("expected sanitized ID, got %q", respID)
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	// Calling with a bare context should return empty string.
	id := RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	if id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// writeError / writeJSON / writeLedgerError helper tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "not_found", "resource not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Errorf("expected code=not_found, got %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "resource not found" {
		t.Errorf("expected message='resource not found', got %q", envelope.Error.Message)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	data := map[string]string{"hello": "world"}
	writeJSON(rec, http.StatusCreated, data)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["hello"] != "world" {
		t.Errorf("expected hello=world, got %q", body["hello"])
	}
}

func TestWriteLedgerError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{ledger.ErrUserKeyRequired, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrSecondsInvalid, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrBookingTooLarge, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrTransactionIDRequired, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrGrantInvalid, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrTransactionMismatch, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrQuotaExceeded, http.StatusConflict, "quota_exceeded"},
		{ledger.ErrConflict, http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("pg went away"), http.StatusServiceUnavailable, "store_unavailable"},
		{fmt.Errorf("booking: %w", ledger.ErrQuotaExceeded), http.StatusConflict, "quota_exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode+"/"+tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeLedgerError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}

			var envelope errorEnvelope
			if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if envelope.Error.Code != tt.wantCode {
				t.Errorf("code: got %q, want %q", envelope.Error.Code, tt.wantCode)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// readJSON helper tests
// ---------------------------------------------------------------------------

func TestReadJSON_Valid(t *testing.T) {
	body := strings.NewReader(`{"name":"test","value":42}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var result struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	if err := readJSON(req, &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Name != "test" || result.Value != 42 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestReadJSON_InvalidJSON(t *testing.T) {
	body := strings.NewReader(`{not json`)
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var result map[string]interface{}
	if err := readJSON(req, &result); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestReadJSON_EmptyBody(t *testing.T) {
	body := strings.NewReader("")
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var result map[string]interface{}
	if err := readJSON(req, &result); err == nil {
		t.Error("expected error for empty body")
	}
}
