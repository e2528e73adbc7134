package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/catalog"
	"github.com/goodtune/kportal/internal/config"
	"github.com/goodtune/kportal/internal/session"
	"github.com/goodtune/kportal/internal/storage"
	redisstore "github.com/goodtune/kportal/internal/storage/redis"
	"github.com/goodtune/kportal/internal/validation"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	service  *Service
	registry *session.Registry
	clock    *access.TestClock
}

func setupTestService(t *testing.T, gateway Gateway, cfg Config) *testEnv {
	t.Helper()
	return setupTestServiceWithWindows(t, gateway, cfg, nil)
}

// setupTestServiceWithWindows lets a test wrap the window store the registry persists to.
func setupTestServiceWithWindows(t *testing.T, gateway Gateway, cfg Config, wrap func(storage.WindowStore) storage.WindowStore) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	mr.SetTime(testNow)

	store, err := redisstore.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     5,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	packages, err := catalog.NewService(store.Packages(), 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	if _, err := packages.Seed(context.Background()); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}

	clock := access.NewTestClock(testNow)
	var windows storage.WindowStore = store.Windows()
	if wrap != nil {
		windows = wrap(windows)
	}
	registry := session.NewRegistry(windows, clock, session.Config{}, zerolog.Nop())

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	if cfg.Currency == "" {
		cfg.Currency = "KSH"
	}

	svc := NewService(gateway, packages, store.Transactions(), registry, clock, cfg, zerolog.Nop())
	t.Cleanup(svc.Shutdown)

	return &testEnv{service: svc, registry: registry, clock: clock}
}

// flakyGateway fails transiently a fixed number of times before approving
type flakyGateway struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (g *flakyGateway) Name() string { return "flaky" }

func (g *flakyGateway) Initiate(ctx context.Context, req Request) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if g.calls <= g.failures {
		return Outcome{}, &TransientError{Err: errors.New("provider busy")}
	}
	return Outcome{Reference: "FLAKY" + req.TransactionID[:4], Success: true}, nil
}

func (g *flakyGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fixedGateway returns the same outcome and error for every request
type fixedGateway struct {
	outcome Outcome
	err     error
	calls   int
	mu      sync.Mutex
}

func (g *fixedGateway) Name() string { return "fixed" }

func (g *fixedGateway) Initiate(ctx context.Context, req Request) (Outcome, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.outcome, g.err
}

// blockingGateway never answers; it waits for its context to end
type blockingGateway struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{started: make(chan struct{})}
}

func (g *blockingGateway) Name() string { return "blocking" }

func (g *blockingGateway) Initiate(ctx context.Context, req Request) (Outcome, error) {
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return Outcome{}, ctx.Err()
}

func (g *blockingGateway) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Gateway was never called")
	}
}

func waitSettled(t *testing.T, svc *Service, id string) *storage.Transaction {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := svc.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return tx
}

func TestCheckout_GrantsWindow(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{MaxRetries: 3})
	ctx := context.Background()

	tx, err := env.service.Checkout(ctx, CheckoutRequest{
		PackageID:   "2",
		PhoneNumber: "0712 345 678",
		Method:      storage.MethodMPesa,
		UserKey:     "AA:BB:CC:DD:EE:FF",
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if tx.Status != storage.StatusPending {
		t.Errorf("Checkout status = %s, want pending", tx.Status)
	}
	if tx.Amount != 50 {
		t.Errorf("Amount = %v, want 50", tx.Amount)
	}
	if tx.PhoneNumber != "0712345678" {
		t.Errorf("PhoneNumber = %q, want stripped digits", tx.PhoneNumber)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusSuccess {
		t.Fatalf("Status = %s (%s), want success", settled.Status, settled.FailureReason)
	}
	if !strings.HasPrefix(settled.Reference, "SIM") {
		t.Errorf("Reference = %q, want simulated reference", settled.Reference)
	}

	w, ok := env.registry.Get("aa:bb:cc:dd:ee:ff")
	if !ok {
		t.Fatal("Expected access window after successful payment")
	}
	want := access.AccessWindow{PackageID: "2", StartTime: testNow, EndTime: testNow.Add(3 * time.Hour)}
	if !w.Equal(want) {
		t.Errorf("Window = %+v, want %+v", w, want)
	}
}

// downWindowStore refuses every write, as a store whose Redis is unreachable would
type downWindowStore struct {
	storage.WindowStore
}

func (downWindowStore) Put(ctx context.Context, userKey string, window access.AccessWindow) error {
	return errors.New("redis down")
}

func TestCheckout_GrantFailureLeavesNoWindow(t *testing.T) {
	env := setupTestServiceWithWindows(t, NewSimulatedGateway(0), Config{}, func(ws storage.WindowStore) storage.WindowStore {
		return downWindowStore{WindowStore: ws}
	})
	ctx := context.Background()

	tx, err := env.service.Checkout(ctx, CheckoutRequest{PackageID: "2", PhoneNumber: "0712345678", UserKey: "alice"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusFailed {
		t.Fatalf("Status = %s, want failed", settled.Status)
	}
	if !strings.Contains(settled.FailureReason, "redis down") {
		t.Errorf("FailureReason = %q, want store error", settled.FailureReason)
	}
	if env.registry.IsActive("alice", testNow) {
		t.Error("Failed payment must not leave an active window")
	}
	if _, ok := env.registry.Get("alice"); ok {
		t.Error("Failed payment must not leave a window in the registry")
	}
}

func TestCheckout_DefaultsUserKeyAndMethod(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{})
	ctx := context.Background()

	tx, err := env.service.Checkout(ctx, CheckoutRequest{PackageID: "4", PhoneNumber: "+254712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if tx.UserKey != "+254712345678" {
		t.Errorf("UserKey = %q, want phone number", tx.UserKey)
	}
	if tx.Method != storage.MethodMPesa {
		t.Errorf("Method = %q, want mpesa", tx.Method)
	}

	waitSettled(t, env.service, tx.ID)

	w, ok := env.registry.Get("+254712345678")
	if !ok {
		t.Fatal("Expected window keyed by phone number")
	}
	if !w.EndTime.Equal(testNow.AddDate(0, 0, 1)) {
		t.Errorf("EndTime = %v, want one calendar day later", w.EndTime)
	}
}

func TestCheckout_Rejects(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{MinPhoneDigits: 10})
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CheckoutRequest
		check func(error) bool
	}{
		{
			name:  "malformed phone",
			req:   CheckoutRequest{PackageID: "1", PhoneNumber: "call me"},
			check: func(err error) bool { var v *validation.Error; return errors.As(err, &v) },
		},
		{
			name:  "too few digits",
			req:   CheckoutRequest{PackageID: "1", PhoneNumber: "071234567"},
			check: func(err error) bool { return errors.Is(err, ErrInvalidPhone) },
		},
		{
			name:  "unknown package",
			req:   CheckoutRequest{PackageID: "99", PhoneNumber: "0712345678"},
			check: func(err error) bool { return errors.Is(err, ErrUnknownPackage) },
		},
		{
			name:  "unknown method",
			req:   CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678", Method: "paypal"},
			check: func(err error) bool { return err != nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := env.service.Checkout(ctx, tt.req)
			if !tt.check(err) {
				t.Errorf("Unexpected error: %v", err)
			}
			if tx != nil {
				t.Errorf("Expected no transaction, got %+v", tx)
			}
		})
	}

	if n := env.service.Pending(); n != 0 {
		t.Errorf("Pending = %d after rejected checkouts, want 0", n)
	}
}

func TestCheckout_RejectsCash(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{})

	_, err := env.service.Checkout(context.Background(), CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678", Method: "cash"})
	if !errors.Is(err, ErrManualOnly) {
		t.Errorf("Checkout with cash error = %v, want ErrManualOnly", err)
	}
}

func TestRecordManual_GrantsWindow(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{})
	ctx := context.Background()

	tx, err := env.service.RecordManual(ctx, ManualPaymentRequest{UserKey: " Alice ", PackageID: "2", Reference: "R-100"})
	if err != nil {
		t.Fatalf("RecordManual failed: %v", err)
	}
	if tx.Status != storage.StatusSuccess || tx.Method != storage.MethodCash {
		t.Errorf("Unexpected transaction: %+v", tx)
	}
	if tx.Amount != 50 {
		t.Errorf("Amount = %v, want package price 50", tx.Amount)
	}
	if tx.UserKey != "alice" {
		t.Errorf("UserKey = %q, want normalized alice", tx.UserKey)
	}

	stored, err := env.service.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Reference != "R-100" {
		t.Errorf("Reference = %q, want R-100", stored.Reference)
	}

	w, ok := env.registry.Get("alice")
	if !ok {
		t.Fatal("Expected window for alice")
	}
	if !w.EndTime.Equal(testNow.Add(3 * time.Hour)) {
		t.Errorf("EndTime = %v, want three hours later", w.EndTime)
	}

	discount := 10.0
	tx, err = env.service.RecordManual(ctx, ManualPaymentRequest{UserKey: "bob", PackageID: "1", Amount: &discount, Method: storage.MethodMPesa})
	if err != nil {
		t.Fatalf("RecordManual failed: %v", err)
	}
	if tx.Amount != 10 || tx.Method != storage.MethodMPesa {
		t.Errorf("Unexpected transaction: %+v", tx)
	}
}

func TestRecordManual_Rejects(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{})
	ctx := context.Background()

	negative := -5.0
	tests := []struct {
		name  string
		req   ManualPaymentRequest
		check func(error) bool
	}{
		{
			name:  "missing user",
			req:   ManualPaymentRequest{PackageID: "1"},
			check: func(err error) bool { var v *validation.Error; return errors.As(err, &v) },
		},
		{
			name:  "negative amount",
			req:   ManualPaymentRequest{UserKey: "alice", PackageID: "1", Amount: &negative},
			check: func(err error) bool { var v *validation.Error; return errors.As(err, &v) },
		},
		{
			name:  "unknown package",
			req:   ManualPaymentRequest{UserKey: "alice", PackageID: "99"},
			check: func(err error) bool { return errors.Is(err, ErrUnknownPackage) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.service.RecordManual(ctx, tt.req); !tt.check(err) {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}

	txs, _ := env.service.List(ctx, storage.TransactionFilter{})
	if len(txs) != 0 {
		t.Errorf("Expected no recorded transactions, got %d", len(txs))
	}
}

func TestRecordManual_GrantFailureRecordsNothing(t *testing.T) {
	env := setupTestServiceWithWindows(t, NewSimulatedGateway(0), Config{}, func(ws storage.WindowStore) storage.WindowStore {
		return downWindowStore{WindowStore: ws}
	})
	ctx := context.Background()

	if _, err := env.service.RecordManual(ctx, ManualPaymentRequest{UserKey: "alice", PackageID: "1"}); err == nil {
		t.Fatal("Expected RecordManual to fail when the window cannot be stored")
	}

	txs, _ := env.service.List(ctx, storage.TransactionFilter{})
	if len(txs) != 0 {
		t.Errorf("Expected no recorded transactions, got %+v", txs)
	}
	if env.registry.IsActive("alice", testNow) {
		t.Error("Expected no window for alice")
	}
}

func TestCheckout_RetriesTransientErrors(t *testing.T) {
	gateway := &flakyGateway{failures: 2}
	env := setupTestService(t, gateway, Config{MaxRetries: 3})

	tx, err := env.service.Checkout(context.Background(), CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusSuccess {
		t.Errorf("Status = %s (%s), want success", settled.Status, settled.FailureReason)
	}
	if gateway.Calls() != 3 {
		t.Errorf("Gateway calls = %d, want 3", gateway.Calls())
	}
}

func TestCheckout_GivesUpAfterMaxRetries(t *testing.T) {
	gateway := &flakyGateway{failures: 10}
	env := setupTestService(t, gateway, Config{MaxRetries: 2})

	tx, err := env.service.Checkout(context.Background(), CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusFailed {
		t.Errorf("Status = %s, want failed", settled.Status)
	}
	if gateway.Calls() != 3 {
		t.Errorf("Gateway calls = %d, want 3", gateway.Calls())
	}
	if env.registry.IsActive(settled.UserKey, testNow) {
		t.Error("Failed payment must not grant access")
	}
}

func TestCheckout_PermanentErrorNotRetried(t *testing.T) {
	gateway := &fixedGateway{err: errors.New("account blocked")}
	env := setupTestService(t, gateway, Config{MaxRetries: 5})

	tx, err := env.service.Checkout(context.Background(), CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusFailed {
		t.Errorf("Status = %s, want failed", settled.Status)
	}
	if !strings.Contains(settled.FailureReason, "account blocked") {
		t.Errorf("FailureReason = %q", settled.FailureReason)
	}
	if gateway.calls != 1 {
		t.Errorf("Gateway calls = %d, want 1", gateway.calls)
	}
}

func TestCheckout_Declined(t *testing.T) {
	gateway := &fixedGateway{outcome: Outcome{Reference: "R1", Success: false, Reason: "insufficient funds"}}
	env := setupTestService(t, gateway, Config{})

	tx, err := env.service.Checkout(context.Background(), CheckoutRequest{PackageID: "3", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusFailed || settled.FailureReason != "insufficient funds" {
		t.Errorf("Settled = %s (%s), want failed (insufficient funds)", settled.Status, settled.FailureReason)
	}
	if _, ok := env.registry.Get(settled.UserKey); ok {
		t.Error("Declined payment must not grant access")
	}
}

func TestCancel(t *testing.T) {
	gateway := newBlockingGateway()
	env := setupTestService(t, gateway, Config{})
	ctx := context.Background()

	tx, err := env.service.Checkout(ctx, CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	gateway.waitStarted(t)

	cancelled, err := env.service.Cancel(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != storage.StatusFailed || cancelled.FailureReason != ErrCancelled.Error() {
		t.Errorf("Cancelled = %s (%s)", cancelled.Status, cancelled.FailureReason)
	}
	if env.service.Pending() != 0 {
		t.Error("Expected no pending tasks after cancel")
	}

	if _, err := env.service.Cancel(ctx, tx.ID); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled on second cancel, got %v", err)
	}
}

func TestCheckout_Timeout(t *testing.T) {
	gateway := newBlockingGateway()
	env := setupTestService(t, gateway, Config{Timeout: 20 * time.Millisecond})

	tx, err := env.service.Checkout(context.Background(), CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusFailed || settled.FailureReason != ErrTimeout.Error() {
		t.Errorf("Settled = %s (%s), want failed (%s)", settled.Status, settled.FailureReason, ErrTimeout)
	}
}

func TestComplete_Callback(t *testing.T) {
	gateway := newBlockingGateway()
	env := setupTestService(t, gateway, Config{})
	ctx := context.Background()

	tx, err := env.service.Checkout(ctx, CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678", UserKey: "device-1"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	gateway.waitStarted(t)

	env.clock.Advance(2 * time.Minute)

	completed, err := env.service.Complete(ctx, tx.ID, "QWE123", true, "")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if completed.Status != storage.StatusSuccess || completed.Reference != "QWE123" {
		t.Errorf("Completed = %+v", completed)
	}

	// The running task stops without overwriting the settlement
	settled := waitSettled(t, env.service, tx.ID)
	if settled.Status != storage.StatusSuccess {
		t.Errorf("Status after task exit = %s, want success", settled.Status)
	}

	w, ok := env.registry.Get("device-1")
	if !ok {
		t.Fatal("Expected window from callback")
	}
	start := testNow.Add(2 * time.Minute)
	if !w.StartTime.Equal(start) || !w.EndTime.Equal(start.Add(time.Hour)) {
		t.Errorf("Window = %+v, want one hour from %v", w, start)
	}

	if _, err := env.service.Complete(ctx, tx.ID, "QWE123", true, ""); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled, got %v", err)
	}
}

func TestComplete_UnknownTransaction(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{})

	if _, err := env.service.Complete(context.Background(), "nope", "", true, ""); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("Expected ErrUnknownTransaction, got %v", err)
	}
	if _, err := env.service.Get(context.Background(), "nope"); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("Expected ErrUnknownTransaction from Get, got %v", err)
	}
}

func TestShutdown_LeavesTransactionUnsettled(t *testing.T) {
	gateway := newBlockingGateway()
	env := setupTestService(t, gateway, Config{})
	ctx := context.Background()

	tx, err := env.service.Checkout(ctx, CheckoutRequest{PackageID: "1", PhoneNumber: "0712345678"})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	gateway.waitStarted(t)

	env.service.Shutdown()

	got, err := env.service.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status.Settled() {
		t.Errorf("Status = %s, want unsettled after shutdown", got.Status)
	}

	// A late provider callback can still complete it
	if _, err := env.service.Complete(ctx, tx.ID, "LATE1", true, ""); err != nil {
		t.Errorf("Complete after shutdown failed: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	env := setupTestService(t, NewSimulatedGateway(0), Config{})
	ctx := context.Background()

	for _, req := range []CheckoutRequest{
		{PackageID: "1", PhoneNumber: "0712345678", Method: storage.MethodMPesa},
		{PackageID: "4", PhoneNumber: "0722345678", Method: storage.MethodAirtel},
	} {
		tx, err := env.service.Checkout(ctx, req)
		if err != nil {
			t.Fatalf("Checkout failed: %v", err)
		}
		waitSettled(t, env.service, tx.ID)
	}

	summary, err := env.service.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.Transactions != 2 || summary.ByStatus[storage.StatusSuccess] != 2 {
		t.Errorf("Unexpected counts: %+v", summary)
	}
	if summary.Revenue != 170 {
		t.Errorf("Revenue = %v, want 170", summary.Revenue)
	}
	if summary.ByMethod[storage.MethodAirtel] != 150 {
		t.Errorf("Airtel revenue = %v, want 150", summary.ByMethod[storage.MethodAirtel])
	}
	if summary.Currency != "KSH" {
		t.Errorf("Currency = %q", summary.Currency)
	}
}

func TestNewGateway(t *testing.T) {
	if _, err := NewGateway("simulated", time.Second); err != nil {
		t.Errorf("NewGateway(simulated) failed: %v", err)
	}
	if _, err := NewGateway("stripe", time.Second); err == nil {
		t.Error("Expected error for unsupported gateway")
	}
}
