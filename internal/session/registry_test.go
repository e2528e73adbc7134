package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/config"
	"github.com/goodtune/kportal/internal/storage"
	redisstore "github.com/goodtune/kportal/internal/storage/redis"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func testWindow(pkg string, length time.Duration) access.AccessWindow {
	return access.AccessWindow{
		PackageID: pkg,
		StartTime: testNow,
		EndTime:   testNow.Add(length),
	}
}

func newMemoryRegistry() (*Registry, *access.TestClock) {
	clock := access.NewTestClock(testNow)
	return NewRegistry(nil, clock, Config{}, zerolog.Nop()), clock
}

func openTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
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

	return store, mr
}

func TestRegistry_SetGet(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	w := testWindow("2", 3*time.Hour)
	if err := reg.Set(ctx, "AA:BB:CC:DD:EE:FF", w); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok := reg.Get("aa:bb:cc:dd:ee:ff")
	if !ok {
		t.Fatal("Expected window for normalized key")
	}
	if !got.Equal(w) {
		t.Errorf("Get = %+v, want %+v", got, w)
	}

	if _, ok := reg.Get("someone-else"); ok {
		t.Error("Expected no window for unknown key")
	}
}

func TestRegistry_SetReplacesWithoutStacking(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	first := testWindow("1", time.Hour)
	second := access.AccessWindow{
		PackageID: "4",
		StartTime: testNow.Add(30 * time.Minute),
		EndTime:   testNow.Add(30*time.Minute + 24*time.Hour),
	}

	if err := reg.Set(ctx, "user", first); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := reg.Set(ctx, "user", second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, _ := reg.Get("user")
	if !got.Equal(second) {
		t.Errorf("Get = %+v, want %+v", got, second)
	}
	if len(reg.List(testNow)) != 1 {
		t.Errorf("Expected a single entry after replace")
	}
}

func TestRegistry_SetRejects(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	if err := reg.Set(ctx, "  ", testWindow("1", time.Hour)); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}

	malformed := access.AccessWindow{PackageID: "1", StartTime: testNow, EndTime: testNow}
	err := reg.Set(ctx, "user", malformed)
	var merr *access.MalformedWindowError
	if !errors.As(err, &merr) {
		t.Fatalf("Expected MalformedWindowError, got %v", err)
	}
	if _, ok := reg.Get("user"); ok {
		t.Error("Malformed window must not be stored")
	}
}

func TestRegistry_IsActive(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	w := testWindow("1", time.Hour)
	if err := reg.Set(ctx, "user", w); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	tests := []struct {
		name string
		key  string
		now  time.Time
		want bool
	}{
		{"at start", "user", testNow, true},
		{"one second before end", "user", w.EndTime.Add(-time.Second), true},
		{"exactly at end", "user", w.EndTime, false},
		{"after end", "user", w.EndTime.Add(time.Minute), false},
		{"unknown key", "nobody", testNow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reg.IsActive(tt.key, tt.now); got != tt.want {
				t.Errorf("IsActive(%q, %v) = %v, want %v", tt.key, tt.now, got, tt.want)
			}
		})
	}

	// Expired windows stay visible until reaped or cleared
	if _, ok := reg.Get("user"); !ok {
		t.Error("Expected expired window to remain until reaped")
	}
}

func TestRegistry_Clear(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	if err := reg.Set(ctx, "user", testWindow("1", time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	existed, err := reg.Clear(ctx, "USER")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if !existed {
		t.Error("Expected Clear to report an existing window")
	}
	if reg.IsActive("user", testNow) {
		t.Error("Expected user to be inactive after Clear")
	}

	existed, err = reg.Clear(ctx, "user")
	if err != nil {
		t.Fatalf("Second Clear failed: %v", err)
	}
	if existed {
		t.Error("Expected second Clear to report nothing removed")
	}
}

func TestRegistry_Reap(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	_ = reg.Set(ctx, "short", testWindow("1", time.Hour))
	_ = reg.Set(ctx, "long", testWindow("4", 24*time.Hour))

	if n := reg.Reap(ctx, testNow.Add(30*time.Minute)); n != 0 {
		t.Errorf("Reap before any expiry removed %d, want 0", n)
	}

	if n := reg.Reap(ctx, testNow.Add(time.Hour)); n != 1 {
		t.Errorf("Reap at end of short window removed %d, want 1", n)
	}
	if _, ok := reg.Get("short"); ok {
		t.Error("Expected short window to be reaped")
	}
	if _, ok := reg.Get("long"); !ok {
		t.Error("Expected long window to survive reap")
	}
}

func TestRegistry_LookupAndList(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	_ = reg.Set(ctx, "b", testWindow("4", 24*time.Hour))
	_ = reg.Set(ctx, "a", testWindow("1", time.Hour))

	now := testNow.Add(30 * time.Minute)
	entry, ok := reg.Lookup("a", now)
	if !ok {
		t.Fatal("Expected entry for a")
	}
	if entry.Sample.RemainingSeconds != 1800 {
		t.Errorf("RemainingSeconds = %d, want 1800", entry.Sample.RemainingSeconds)
	}
	if entry.Sample.ProgressPercent != 50 {
		t.Errorf("ProgressPercent = %v, want 50", entry.Sample.ProgressPercent)
	}
	if !entry.Active {
		t.Error("Expected entry to be active")
	}

	entries := reg.List(now)
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	if entries[0].UserKey != "a" || entries[1].UserKey != "b" {
		t.Errorf("List order = [%s %s], want [a b]", entries[0].UserKey, entries[1].UserKey)
	}
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	clock := access.NewTestClock(testNow)

	first := NewRegistry(store.Windows(), clock, Config{}, zerolog.Nop())
	w := testWindow("2", 3*time.Hour)
	if err := first.Set(ctx, "user-1", w); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := first.Set(ctx, "user-2", testWindow("1", time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := first.Clear(ctx, "user-2"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	restarted := NewRegistry(store.Windows(), clock, Config{}, zerolog.Nop())
	n, err := restarted.Load(ctx, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Load restored %d windows, want 1", n)
	}

	got, ok := restarted.Get("user-1")
	if !ok {
		t.Fatal("Expected user-1 after restart")
	}
	if !got.Equal(w) {
		t.Errorf("Restored window = %+v, want %+v", got, w)
	}
	if _, ok := restarted.Get("user-2"); ok {
		t.Error("Cleared window must not be restored")
	}
}

// flakyWindowStore fails writes on demand and passes everything else through
type flakyWindowStore struct {
	storage.WindowStore
	putErr    error
	deleteErr error
}

func (s *flakyWindowStore) Put(ctx context.Context, userKey string, window access.AccessWindow) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.WindowStore.Put(ctx, userKey, window)
}

func (s *flakyWindowStore) Delete(ctx context.Context, userKey string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.WindowStore.Delete(ctx, userKey)
}

func TestRegistry_SetStoreFailureKeepsSlot(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	windows := &flakyWindowStore{WindowStore: store.Windows()}
	reg := NewRegistry(windows, access.NewTestClock(testNow), Config{}, zerolog.Nop())

	held := testWindow("1", time.Hour)
	if err := reg.Set(ctx, "held", held); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	windows.putErr = errors.New("redis down")

	if err := reg.Set(ctx, "fresh", testWindow("2", 3*time.Hour)); err == nil {
		t.Fatal("Expected Set to fail when the store rejects the write")
	}
	if _, ok := reg.Get("fresh"); ok {
		t.Error("Unpersisted window must not be held")
	}
	if reg.IsActive("fresh", testNow) {
		t.Error("Unpersisted window must not be active")
	}

	if err := reg.Set(ctx, "held", testWindow("4", 24*time.Hour)); err == nil {
		t.Fatal("Expected superseding Set to fail when the store rejects the write")
	}
	got, ok := reg.Get("held")
	if !ok || !got.Equal(held) {
		t.Errorf("Get(held) = %+v, %v; want previous window kept", got, ok)
	}
}

func TestRegistry_ClearStoreFailureKeepsWindow(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	windows := &flakyWindowStore{WindowStore: store.Windows()}
	reg := NewRegistry(windows, access.NewTestClock(testNow), Config{}, zerolog.Nop())

	if err := reg.Set(ctx, "user", testWindow("2", 3*time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	windows.deleteErr = errors.New("redis down")
	if _, err := reg.Clear(ctx, "user"); err == nil {
		t.Fatal("Expected Clear to fail when the store rejects the delete")
	}
	if !reg.IsActive("user", testNow) {
		t.Error("Window should stay held while its persisted copy remains")
	}

	// Memory and storage agree, so a retry succeeds and nothing comes back on restart
	windows.deleteErr = nil
	if existed, err := reg.Clear(ctx, "user"); err != nil || !existed {
		t.Fatalf("Clear retry = %v, %v; want true, nil", existed, err)
	}
	restarted := NewRegistry(store.Windows(), access.NewTestClock(testNow), Config{}, zerolog.Nop())
	if n, err := restarted.Load(ctx, testNow); err != nil || n != 0 {
		t.Errorf("Load after Clear = %d, %v; want 0, nil", n, err)
	}
}

func TestRegistry_LoadDiscardsExpiredAndCorrupt(t *testing.T) {
	store, mr := openTestStore(t)
	ctx := context.Background()
	clock := access.NewTestClock(testNow)

	writer := NewRegistry(store.Windows(), clock, Config{}, zerolog.Nop())
	_ = writer.Set(ctx, "short", testWindow("1", time.Hour))
	_ = writer.Set(ctx, "long", testWindow("4", 24*time.Hour))

	if err := mr.Set("kportal:window:broken", "{not json"); err != nil {
		t.Fatalf("Failed to seed corrupt record: %v", err)
	}
	if _, err := mr.ZAdd("kportal:windows", float64(testNow.Add(time.Hour).UnixMilli()), "broken"); err != nil {
		t.Fatalf("Failed to index corrupt record: %v", err)
	}

	reader := NewRegistry(store.Windows(), clock, Config{}, zerolog.Nop())
	n, err := reader.Load(ctx, testNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Load restored %d windows, want 1", n)
	}

	if _, ok := reader.Get("short"); ok {
		t.Error("Expired window must be treated as absent")
	}
	if _, ok := reader.Get("broken"); ok {
		t.Error("Undecodable window must be treated as absent")
	}
	if _, ok := reader.Get("long"); !ok {
		t.Error("Expected long window to be restored")
	}
	if mr.Exists("kportal:window:broken") {
		t.Error("Expected corrupt record to be deleted")
	}
}

func TestRegistry_LoadWithoutStore(t *testing.T) {
	reg, _ := newMemoryRegistry()

	n, err := reg.Load(context.Background(), testNow)
	if err != nil || n != 0 {
		t.Errorf("Load without store = (%d, %v), want (0, nil)", n, err)
	}
}

func receive(t *testing.T, ch <-chan access.ClockSample) (access.ClockSample, bool) {
	t.Helper()

	select {
	case s, ok := <-ch:
		return s, ok
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for countdown sample")
		return access.ClockSample{}, false
	}
}

func drain(t *testing.T, ch <-chan access.ClockSample) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Countdown stream did not close")
		}
	}
}

func TestRegistry_Watch(t *testing.T) {
	reg, clock := newMemoryRegistry()
	ctx := context.Background()

	_ = reg.Set(ctx, "user", testWindow("1", time.Hour))
	clock.Advance(15 * time.Minute)

	ch, err := reg.Watch(ctx, "user", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	s, ok := receive(t, ch)
	if !ok {
		t.Fatal("Stream closed before first sample")
	}
	if s.RemainingSeconds != 45*60 {
		t.Errorf("RemainingSeconds = %d, want %d", s.RemainingSeconds, 45*60)
	}
	if s.ProgressPercent != 75 {
		t.Errorf("ProgressPercent = %v, want 75", s.ProgressPercent)
	}

	clock.Advance(time.Hour)
	for {
		s, ok := receive(t, ch)
		if !ok {
			t.Fatal("Stream closed without an expired sample")
		}
		if s.Expired() {
			break
		}
	}
	drain(t, ch)
}

func TestRegistry_WatchCancelledBySupersedeAndClear(t *testing.T) {
	reg, _ := newMemoryRegistry()
	ctx := context.Background()

	_ = reg.Set(ctx, "user", testWindow("1", time.Hour))

	ch, err := reg.Watch(ctx, "user", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	receive(t, ch)

	_ = reg.Set(ctx, "user", testWindow("2", 3*time.Hour))
	drain(t, ch)

	ch, err = reg.Watch(ctx, "user", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	receive(t, ch)

	if _, err := reg.Clear(ctx, "user"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	drain(t, ch)
}

func TestRegistry_WatchContextCancel(t *testing.T) {
	reg, _ := newMemoryRegistry()
	_ = reg.Set(context.Background(), "user", testWindow("1", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := reg.Watch(ctx, "user", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	receive(t, ch)

	cancel()
	drain(t, ch)
}

func TestRegistry_WatchUnknownKey(t *testing.T) {
	reg, _ := newMemoryRegistry()

	if _, err := reg.Watch(context.Background(), "nobody", 0); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}
