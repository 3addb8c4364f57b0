package tracker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/locate"
	"github.com/whereabouts-app/whereabouts/internal/lock"
	"github.com/whereabouts-app/whereabouts/internal/state"
)

type mockResolver struct {
	granted bool
	pos     *locate.Position
	err     error
	calls   int
}

func (m *mockResolver) CheckPermission(context.Context) (bool, error) {
	return m.granted, nil
}

func (m *mockResolver) Current(context.Context, locate.Accuracy) (*locate.Position, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.pos, nil
}

// cancellingResolver cancels the check's own context from inside position
// resolution, the way a SIGTERM lands mid-check in daemon mode.
type cancellingResolver struct {
	cancel context.CancelFunc
}

func (r *cancellingResolver) CheckPermission(context.Context) (bool, error) { return true, nil }

func (r *cancellingResolver) Current(ctx context.Context, _ locate.Accuracy) (*locate.Position, error) {
	r.cancel()
	return nil, ctx.Err()
}

func position(code, name string) *locate.Position {
	return &locate.Position{CountryCode: code, CountryName: name, Lat: 48.85, Lon: 2.35}
}

func newTestController(t *testing.T, resolver locate.Resolver) (*Controller, *state.Store) {
	t.Helper()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	box := store.Box(state.BoxTracking)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewController(store, box, lock.New(box), resolver, "device-test", logger)
	return c, store
}

// Drives the documented border-noise sequence: an open US visit sees
// US, FR, FR one minute apart and must flip exactly on the third sample.
func TestCheck_CommitsOnSecondConsecutiveSample(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: true, pos: position("US", "United States")}
	c, store := newTestController(t, resolver)

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := t0
	c.now = func() time.Time { return clock }

	// Establish the open US visit.
	if got := c.Check(ctx, true); got != ResultCommitted {
		t.Fatalf("initial forced check = %v, want %v", got, ResultCommitted)
	}

	steps := []struct {
		at   time.Time
		code string
		want Result
	}{
		{t0.Add(1 * time.Minute), "US", ResultNoChange},
		{t0.Add(2 * time.Minute), "FR", ResultPending},
		{t0.Add(3 * time.Minute), "FR", ResultCommitted},
	}
	for _, step := range steps {
		clock = step.at
		resolver.pos = position(step.code, "")
		if got := c.Check(ctx, false); got != step.want {
			t.Fatalf("check at %v (%s) = %v, want %v", step.at, step.code, got, step.want)
		}
	}

	open, err := store.OpenVisit(ctx)
	if err != nil {
		t.Fatalf("OpenVisit: %v", err)
	}
	if open == nil || open.CountryCode != "FR" {
		t.Fatalf("open visit = %+v, want open FR visit", open)
	}
	if !open.EntryAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("FR entry = %v, want %v", open.EntryAt, t0.Add(3*time.Minute))
	}

	visits, err := store.Visits(ctx)
	if err != nil {
		t.Fatalf("Visits: %v", err)
	}
	if len(visits) != 2 {
		t.Fatalf("got %d visits, want 2", len(visits))
	}
	var closed = visits[1]
	if closed.CountryCode != "US" || closed.ExitAt == nil {
		t.Fatalf("oldest visit = %+v, want closed US visit", closed)
	}
	if !closed.ExitAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("US exit = %v, want %v", *closed.ExitAt, t0.Add(3*time.Minute))
	}
}

func TestCheck_ThirdCountryRestartsDebounce(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: true, pos: position("US", "United States")}
	c, store := newTestController(t, resolver)

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	c.Check(ctx, true)

	for _, code := range []string{"FR", "DE"} {
		clock = clock.Add(time.Minute)
		resolver.pos = position(code, "")
		if got := c.Check(ctx, false); got != ResultPending {
			t.Fatalf("check with %s = %v, want %v", code, got, ResultPending)
		}
	}

	open, err := store.OpenVisit(ctx)
	if err != nil {
		t.Fatalf("OpenVisit: %v", err)
	}
	if open.CountryCode != "US" {
		t.Fatalf("open visit country = %s, want US", open.CountryCode)
	}
}

func TestCheck_TimeThresholdSurvivesRestart(t *testing.T) {
	// The pending state lives in the durable box, so a confirmation
	// spanning two controller instances behaves like one long session.
	ctx := context.Background()
	resolver := &mockResolver{granted: true, pos: position("US", "United States")}
	c, store := newTestController(t, resolver)

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := t0
	c.now = func() time.Time { return clock }
	c.Check(ctx, true)

	clock = t0.Add(time.Minute)
	resolver.pos = position("FR", "France")
	if got := c.Check(ctx, false); got != ResultPending {
		t.Fatalf("first FR sample = %v, want %v", got, ResultPending)
	}

	// Fresh controller over the same store, 16 minutes later.
	box := store.Box(state.BoxTracking)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c2 := NewController(store, box, lock.New(box), resolver, "device-test", logger)
	clock2 := t0.Add(17 * time.Minute)
	c2.now = func() time.Time { return clock2 }

	if got := c2.Check(ctx, false); got != ResultCommitted {
		t.Fatalf("late FR sample = %v, want %v", got, ResultCommitted)
	}
}

func TestCheck_ForceBypassesDebounce(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: true, pos: position("US", "United States")}
	c, store := newTestController(t, resolver)
	c.Check(ctx, true)

	resolver.pos = position("FR", "France")
	if got := c.Check(ctx, true); got != ResultCommitted {
		t.Fatalf("forced check = %v, want %v", got, ResultCommitted)
	}

	open, err := store.OpenVisit(ctx)
	if err != nil {
		t.Fatalf("OpenVisit: %v", err)
	}
	if open.CountryCode != "FR" {
		t.Fatalf("open visit country = %s, want FR", open.CountryCode)
	}
}

func TestCheck_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: true, pos: position("US", "United States")}
	c, store := newTestController(t, resolver)

	held := lock.New(store.Box(state.BoxTracking))
	ok, err := held.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("pre-acquiring lock: ok=%v err=%v", ok, err)
	}

	if got := c.Check(ctx, false); got != ResultSkipped {
		t.Fatalf("check under held lock = %v, want %v", got, ResultSkipped)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver called %d times during a skipped check", resolver.calls)
	}

	d, err := c.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if !d.LastCheck.IsZero() {
		t.Errorf("skipped check wrote diagnostics: %+v", d)
	}
}

func TestCheck_ResolutionFailureIsSoft(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: true, err: locate.ErrNoFix}
	c, _ := newTestController(t, resolver)

	if got := c.Check(ctx, false); got != ResultFailed {
		t.Fatalf("check = %v, want %v", got, ResultFailed)
	}

	d, err := c.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if d.LastError == "" {
		t.Error("failed check did not record a last error")
	}
	if d.Source != SourceCached {
		t.Errorf("source = %q, want %q", d.Source, SourceCached)
	}

	// The lock must have been released: the next check runs normally.
	resolver.err = nil
	resolver.pos = position("US", "United States")
	if got := c.Check(ctx, false); got == ResultSkipped {
		t.Fatal("lock was not released after a failed check")
	}

	d, err = c.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if d.LastError != "" {
		t.Errorf("successful check kept stale last error %q", d.LastError)
	}
}

func TestCheck_CancelledContextStillReleasesLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resolver := &cancellingResolver{cancel: cancel}
	c, store := newTestController(t, resolver)

	if got := c.Check(ctx, false); got != ResultFailed {
		t.Fatalf("check under mid-flight cancellation = %v, want %v", got, ResultFailed)
	}

	// A clean shutdown must not leave the lock for the stale timeout to
	// reap: the next invocation has to run immediately.
	held, _, err := lock.New(store.Box(state.BoxTracking)).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if held {
		t.Fatal("lock still held after a check cut short by cancellation")
	}

	d, err := c.Diagnostics(context.Background())
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if d.LastError == "" {
		t.Error("cancelled check did not record a last error")
	}
}

func TestCheck_NoPermissionIsSoft(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: false}
	c, _ := newTestController(t, resolver)

	if got := c.Check(ctx, false); got != ResultFailed {
		t.Fatalf("check = %v, want %v", got, ResultFailed)
	}
	if resolver.calls != 0 {
		t.Errorf("position requested %d times without permission", resolver.calls)
	}
}

func TestCheck_OpenVisitInvariant(t *testing.T) {
	ctx := context.Background()
	resolver := &mockResolver{granted: true}
	c, store := newTestController(t, resolver)

	for _, code := range []string{"US", "FR", "DE", "FR", "JP"} {
		resolver.pos = position(code, "")
		c.Check(ctx, true)

		visits, err := store.Visits(ctx)
		if err != nil {
			t.Fatalf("Visits: %v", err)
		}
		openCount := 0
		for _, v := range visits {
			if v.Open() {
				openCount++
			}
		}
		if openCount != 1 {
			t.Fatalf("after committing %s: %d open visits, want 1", code, openCount)
		}
	}
}

func TestCheck_NoOpenVisitStartsFresh(t *testing.T) {
	// Simulates the interrupted close-then-open transition: all visits are
	// closed, and the next confirmed sample starts a new open visit instead
	// of failing.
	ctx := context.Background()
	resolver := &mockResolver{granted: true, pos: position("FR", "France")}
	c, store := newTestController(t, resolver)

	if got := c.Check(ctx, false); got != ResultPending {
		t.Fatalf("first check with no history = %v, want %v", got, ResultPending)
	}
	if got := c.Check(ctx, false); got != ResultCommitted {
		t.Fatalf("second check with no history = %v, want %v", got, ResultCommitted)
	}

	open, err := store.OpenVisit(ctx)
	if err != nil {
		t.Fatalf("OpenVisit: %v", err)
	}
	if open == nil || open.CountryCode != "FR" {
		t.Fatalf("open visit = %+v, want open FR visit", open)
	}
}
