// Package tracker contains the visit lifecycle controller: the state
// machine that turns one position check into at most one visit transition.
// The scheduled background path, the foreground ticker, and manual triggers
// all enter through the same [Controller.Check]; they differ only in
// cadence and in whether debounce bypass is requested.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/debounce"
	"github.com/whereabouts-app/whereabouts/internal/locate"
	"github.com/whereabouts-app/whereabouts/internal/lock"
	"github.com/whereabouts-app/whereabouts/internal/model"
	"github.com/whereabouts-app/whereabouts/internal/state"
)

const keyDebounce = "debounce-state"

// Result classifies how a single check ended. Check never returns an error:
// every failure inside the critical section degrades to a diagnostic and a
// Result, so no caller can accidentally skip the lock release or treat a
// routine busy-skip as a fault.
type Result string

const (
	// ResultSkipped means another check held the lock; nothing was touched.
	ResultSkipped Result = "skipped"
	// ResultFailed means position resolution failed; recorded as the
	// last-error diagnostic.
	ResultFailed Result = "failed"
	// ResultNoChange means the detected country matches the open visit.
	ResultNoChange Result = "no_change"
	// ResultPending means a differing country was seen but is not yet
	// confirmed.
	ResultPending Result = "pending"
	// ResultCommitted means a country change was confirmed and the visit
	// history was updated.
	ResultCommitted Result = "committed"
)

// Controller runs one location check end to end:
// acquire lock, resolve position, debounce, commit or not, release lock.
type Controller struct {
	store    *state.Store
	box      *state.Box // tracking namespace: debounce state + diagnostics
	lock     *lock.TaskLock
	resolver locate.Resolver
	deviceID string
	accuracy locate.Accuracy
	logger   *slog.Logger
	now      func() time.Time
}

// NewController wires a Controller. The box must be the tracking namespace.
func NewController(store *state.Store, box *state.Box, taskLock *lock.TaskLock, resolver locate.Resolver, deviceID string, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		box:      box,
		lock:     taskLock,
		resolver: resolver,
		deviceID: deviceID,
		accuracy: locate.AccuracyLow,
		logger:   logger,
		now:      time.Now,
	}
}

// Check performs one location check. force bypasses the debouncer and
// commits a differing country immediately; it exists for manual checks and
// diagnostics, never for the scheduled paths.
//
// A busy lock is a normal outcome of concurrent invocation, not an error:
// the whole run is skipped and no state is written.
func (c *Controller) Check(ctx context.Context, force bool) Result {
	acquired, err := c.lock.TryAcquire(ctx)
	if err != nil {
		c.logger.Error("acquiring task lock", "error", err)
		return ResultFailed
	}
	if !acquired {
		c.logger.Debug("check skipped: another check in flight")
		return ResultSkipped
	}
	// Release must survive ctx: a SIGTERM that cancels the check mid-flight
	// would otherwise leave the lock held for the full stale timeout even
	// though this process shut down cleanly.
	defer func() {
		if err := c.lock.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("releasing task lock", "error", err)
		}
	}()

	return c.checkLocked(ctx, force)
}

// checkLocked is the critical section. The lock is held for its whole
// duration and released by Check regardless of outcome.
func (c *Controller) checkLocked(ctx context.Context, force bool) Result {
	now := c.now().UTC()

	open, err := c.store.OpenVisit(ctx)
	if err != nil {
		c.failCheck(ctx, now, fmt.Errorf("loading open visit: %w", err))
		return ResultFailed
	}
	// A missing open visit is a fresh start, whether this is the first run
	// ever or a previous commit died between closing the old visit and
	// opening the new one.
	openCode := ""
	if open != nil {
		openCode = open.CountryCode
	}

	pos, err := c.resolve(ctx)
	if err != nil {
		c.failCheck(ctx, now, err)
		return ResultFailed
	}

	var st debounce.State
	if _, err := c.box.GetJSON(ctx, keyDebounce, &st); err != nil {
		c.failCheck(ctx, now, fmt.Errorf("loading debounce state: %w", err))
		return ResultFailed
	}

	var commit bool
	if force {
		commit = pos.CountryCode != openCode
		st = debounce.State{}
	} else {
		commit, st = debounce.Decide(st, openCode, pos.CountryCode, now)
	}
	if err := c.box.PutJSON(ctx, keyDebounce, st); err != nil {
		c.failCheck(ctx, now, fmt.Errorf("persisting debounce state: %w", err))
		return ResultFailed
	}

	result := ResultNoChange
	currentCode := openCode
	switch {
	case commit:
		if err := c.commitChange(ctx, open, pos, now); err != nil {
			c.failCheck(ctx, now, err)
			return ResultFailed
		}
		result = ResultCommitted
		currentCode = pos.CountryCode
		c.logger.Info("country change committed",
			"from", openCode,
			"to", pos.CountryCode,
			"forced", force,
		)
	case st.Pending():
		result = ResultPending
		c.logger.Info("country change pending",
			"current", openCode,
			"detected", pos.CountryCode,
			"count", st.Count,
		)
	}

	c.writeDiagnostics(ctx, Diagnostics{
		LastCheck:    now,
		CurrentCode:  currentCode,
		PendingCode:  st.PendingCode,
		PendingCount: st.Count,
		Source:       SourceFresh,
	})
	return result
}

// resolve checks permission and fetches one bounded position fix.
func (c *Controller) resolve(ctx context.Context) (*locate.Position, error) {
	granted, err := c.resolver.CheckPermission(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking location permission: %w", err)
	}
	if !granted {
		return nil, locate.ErrNoPermission
	}
	pos, err := c.resolver.Current(ctx, c.accuracy)
	if err != nil {
		return nil, fmt.Errorf("resolving position: %w", err)
	}
	return pos, nil
}

// commitChange closes the open visit and opens a new one for the confirmed
// country. The two writes are not atomic: a crash in between leaves no open
// visit, which the next check treats as a fresh start.
func (c *Controller) commitChange(ctx context.Context, open *model.Visit, pos *locate.Position, now time.Time) error {
	if open != nil {
		open.Close(now)
		if err := c.store.UpsertVisit(ctx, open); err != nil {
			return fmt.Errorf("closing visit %s: %w", open.ID, err)
		}
	}
	v := model.NewVisit(pos.CountryCode, pos.CountryName, pos.Lat, pos.Lon, c.deviceID, now)
	v.City = pos.City
	v.Region = pos.Region
	if err := c.store.UpsertVisit(ctx, v); err != nil {
		return fmt.Errorf("opening visit for %s: %w", pos.CountryCode, err)
	}
	return nil
}

// failCheck records a soft failure. The previous current/pending codes are
// preserved so the display does not blank out on a transient error.
func (c *Controller) failCheck(ctx context.Context, now time.Time, cause error) {
	c.logger.Warn("check failed", "error", cause)
	// The failure may be the context's own cancellation; the diagnostic
	// write still has to land.
	ctx = context.WithoutCancel(ctx)
	d, err := c.Diagnostics(ctx)
	if err != nil {
		d = Diagnostics{}
	}
	d.LastCheck = now
	d.LastError = cause.Error()
	d.Source = SourceCached
	c.writeDiagnostics(ctx, d)
}
