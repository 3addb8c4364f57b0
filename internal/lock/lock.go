// Package lock provides the durable mutual-exclusion record that keeps at
// most one location check in flight across invocation sources that share no
// process memory: the host scheduler, the foreground ticker, and manual
// triggers coordinate purely through this record.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/state"
)

// StaleTimeout is how long a held lock is honoured before the holder is
// presumed dead and the lock may be reclaimed. There is no heartbeat
// renewal — elapsed time since acquisition is the only liveness signal.
const StaleTimeout = 5 * time.Minute

const recordKey = "task-lock"

// Record is the single durable lock record.
type Record struct {
	Running    bool       `json:"running"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
}

// TaskLock guards the location-check critical section.
type TaskLock struct {
	box *state.Box
	now func() time.Time
}

// New creates a TaskLock backed by the given box (normally the tracking box).
func New(box *state.Box) *TaskLock {
	return &TaskLock{box: box, now: time.Now}
}

// TryAcquire attempts to take the lock without blocking or retrying.
//
// It returns false when another run is genuinely in flight — the caller must
// skip the whole invocation, not wait. A lock held longer than
// [StaleTimeout] is treated as abandoned by a killed holder and taken over.
func (l *TaskLock) TryAcquire(ctx context.Context) (bool, error) {
	var rec Record
	if _, err := l.box.GetJSON(ctx, recordKey, &rec); err != nil {
		return false, fmt.Errorf("reading lock record: %w", err)
	}

	now := l.now().UTC()
	if rec.Running && rec.AcquiredAt != nil && now.Sub(*rec.AcquiredAt) < StaleTimeout {
		return false, nil
	}

	rec = Record{Running: true, AcquiredAt: &now}
	if err := l.box.PutJSON(ctx, recordKey, rec); err != nil {
		return false, fmt.Errorf("writing lock record: %w", err)
	}
	return true, nil
}

// Release clears the lock. It is idempotent and safe to call from a defer on
// every exit path of the critical section; releasing an unheld lock is a
// no-op.
func (l *TaskLock) Release(ctx context.Context) error {
	if err := l.box.PutJSON(ctx, recordKey, Record{}); err != nil {
		return fmt.Errorf("clearing lock record: %w", err)
	}
	return nil
}

// Status returns whether the lock is currently held and for how long.
// Diagnostic only — never a substitute for TryAcquire.
func (l *TaskLock) Status(ctx context.Context) (held bool, age time.Duration, err error) {
	var rec Record
	if _, err := l.box.GetJSON(ctx, recordKey, &rec); err != nil {
		return false, 0, fmt.Errorf("reading lock record: %w", err)
	}
	if !rec.Running || rec.AcquiredAt == nil {
		return false, 0, nil
	}
	return true, l.now().UTC().Sub(*rec.AcquiredAt), nil
}
