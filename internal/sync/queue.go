package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/model"
	"github.com/whereabouts-app/whereabouts/internal/netwatch"
	"github.com/whereabouts-app/whereabouts/internal/state"
)

const keyPendingDeletions = "pending-deletions"

// Queue tracks local changes the backend has not acknowledged: dirty visits
// (derived from the store, never duplicated) and a durable set of visit ids
// awaiting remote deletion. It flushes both through per-record handlers and
// is triggered automatically when connectivity returns.
type Queue struct {
	store  *state.Store
	box    *state.Box
	logger *slog.Logger

	// upload pushes one visit; remove pushes one deletion. Set once during
	// wiring, before any Process call.
	upload func(ctx context.Context, v *model.Visit) error
	remove func(ctx context.Context, id string) error

	online     atomic.Bool
	processing atomic.Bool
}

// NewQueue creates a Queue over the given store. The box must be the
// syncqueue namespace. The queue starts out assuming it is online; Watch
// corrects that as soon as the first probe lands.
func NewQueue(store *state.Store, box *state.Box, logger *slog.Logger) *Queue {
	q := &Queue{store: store, box: box, logger: logger}
	q.online.Store(true)
	return q
}

// SetHandlers wires the per-record push callbacks.
func (q *Queue) SetHandlers(
	upload func(ctx context.Context, v *model.Visit) error,
	remove func(ctx context.Context, id string) error,
) {
	q.upload = upload
	q.remove = remove
}

// PendingUploads returns every visit the backend has not acknowledged.
// Recomputed from the store on demand — there is no second bookkeeping
// structure to drift out of sync.
func (q *Queue) PendingUploads(ctx context.Context) ([]*model.Visit, error) {
	return q.store.PendingVisits(ctx)
}

// EditVisit applies a manual edit to a stored visit: mutate receives the
// current record, and the result is stamped as a user edit and marked dirty
// so the next sync pass uploads it. Returns an error when the id is unknown.
func (q *Queue) EditVisit(ctx context.Context, id string, mutate func(*model.Visit)) error {
	v, err := q.store.VisitByID(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("editing visit %s: not found", id)
	}
	mutate(v)
	v.MarkManualEdit(time.Now().UTC())
	// An edit that breaks the record's own invariants (exit before entry,
	// blank country) is rejected before it can persist and fan out.
	if err := v.Validate(); err != nil {
		return fmt.Errorf("editing visit %s: %w", id, err)
	}
	if err := q.store.UpsertVisit(ctx, v); err != nil {
		return fmt.Errorf("editing visit %s: %w", id, err)
	}
	return nil
}

// DeleteVisit removes a visit locally and durably queues the matching remote
// deletion. The queued deletion survives the local row: even after the store
// forgets the visit, the id stays pending until the backend acknowledges it.
func (q *Queue) DeleteVisit(ctx context.Context, id string) error {
	if err := q.MarkForDeletion(ctx, id); err != nil {
		return err
	}
	if err := q.store.DeleteVisit(ctx, id); err != nil {
		return fmt.Errorf("deleting visit %s: %w", id, err)
	}
	return nil
}

// MarkForDeletion durably queues a remote deletion for the given visit id.
func (q *Queue) MarkForDeletion(ctx context.Context, id string) error {
	ids, err := q.PendingDeletions(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	if err := q.box.PutJSON(ctx, keyPendingDeletions, ids); err != nil {
		return fmt.Errorf("persisting pending deletions: %w", err)
	}
	return nil
}

// PendingDeletions returns the ids awaiting remote deletion.
func (q *Queue) PendingDeletions(ctx context.Context) ([]string, error) {
	var ids []string
	if _, err := q.box.GetJSON(ctx, keyPendingDeletions, &ids); err != nil {
		return nil, fmt.Errorf("reading pending deletions: %w", err)
	}
	return ids, nil
}

// IsPendingDeletion reports whether the id is queued for remote deletion.
// The reconciler's download phase uses this so a deleted-while-offline
// visit is not resurrected by its own backend row.
func (q *Queue) IsPendingDeletion(ctx context.Context, id string) (bool, error) {
	ids, err := q.PendingDeletions(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range ids {
		if existing == id {
			return true, nil
		}
	}
	return false, nil
}

// ClearDeletion removes one id from the pending-deletion set, after the
// backend acknowledged the delete.
func (q *Queue) ClearDeletion(ctx context.Context, id string) error {
	ids, err := q.PendingDeletions(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if err := q.box.PutJSON(ctx, keyPendingDeletions, kept); err != nil {
		return fmt.Errorf("persisting pending deletions: %w", err)
	}
	return nil
}

// Process pushes all pending uploads and deletions through the handlers.
// It is a no-op when offline or when another Process call from this process
// is already running. One failed record never aborts the batch: it stays
// queued and the rest proceed.
func (q *Queue) Process(ctx context.Context) {
	if !q.online.Load() {
		q.logger.Debug("queue process skipped: offline")
		return
	}
	if !q.processing.CompareAndSwap(false, true) {
		q.logger.Debug("queue process skipped: already running")
		return
	}
	defer q.processing.Store(false)

	uploads, err := q.PendingUploads(ctx)
	if err != nil {
		q.logger.Error("listing pending uploads", "error", err)
		return
	}
	for _, v := range uploads {
		if err := q.upload(ctx, v); err != nil {
			q.logger.Error("upload failed, left queued",
				"visit", v.ID,
				"country", v.CountryCode,
				"error", err,
			)
		}
	}

	deletions, err := q.PendingDeletions(ctx)
	if err != nil {
		q.logger.Error("listing pending deletions", "error", err)
		return
	}
	for _, id := range deletions {
		if err := q.remove(ctx, id); err != nil {
			q.logger.Error("remote deletion failed, left queued", "visit", id, "error", err)
			continue
		}
		if err := q.ClearDeletion(ctx, id); err != nil {
			q.logger.Error("clearing acknowledged deletion", "visit", id, "error", err)
		}
	}
}

// Watch consumes connectivity events until ctx is cancelled, flushing the
// queue on every transition back to online.
func (q *Queue) Watch(ctx context.Context, events <-chan netwatch.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-events:
			if !ok {
				return
			}
			wasOnline := q.online.Load()
			q.online.Store(status == netwatch.StatusOnline)
			if !wasOnline && status == netwatch.StatusOnline {
				q.logger.Info("connectivity restored, flushing sync queue")
				q.Process(ctx)
			}
		}
	}
}
