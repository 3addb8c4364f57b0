package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/whereabouts-app/whereabouts/internal/model"
	"github.com/whereabouts-app/whereabouts/internal/state"
)

const (
	otelScope        = "whereabouts/sync"
	spanSync         = "sync.pass"
	metricUploaded   = "whereabouts.sync.visits.uploaded"
	metricDownloaded = "whereabouts.sync.visits.downloaded"
	metricDeleted    = "whereabouts.sync.visits.deleted"
	metricConflicts  = "whereabouts.sync.conflicts"
	metricErrors     = "whereabouts.sync.errors"
)

const keyCursor = "last-full-sync"

// Reconciler performs the full upload-then-download pass against the
// backend. It is single-flight per process: a Sync call that finds another
// one running returns immediately as a no-op.
type Reconciler struct {
	store   *state.Store
	backend Backend
	queue   *Queue
	box     *state.Box // syncsettings namespace: holds the pull cursor
	logger  *slog.Logger

	inFlight atomic.Bool
	now      func() time.Time

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntUploaded   metric.Int64Counter
	cntDownloaded metric.Int64Counter
	cntDeleted    metric.Int64Counter
	cntConflicts  metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// NewReconciler creates a Reconciler and wires itself into the queue's
// per-record handlers, so queue flushes and full passes share one push path.
func NewReconciler(store *state.Store, backend Backend, queue *Queue, box *state.Box, logger *slog.Logger) *Reconciler {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	r := &Reconciler{
		store:   store,
		backend: backend,
		queue:   queue,
		box:     box,
		logger:  logger,
		now:     time.Now,

		tracer:        tracer,
		cntUploaded:   mustCounter(metricUploaded, "Number of visits uploaded during sync"),
		cntDownloaded: mustCounter(metricDownloaded, "Number of visits downloaded during sync"),
		cntDeleted:    mustCounter(metricDeleted, "Number of remote deletions during sync"),
		cntConflicts:  mustCounter(metricConflicts, "Number of conflict resolutions during sync"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
	queue.SetHandlers(r.uploadOne, r.backend.Delete)
	return r
}

// Cursor returns the last successful full-sync time, or nil before the
// first completed pass.
func (r *Reconciler) Cursor(ctx context.Context) (*time.Time, error) {
	var raw string
	ok, err := r.box.GetJSON(ctx, keyCursor, &raw)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing sync cursor %q: %w", raw, err)
	}
	return &t, nil
}

// Sync performs one upload-then-download pass.
//
// Per-record failures are counted, logged, and left queued without aborting
// the batch; the first of them is returned so an interactive "sync now" can
// surface it. A failure of the remote query itself is fatal: the pass stops
// and the cursor stays where it was, so the next attempt retries the same
// window. The cursor advances only after both phases finish with no errors.
func (r *Reconciler) Sync(ctx context.Context) (Stats, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("sync skipped: already in flight")
		return Stats{}, nil
	}
	defer r.inFlight.Store(false)

	ctx, span := r.tracer.Start(ctx, spanSync)
	defer span.End()

	started := r.now().UTC()
	var stats Stats
	var firstErr error

	// 1. Upload every dirty visit.
	pending, err := r.store.PendingVisits(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing pending visits: %w", err)
	}
	for _, v := range pending {
		if err := r.uploadOne(ctx, v); err != nil {
			r.logger.Error("upload failed", "visit", v.ID, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stats.Uploaded++
	}

	// 2. Push pending deletions.
	deletions, err := r.queue.PendingDeletions(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing pending deletions: %w", err)
	}
	for _, id := range deletions {
		if err := r.backend.Delete(ctx, id); err != nil {
			r.logger.Error("remote deletion failed", "visit", id, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.queue.ClearDeletion(ctx, id); err != nil {
			r.logger.Error("clearing acknowledged deletion", "visit", id, "error", err)
		}
		stats.Deleted++
	}

	// 3. Download rows changed since the cursor and merge them.
	cursor, err := r.Cursor(ctx)
	if err != nil {
		return stats, err
	}
	rows, err := r.backend.Query(ctx, cursor)
	if err != nil {
		r.record(ctx, span, stats, err)
		return stats, fmt.Errorf("querying backend: %w", err)
	}
	for _, row := range rows {
		conflict, err := r.mergeRow(ctx, row)
		if err != nil {
			r.logger.Error("merging downloaded row", "visit", row.LocalID, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stats.Downloaded++
		if conflict {
			stats.Conflicts++
		}
	}

	// 4. Advance the cursor only when the pass was clean.
	if firstErr == nil {
		if err := r.box.PutJSON(ctx, keyCursor, started.Format(time.RFC3339Nano)); err != nil {
			firstErr = fmt.Errorf("advancing sync cursor: %w", err)
		}
	}

	r.record(ctx, span, stats, firstErr)
	r.logger.Info("sync complete",
		"uploaded", stats.Uploaded,
		"downloaded", stats.Downloaded,
		"deleted", stats.Deleted,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
	)
	return stats, firstErr
}

// uploadOne pushes a single visit and marks it synced on acknowledgement.
// Also the queue's upload handler.
func (r *Reconciler) uploadOne(ctx context.Context, v *model.Visit) error {
	remoteID, err := r.backend.Upsert(ctx, v.ToRemote())
	if err != nil {
		return err
	}
	if err := r.store.MarkVisitSynced(ctx, v.ID, remoteID); err != nil {
		return err
	}
	return nil
}

// mergeRow applies one downloaded row to the local store. It reports
// whether the row collided with a locally-dirty record (a true conflict
// rather than a plain propagation).
func (r *Reconciler) mergeRow(ctx context.Context, row model.RemoteVisit) (conflict bool, err error) {
	// A visit deleted here while offline must not be resurrected by its
	// own backend row; the pending deletion will remove it remotely.
	doomed, err := r.queue.IsPendingDeletion(ctx, row.LocalID)
	if err != nil {
		return false, err
	}
	if doomed {
		return false, nil
	}

	local, err := r.store.VisitByID(ctx, row.LocalID)
	if err != nil {
		return false, err
	}

	if local == nil {
		// Another device's visit, seen for the first time.
		return false, r.store.UpsertVisit(ctx, model.FromRemote(row))
	}

	if !RemoteWins(local, row) {
		// Local is newer: keep it untouched. Its UpdatedAt exceeds the
		// backend's, so the next upload phase pushes it — no forced write
		// here.
		return false, nil
	}

	conflict = local.SyncState != model.SyncStateSynced
	ApplyRemote(local, row)
	return conflict, r.store.UpsertVisit(ctx, local)
}

// record flushes counters and span attributes for one pass.
func (r *Reconciler) record(ctx context.Context, span trace.Span, stats Stats, err error) {
	if stats.Uploaded > 0 {
		r.cntUploaded.Add(ctx, int64(stats.Uploaded))
	}
	if stats.Downloaded > 0 {
		r.cntDownloaded.Add(ctx, int64(stats.Downloaded))
	}
	if stats.Deleted > 0 {
		r.cntDeleted.Add(ctx, int64(stats.Deleted))
	}
	if stats.Conflicts > 0 {
		r.cntConflicts.Add(ctx, int64(stats.Conflicts))
	}
	if stats.Errors > 0 {
		r.cntErrors.Add(ctx, int64(stats.Errors))
	}
	span.SetAttributes(
		attribute.Int("sync.uploaded", stats.Uploaded),
		attribute.Int("sync.downloaded", stats.Downloaded),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
}
