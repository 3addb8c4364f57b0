package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whereabouts-app/whereabouts/internal/model"
	"github.com/whereabouts-app/whereabouts/internal/netwatch"
	"github.com/whereabouts-app/whereabouts/internal/state"
)

func newTestQueue(t *testing.T) (*Queue, *state.Store) {
	t.Helper()
	store := openTestStore(t)
	return NewQueue(store, store.Box(state.BoxSyncQueue), testLogger()), store
}

func TestQueue_PendingDeletionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir() + "/state.db"

	store, err := state.Open(ctx, dir)
	require.NoError(t, err)
	q := NewQueue(store, store.Box(state.BoxSyncQueue), testLogger())
	require.NoError(t, q.MarkForDeletion(ctx, "visit-1"))
	require.NoError(t, q.MarkForDeletion(ctx, "visit-2"))
	require.NoError(t, store.Close())

	store, err = state.Open(ctx, dir)
	require.NoError(t, err)
	defer store.Close()
	q = NewQueue(store, store.Box(state.BoxSyncQueue), testLogger())

	ids, err := q.PendingDeletions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"visit-1", "visit-2"}, ids)
}

func TestQueue_MarkForDeletionDeduplicates(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.MarkForDeletion(ctx, "visit-1"))
	require.NoError(t, q.MarkForDeletion(ctx, "visit-1"))

	ids, err := q.PendingDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-1"}, ids)
}

func TestQueue_ClearDeletion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.MarkForDeletion(ctx, "visit-1"))
	require.NoError(t, q.MarkForDeletion(ctx, "visit-2"))
	require.NoError(t, q.ClearDeletion(ctx, "visit-1"))

	ids, err := q.PendingDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"visit-2"}, ids)

	doomed, err := q.IsPendingDeletion(ctx, "visit-1")
	require.NoError(t, err)
	assert.False(t, doomed)
}

func TestQueue_PendingUploadsDerivedFromStore(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	now := time.Now()
	fresh := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", now)
	synced := closedVisit("FR", now.Add(-48*time.Hour), now.Add(-24*time.Hour), now.Add(-24*time.Hour))
	synced.SyncState = model.SyncStateSynced
	require.NoError(t, store.UpsertVisit(ctx, fresh))
	require.NoError(t, store.UpsertVisit(ctx, synced))

	uploads, err := q.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, fresh.ID, uploads[0].ID)
}

func TestQueue_EditVisitMarksDirtyManualEdit(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	now := time.Now()
	v := closedVisit("FR", now.Add(-48*time.Hour), now.Add(-24*time.Hour), now.Add(-24*time.Hour))
	v.SyncState = model.SyncStateSynced
	require.NoError(t, store.UpsertVisit(ctx, v))

	require.NoError(t, q.EditVisit(ctx, v.ID, func(v *model.Visit) {
		v.City = "Marseille"
	}))

	edited, err := store.VisitByID(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, edited)
	assert.Equal(t, "Marseille", edited.City)
	assert.True(t, edited.ManualEdit)
	assert.Equal(t, model.SyncStatePending, edited.SyncState)
	assert.True(t, edited.UpdatedAt.After(v.UpdatedAt))
}

func TestQueue_EditVisitRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	now := time.Now()
	v := closedVisit("FR", now.Add(-48*time.Hour), now.Add(-24*time.Hour), now.Add(-24*time.Hour))
	v.SyncState = model.SyncStateSynced
	require.NoError(t, store.UpsertVisit(ctx, v))

	err := q.EditVisit(ctx, v.ID, func(v *model.Visit) {
		before := v.EntryAt.Add(-time.Hour)
		v.ExitAt = &before
	})
	require.Error(t, err)

	// The stored record is untouched: still valid, still synced.
	kept, err := store.VisitByID(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.NoError(t, kept.Validate())
	assert.False(t, kept.ManualEdit)
	assert.Equal(t, model.SyncStateSynced, kept.SyncState)
}

func TestQueue_EditVisitUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.EditVisit(context.Background(), "no-such-visit", func(*model.Visit) {})
	assert.ErrorContains(t, err, "not found")
}

func TestQueue_DeleteVisitRemovesAndQueues(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	v := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", time.Now())
	require.NoError(t, store.UpsertVisit(ctx, v))

	require.NoError(t, q.DeleteVisit(ctx, v.ID))

	gone, err := store.VisitByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	doomed, err := q.IsPendingDeletion(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, doomed)
}

func TestQueue_ProcessPushesAndClears(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	v := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", time.Now())
	require.NoError(t, store.UpsertVisit(ctx, v))
	require.NoError(t, q.MarkForDeletion(ctx, "visit-gone"))

	var uploaded, removed []string
	q.SetHandlers(
		func(ctx context.Context, v *model.Visit) error {
			uploaded = append(uploaded, v.ID)
			return store.MarkVisitSynced(ctx, v.ID, "row-1")
		},
		func(_ context.Context, id string) error {
			removed = append(removed, id)
			return nil
		},
	)
	q.Process(ctx)

	assert.Equal(t, []string{v.ID}, uploaded)
	assert.Equal(t, []string{"visit-gone"}, removed)

	ids, err := q.PendingDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	uploads, err := q.PendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestQueue_ProcessSkipsWhenOffline(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)
	q.online.Store(false)

	v := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", time.Now())
	require.NoError(t, store.UpsertVisit(ctx, v))

	calls := 0
	q.SetHandlers(
		func(context.Context, *model.Visit) error { calls++; return nil },
		func(context.Context, string) error { calls++; return nil },
	)
	q.Process(ctx)

	assert.Zero(t, calls)
}

func TestQueue_FailedRecordStaysQueued(t *testing.T) {
	ctx := context.Background()
	q, store := newTestQueue(t)

	now := time.Now()
	a := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", now.Add(-time.Hour))
	b := model.NewVisit("FR", "France", 48.85, 2.35, "device-a", now)
	require.NoError(t, store.UpsertVisit(ctx, a))
	require.NoError(t, store.UpsertVisit(ctx, b))

	q.SetHandlers(
		func(ctx context.Context, v *model.Visit) error {
			if v.ID == a.ID {
				return fmt.Errorf("backend unavailable")
			}
			return store.MarkVisitSynced(ctx, v.ID, "row-b")
		},
		func(context.Context, string) error { return nil },
	)
	q.Process(ctx)

	uploads, err := q.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, a.ID, uploads[0].ID)
}

func TestQueue_WatchFlushesOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, store := newTestQueue(t)

	v := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", time.Now())
	require.NoError(t, store.UpsertVisit(ctx, v))

	processed := make(chan string, 1)
	q.SetHandlers(
		func(ctx context.Context, v *model.Visit) error {
			if err := store.MarkVisitSynced(ctx, v.ID, "row-1"); err != nil {
				return err
			}
			processed <- v.ID
			return nil
		},
		func(context.Context, string) error { return nil },
	)

	events := make(chan netwatch.Status)
	go q.Watch(ctx, events)

	events <- netwatch.StatusOffline
	events <- netwatch.StatusOnline

	select {
	case id := <-processed:
		assert.Equal(t, v.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("queue was not flushed after reconnect")
	}
}

func TestQueue_WatchHonoursSeededOfflineStatus(t *testing.T) {
	// A device that boots offline never sees an offline→X transition; the
	// queue must pick the state up from the subscription's seed event.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, store := newTestQueue(t)

	v := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", time.Now())
	require.NoError(t, store.UpsertVisit(ctx, v))

	calls := 0
	q.SetHandlers(
		func(context.Context, *model.Visit) error { calls++; return nil },
		func(context.Context, string) error { calls++; return nil },
	)

	events := make(chan netwatch.Status, 1)
	events <- netwatch.StatusOffline
	go q.Watch(ctx, events)

	require.Eventually(t, func() bool { return !q.online.Load() },
		5*time.Second, 10*time.Millisecond)

	q.Process(ctx)
	assert.Zero(t, calls)
}

func TestQueue_WatchStaysQuietWhileOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, store := newTestQueue(t)

	v := model.NewVisit("DE", "Germany", 52.52, 13.40, "device-a", time.Now())
	require.NoError(t, store.UpsertVisit(ctx, v))

	processed := make(chan struct{}, 4)
	q.SetHandlers(
		func(context.Context, *model.Visit) error {
			processed <- struct{}{}
			return nil
		},
		func(context.Context, string) error { return nil },
	)

	events := make(chan netwatch.Status)
	go q.Watch(ctx, events)

	// Online → online is not an edge; nothing should flush.
	events <- netwatch.StatusOnline
	events <- netwatch.StatusOnline
	cancel()

	select {
	case <-processed:
		t.Fatal("queue flushed without an offline→online transition")
	case <-time.After(100 * time.Millisecond):
	}
}
