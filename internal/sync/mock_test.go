package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/model"
	"github.com/whereabouts-app/whereabouts/internal/state"
)

// --- Mock Backend ------------------------------------------------------------

type mockBackend struct {
	mu     gosync.Mutex
	rows   map[string]model.RemoteVisit // LocalID → row
	nextID int

	failUpsert map[string]bool // LocalID → force error
	failDelete map[string]bool
	failQuery  bool

	upserts   int
	queries   int
	deletes   int
	lastSince *time.Time
}

func newMockBackend(rows ...model.RemoteVisit) *mockBackend {
	m := &mockBackend{
		rows:       make(map[string]model.RemoteVisit),
		failUpsert: make(map[string]bool),
		failDelete: make(map[string]bool),
	}
	for _, r := range rows {
		m.nextID++
		if r.ID == "" {
			r.ID = fmt.Sprintf("row-%d", m.nextID)
		}
		m.rows[r.LocalID] = r
	}
	return m
}

func (m *mockBackend) Upsert(_ context.Context, row model.RemoteVisit) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upserts++
	if m.failUpsert[row.LocalID] {
		return "", fmt.Errorf("backend unavailable")
	}
	if existing, ok := m.rows[row.LocalID]; ok {
		row.ID = existing.ID
	} else {
		m.nextID++
		row.ID = fmt.Sprintf("row-%d", m.nextID)
	}
	m.rows[row.LocalID] = row
	return row.ID, nil
}

func (m *mockBackend) Query(_ context.Context, since *time.Time) ([]model.RemoteVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries++
	m.lastSince = since
	if m.failQuery {
		return nil, fmt.Errorf("backend unavailable")
	}
	var result []model.RemoteVisit
	for _, r := range m.rows {
		if since != nil && !r.UpdatedAt.After(*since) {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

func (m *mockBackend) Delete(_ context.Context, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deletes++
	if m.failDelete[localID] {
		return fmt.Errorf("backend unavailable")
	}
	delete(m.rows, localID)
	return nil
}

func (m *mockBackend) get(localID string) (model.RemoteVisit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[localID]
	return r, ok
}

func (m *mockBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// --- Test Helpers ------------------------------------------------------------

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(t *testing.T, backend Backend) (*Reconciler, *Queue, *state.Store) {
	t.Helper()
	store := openTestStore(t)
	logger := testLogger()
	queue := NewQueue(store, store.Box(state.BoxSyncQueue), logger)
	rec := NewReconciler(store, backend, queue, store.Box(state.BoxSyncSettings), logger)
	return rec, queue, store
}

func closedVisit(code string, entry, exit, updated time.Time) *model.Visit {
	v := model.NewVisit(code, "", 48.85, 2.35, "device-a", entry)
	e := exit.UTC()
	v.ExitAt = &e
	v.UpdatedAt = updated.UTC()
	return v
}
