// Package sync keeps the local visit history and the backend row store
// convergent. It contains two components:
//
//   - [Queue] tracks what still has to be pushed (dirty visits, pending
//     deletions) and flushes it when connectivity returns.
//   - [Reconciler] performs the full upload-then-download pass with
//     last-writer-wins conflict resolution.
//
// Conflicts are resolved record-for-record by a total order over UpdatedAt,
// never by field-level merge, so any number of devices converge after
// repeated passes without global knowledge of each other.
package sync

import (
	"context"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/model"
)

// Backend is the remote row store, keyed by (account, local id).
// Implemented by [remote.Client].
type Backend interface {
	// Upsert replaces the whole row for row.LocalID and returns the
	// backend-assigned row id.
	Upsert(ctx context.Context, row model.RemoteVisit) (string, error)

	// Query returns the account's rows, newest updatedAt first, bounded to
	// rows changed strictly after since when since is non-nil.
	Query(ctx context.Context, since *time.Time) ([]model.RemoteVisit, error)

	// Delete removes the row for localID. Idempotent.
	Delete(ctx context.Context, localID string) error
}

// Stats tracks the mutations performed in a single sync pass.
type Stats struct {
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  int
	Errors     int
}
