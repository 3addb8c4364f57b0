package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/whereabouts-app/whereabouts/internal/model"
)

const visitColumns = `id, country_code, country_name, entry_at, exit_at,
	entry_lat, entry_lon, city, region, remote_id, updated_at, device_id,
	manual_edit, sync_state`

// UpsertVisit inserts or replaces a visit by id.
func (s *Store) UpsertVisit(ctx context.Context, v *model.Visit) error {
	const q = `
		INSERT INTO visits
		    (id, country_code, country_name, entry_at, exit_at, entry_lat,
		     entry_lon, city, region, remote_id, updated_at, device_id,
		     manual_edit, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    country_code = excluded.country_code,
		    country_name = excluded.country_name,
		    entry_at     = excluded.entry_at,
		    exit_at      = excluded.exit_at,
		    entry_lat    = excluded.entry_lat,
		    entry_lon    = excluded.entry_lon,
		    city         = excluded.city,
		    region       = excluded.region,
		    remote_id    = excluded.remote_id,
		    updated_at   = excluded.updated_at,
		    device_id    = excluded.device_id,
		    manual_edit  = excluded.manual_edit,
		    sync_state   = excluded.sync_state`

	var exitAt any
	if v.ExitAt != nil {
		exitAt = formatTime(*v.ExitAt)
	}
	_, err := s.db.ExecContext(ctx, q,
		v.ID, v.CountryCode, v.CountryName, formatTime(v.EntryAt), exitAt,
		v.EntryLat, v.EntryLon, v.City, v.Region, v.RemoteID,
		formatTime(v.UpdatedAt), v.DeviceID, v.ManualEdit, string(v.SyncState),
	)
	if err != nil {
		return fmt.Errorf("upserting visit %s: %w", v.ID, err)
	}
	return nil
}

// VisitByID returns the visit with the given id, or (nil, nil) if no such
// visit exists.
func (s *Store) VisitByID(ctx context.Context, id string) (*model.Visit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+visitColumns+` FROM visits WHERE id = ?`, id)
	return scanVisit(row)
}

// Visits returns all visits, newest entry first.
func (s *Store) Visits(ctx context.Context) ([]*model.Visit, error) {
	return s.queryVisits(ctx,
		`SELECT `+visitColumns+` FROM visits ORDER BY entry_at DESC`)
}

// OpenVisit returns the visit with no exit time, or (nil, nil) if the
// history is fully closed. If the open-visit invariant was violated by an
// interrupted close-then-open transition, the newest open visit is returned
// and older strays are left for the tracker's repair pass.
func (s *Store) OpenVisit(ctx context.Context) (*model.Visit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+visitColumns+` FROM visits
		 WHERE exit_at IS NULL ORDER BY entry_at DESC LIMIT 1`)
	return scanVisit(row)
}

// PendingVisits returns all visits the backend has not acknowledged yet,
// oldest entry first so uploads replay history in order.
func (s *Store) PendingVisits(ctx context.Context) ([]*model.Visit, error) {
	return s.queryVisits(ctx,
		`SELECT `+visitColumns+` FROM visits
		 WHERE sync_state != 'synced' ORDER BY entry_at ASC`)
}

// MarkVisitSynced stamps the backend-assigned remote id and flips the visit
// to synced.
func (s *Store) MarkVisitSynced(ctx context.Context, id, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE visits SET sync_state = 'synced', remote_id = ? WHERE id = ?`,
		remoteID, id)
	if err != nil {
		return fmt.Errorf("marking visit %s synced: %w", id, err)
	}
	return nil
}

// DeleteVisit removes the visit with the given id. Queueing the matching
// remote deletion is the caller's responsibility.
func (s *Store) DeleteVisit(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM visits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting visit %s: %w", id, err)
	}
	return nil
}

func (s *Store) queryVisits(ctx context.Context, q string, args ...any) ([]*model.Visit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying visits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var visits []*model.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows so scanVisit can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(sc scanner) (*model.Visit, error) {
	var v model.Visit
	var entryAt, updatedAt, syncState string
	var exitAt sql.NullString

	err := sc.Scan(
		&v.ID,
		&v.CountryCode,
		&v.CountryName,
		&entryAt,
		&exitAt,
		&v.EntryLat,
		&v.EntryLon,
		&v.City,
		&v.Region,
		&v.RemoteID,
		&updatedAt,
		&v.DeviceID,
		&v.ManualEdit,
		&syncState,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning visit row: %w", err)
	}

	if v.EntryAt, err = parseTime(entryAt); err != nil {
		return nil, fmt.Errorf("visit %s: bad entry_at: %w", v.ID, err)
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("visit %s: bad updated_at: %w", v.ID, err)
	}
	if exitAt.Valid {
		t, err := parseTime(exitAt.String)
		if err != nil {
			return nil, fmt.Errorf("visit %s: bad exit_at: %w", v.ID, err)
		}
		if !t.IsZero() {
			v.ExitAt = &t
		}
	}
	v.SyncState = model.SyncState(syncState)

	return &v, nil
}
