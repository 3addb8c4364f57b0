// Package model defines shared types used across the tracking engine, the
// local store, and the sync layer.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncState describes how far a Visit has progressed towards the backend.
type SyncState string

const (
	// SyncStateNew marks a visit that has never been uploaded.
	SyncStateNew SyncState = "new"
	// SyncStatePending marks a visit with local changes awaiting upload.
	SyncStatePending SyncState = "pending"
	// SyncStateSynced marks a visit acknowledged by the backend.
	SyncStateSynced SyncState = "synced"
)

// Visit is a contiguous single-country stay. A visit with no exit time is
// "open" — the country the user is currently in. At most one visit per
// account is open at any time; the tracker enforces that, not the store.
type Visit struct {
	// ID is the locally generated identifier, immutable for the life of the
	// record on every device.
	ID string

	// CountryCode is the ISO-2 code of the country, e.g. "FR". Immutable
	// after creation except through an explicit manual edit.
	CountryCode string

	// CountryName is the human-readable country name.
	CountryName string

	// EntryAt is when the stay began (UTC).
	EntryAt time.Time

	// ExitAt is when the stay ended (UTC). Nil means the visit is open.
	ExitAt *time.Time

	// EntryLat and EntryLon are the coordinates of the fix that opened the
	// visit. Both are 0 when the record was reconstructed from a backend
	// row — precise coordinates never leave the device.
	EntryLat float64
	EntryLon float64

	// City and Region are optional geocoder extras.
	City   string
	Region string

	// RemoteID is assigned once the backend has acknowledged the record.
	// Empty until then.
	RemoteID string

	// UpdatedAt is bumped on every local mutation (UTC). It is the sole
	// input to conflict resolution between devices.
	UpdatedAt time.Time

	// DeviceID identifies the device that created the record.
	DeviceID string

	// ManualEdit is true when the user edited the record by hand rather
	// than the tracker writing it.
	ManualEdit bool

	// SyncState tracks what the sync queue still has to push.
	SyncState SyncState
}

// NewVisit creates an open visit for the given country, entered now.
func NewVisit(code, name string, lat, lon float64, deviceID string, now time.Time) *Visit {
	return &Visit{
		ID:          uuid.NewString(),
		CountryCode: code,
		CountryName: name,
		EntryAt:     now.UTC(),
		EntryLat:    lat,
		EntryLon:    lon,
		DeviceID:    deviceID,
		UpdatedAt:   now.UTC(),
		SyncState:   SyncStateNew,
	}
}

// Open reports whether the visit has no exit time yet.
func (v *Visit) Open() bool {
	return v.ExitAt == nil
}

// Close stamps the exit time and marks the visit dirty for upload.
func (v *Visit) Close(now time.Time) {
	t := now.UTC()
	v.ExitAt = &t
	v.Touch(now)
}

// Touch bumps UpdatedAt and downgrades a synced record to pending so the
// queue picks it up again. New records stay new.
func (v *Visit) Touch(now time.Time) {
	v.UpdatedAt = now.UTC()
	if v.SyncState == SyncStateSynced {
		v.SyncState = SyncStatePending
	}
}

// MarkManualEdit flags the record as user-edited and marks it dirty. Manual
// edits win timestamp ties against tracker-written records during conflict
// resolution.
func (v *Visit) MarkManualEdit(now time.Time) {
	v.ManualEdit = true
	v.Touch(now)
}

// Validate checks the structural invariants of a single record.
func (v *Visit) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("visit has no id")
	}
	if v.CountryCode == "" {
		return fmt.Errorf("visit %s has no country code", v.ID)
	}
	if v.EntryAt.IsZero() {
		return fmt.Errorf("visit %s has no entry time", v.ID)
	}
	if v.ExitAt != nil && v.ExitAt.Before(v.EntryAt) {
		return fmt.Errorf("visit %s exits (%s) before it enters (%s)",
			v.ID, v.ExitAt.Format(time.RFC3339), v.EntryAt.Format(time.RFC3339))
	}
	switch v.SyncState {
	case SyncStateNew, SyncStatePending, SyncStateSynced:
	default:
		return fmt.Errorf("visit %s has unknown sync state %q", v.ID, v.SyncState)
	}
	return nil
}
