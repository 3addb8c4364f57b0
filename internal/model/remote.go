package model

import "time"

// RemoteVisit is the wire representation of a visit in the backend row
// store, keyed by (account, LocalID). It deliberately carries no
// coordinates: only country-level facts leave the device.
type RemoteVisit struct {
	// ID is the backend-assigned row id. Empty on first upload; populated
	// in every backend response.
	ID string `json:"id,omitempty"`

	LocalID     string     `json:"localId"`
	CountryCode string     `json:"countryCode"`
	CountryName string     `json:"countryName,omitempty"`
	EntryAt     time.Time  `json:"entryAt"`
	ExitAt      *time.Time `json:"exitAt,omitempty"`
	City        string     `json:"city,omitempty"`
	Region      string     `json:"region,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeviceID    string     `json:"deviceId,omitempty"`
	ManualEdit  bool       `json:"manualEdit,omitempty"`
}

// ToRemote projects the visit onto its backend row. Coordinates are dropped
// here, not at the transport layer, so no caller can leak them by accident.
func (v *Visit) ToRemote() RemoteVisit {
	return RemoteVisit{
		ID:          v.RemoteID,
		LocalID:     v.ID,
		CountryCode: v.CountryCode,
		CountryName: v.CountryName,
		EntryAt:     v.EntryAt,
		ExitAt:      v.ExitAt,
		City:        v.City,
		Region:      v.Region,
		UpdatedAt:   v.UpdatedAt,
		DeviceID:    v.DeviceID,
		ManualEdit:  v.ManualEdit,
	}
}

// FromRemote materializes a local visit from a backend row, as happens when
// another device's record is downloaded for the first time. The remote tier
// stores no coordinates, so they degrade to 0,0. The record is born synced —
// it matches the backend by construction.
func FromRemote(r RemoteVisit) *Visit {
	return &Visit{
		ID:          r.LocalID,
		CountryCode: r.CountryCode,
		CountryName: r.CountryName,
		EntryAt:     r.EntryAt,
		ExitAt:      r.ExitAt,
		City:        r.City,
		Region:      r.Region,
		RemoteID:    r.ID,
		UpdatedAt:   r.UpdatedAt,
		DeviceID:    r.DeviceID,
		ManualEdit:  r.ManualEdit,
		SyncState:   SyncStateSynced,
	}
}
