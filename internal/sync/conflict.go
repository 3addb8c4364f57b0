package sync

import "github.com/whereabouts-app/whereabouts/internal/model"

// RemoteWins decides, for a local record and a backend row with the same
// local id, which whole record survives. The rule is a total order over
// UpdatedAt: the later writer wins. On an exact timestamp tie a remote
// manual edit beats a tracker-written local record; otherwise the local
// side is kept and will win remotely on the next upload.
//
// The order is deliberate last-writer-wins, not a merge: two devices
// editing the same visit inside the clock-skew window will silently drop
// one edit. That trade is acceptable for single-user, low-frequency edits.
func RemoteWins(local *model.Visit, remote model.RemoteVisit) bool {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return true
	}
	if remote.UpdatedAt.Equal(local.UpdatedAt) {
		return remote.ManualEdit && !local.ManualEdit
	}
	return false
}

// ApplyRemote overwrites the local record's mutable fields with the backend
// row's. Device-local fields — the entry coordinates — are preserved, since
// the remote tier never stores them. The merged record is synced: it now
// matches the backend exactly.
func ApplyRemote(local *model.Visit, remote model.RemoteVisit) {
	local.CountryCode = remote.CountryCode
	local.CountryName = remote.CountryName
	local.EntryAt = remote.EntryAt
	local.ExitAt = remote.ExitAt
	local.City = remote.City
	local.Region = remote.Region
	local.UpdatedAt = remote.UpdatedAt
	local.DeviceID = remote.DeviceID
	local.ManualEdit = remote.ManualEdit
	if remote.ID != "" {
		local.RemoteID = remote.ID
	}
	local.SyncState = model.SyncStateSynced
}
