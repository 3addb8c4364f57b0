// Package debounce turns a sequence of detected country codes into a
// confirmed country-change decision. A single noisy fix near a border must
// never flip the visit history, so a change commits only after repeated
// samples or sustained observation.
//
// The state is a plain struct serialized by the caller into the durable
// tracking box: the host may deliver one sample per process lifetime, and a
// pending change has to survive any number of restarts until it confirms.
package debounce

import "time"

const (
	// ConfirmWindow is the elapsed-time threshold: a pending code observed
	// again this long after it was first seen commits regardless of count.
	ConfirmWindow = 15 * time.Minute

	// ConfirmCount is the sample threshold: this many consecutive matching
	// samples commit regardless of elapsed time.
	ConfirmCount = 2
)

// State is the persisted debounce state. Either all fields are set (a change
// is pending) or all are zero (nothing pending).
type State struct {
	// PendingCode is the country code awaiting confirmation.
	PendingCode string `json:"pendingCode,omitempty"`
	// Count is the number of consecutive samples that matched PendingCode.
	Count int `json:"count,omitempty"`
	// FirstSeen is when PendingCode was first observed (UTC).
	FirstSeen time.Time `json:"firstSeen,omitzero"`
}

// Pending reports whether a country change is awaiting confirmation.
func (s State) Pending() bool {
	return s.PendingCode != ""
}

// Decide feeds one detected sample into the state machine.
//
// openCode is the country of the currently open visit ("" when there is
// none). It returns whether the change is confirmed and the state to
// persist. On commit the returned state is cleared; materializing the new
// visit is the caller's job.
func Decide(st State, openCode, detected string, now time.Time) (commit bool, next State) {
	// Still in the same country: drop any pending run.
	if detected == openCode {
		return false, State{}
	}

	// A different code than the one we were confirming (or nothing pending
	// yet) starts a fresh run.
	if detected != st.PendingCode {
		return false, State{PendingCode: detected, Count: 1, FirstSeen: now.UTC()}
	}

	// Same pending code again.
	st.Count++
	timeConfirmed := now.Sub(st.FirstSeen) >= ConfirmWindow
	countConfirmed := st.Count >= ConfirmCount
	if timeConfirmed || countConfirmed {
		return true, State{}
	}
	return false, st
}
