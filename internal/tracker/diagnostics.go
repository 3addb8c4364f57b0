package tracker

import (
	"context"
	"fmt"
	"time"
)

const keyDiagnostics = "diagnostics"

// Source tags recorded with each check, describing where the current
// country came from.
const (
	// SourceFresh means the country was resolved from a live position fix.
	SourceFresh = "fresh"
	// SourceCached means resolution failed and the open visit's country was
	// carried over unchanged.
	SourceCached = "cached"
)

// Diagnostics is the persisted observability snapshot written on every
// completed check. Presentation layers poll it; nothing reads it for
// control flow.
type Diagnostics struct {
	// LastCheck is when a check last ran to completion (UTC), busy-lock
	// skips excluded.
	LastCheck time.Time `json:"lastCheck,omitzero"`

	// LastError describes why the last check could not resolve a position.
	// Empty after a successful check.
	LastError string `json:"lastError,omitempty"`

	// CurrentCode is the country of the open visit as of the last check.
	CurrentCode string `json:"currentCode,omitempty"`

	// PendingCode and PendingCount mirror the debounce state for display.
	PendingCode  string `json:"pendingCode,omitempty"`
	PendingCount int    `json:"pendingCount,omitempty"`

	// Source is [SourceFresh] or [SourceCached].
	Source string `json:"source,omitempty"`
}

// Diagnostics returns the last persisted snapshot. A zero snapshot means no
// check has completed yet.
func (c *Controller) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics
	if _, err := c.box.GetJSON(ctx, keyDiagnostics, &d); err != nil {
		return Diagnostics{}, fmt.Errorf("reading diagnostics: %w", err)
	}
	return d, nil
}

func (c *Controller) writeDiagnostics(ctx context.Context, d Diagnostics) {
	if err := c.box.PutJSON(ctx, keyDiagnostics, d); err != nil {
		c.logger.Error("persisting diagnostics", "error", err)
	}
}
