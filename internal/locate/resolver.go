// Package locate defines the position-resolver boundary: given permission,
// produce a best-effort country-level position for the device, or a typed
// failure. The production implementation talks to a positioning bridge over
// HTTP; the tracker only ever sees the [Resolver] interface.
package locate

import (
	"context"
	"errors"
)

// Sentinel failures the tracker distinguishes. Everything else is treated as
// a transient resolution error.
var (
	// ErrNoPermission means location permission has not been granted.
	ErrNoPermission = errors.New("location permission not granted")
	// ErrNoFix means the positioning source produced no usable fix in time.
	ErrNoFix = errors.New("no position fix")
	// ErrNoGeocode means a fix was obtained but could not be resolved to a
	// country.
	ErrNoGeocode = errors.New("position could not be geocoded")
)

// Accuracy selects how hard the positioning source should work for a fix.
// Country-level tracking rarely needs more than Low.
type Accuracy string

const (
	AccuracyLow      Accuracy = "low"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
)

// Position is a resolved, country-level location.
type Position struct {
	CountryCode string  `json:"countryCode"`
	CountryName string  `json:"countryName"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Resolver produces the device's current position.
type Resolver interface {
	// CheckPermission reports whether location access is granted.
	CheckPermission(ctx context.Context) (bool, error)

	// Current returns the current position, or one of the sentinel errors.
	// Implementations must bound the call with their own timeout.
	Current(ctx context.Context, acc Accuracy) (*Position, error)
}
