package locate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// requestTimeout bounds every bridge call. Position resolution is radio and
// network I/O and can hang for much longer than a check run is allowed to.
const requestTimeout = 15 * time.Second

// BridgeResolver resolves positions through a positioning bridge: a small
// HTTP service (companion app or gpsd frontend) that owns the actual radio
// hardware and the reverse geocoder. It implements [Resolver].
type BridgeResolver struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  *slog.Logger
}

// NewBridgeResolver creates a resolver for the bridge at baseURL.
func NewBridgeResolver(baseURL, token string, logger *slog.Logger) *BridgeResolver {
	return &BridgeResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// CheckPermission asks the bridge whether location access is granted.
func (r *BridgeResolver) CheckPermission(ctx context.Context) (bool, error) {
	var body struct {
		Granted bool `json:"granted"`
	}
	if err := r.get(ctx, "/api/permission", nil, &body); err != nil {
		return false, fmt.Errorf("querying permission state: %w", err)
	}
	return body.Granted, nil
}

// Current obtains a fix and reverse-geocodes it to a country. The two steps
// fail with distinct sentinels so the tracker's diagnostics can tell "no
// GPS" from "no geocoder coverage".
func (r *BridgeResolver) Current(ctx context.Context, acc Accuracy) (*Position, error) {
	granted, err := r.CheckPermission(ctx)
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, ErrNoPermission
	}

	var fix struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	err = r.get(ctx, "/api/fix", url.Values{"accuracy": {string(acc)}}, &fix)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNoFix
		}
		return nil, fmt.Errorf("requesting fix: %w", err)
	}

	var geo struct {
		CountryCode string `json:"countryCode"`
		CountryName string `json:"countryName"`
		City        string `json:"city"`
		Region      string `json:"region"`
	}
	err = r.get(ctx, "/api/geocode", url.Values{
		"lat": {strconv.FormatFloat(fix.Lat, 'f', -1, 64)},
		"lon": {strconv.FormatFloat(fix.Lon, 'f', -1, 64)},
	}, &geo)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNoGeocode
		}
		return nil, fmt.Errorf("reverse geocoding: %w", err)
	}
	if geo.CountryCode == "" {
		return nil, ErrNoGeocode
	}

	r.logger.Debug("position resolved",
		"country", geo.CountryCode,
		"city", geo.City,
	)

	return &Position{
		CountryCode: strings.ToUpper(geo.CountryCode),
		CountryName: geo.CountryName,
		City:        geo.City,
		Region:      geo.Region,
		Lat:         fix.Lat,
		Lon:         fix.Lon,
	}, nil
}

// statusError carries a non-2xx bridge response.
type statusError struct {
	code int
	path string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bridge returned status %d for %s", e.code, e.path)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// get performs an authenticated GET and decodes the JSON response into out.
func (r *BridgeResolver) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := r.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create bridge request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute bridge request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("bridge returned 401 Unauthorized — check bridge token")
	}
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, path: path}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}
