package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/model"
)

// requestTimeout bounds every backend request.
const requestTimeout = 15 * time.Second

// Client talks to the visit row store. Rows are keyed by (account, local
// id); an upsert replaces the whole row. It implements the sync layer's
// Backend interface.
type Client struct {
	baseURL   string
	token     string
	accountID string
	hc        *http.Client
	logger    *slog.Logger
}

// NewClient creates a backend client for the given account.
func NewClient(baseURL, token, accountID string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		accountID: accountID,
		hc:        &http.Client{Timeout: requestTimeout},
		logger:    logger,
	}
}

// Upsert writes the row for row.LocalID, replacing any previous version,
// and returns the backend-assigned row id.
func (c *Client) Upsert(ctx context.Context, row model.RemoteVisit) (string, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("encoding visit row: %w", err)
	}

	var ack struct {
		ID string `json:"id"`
	}
	err = Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, http.MethodPut, c.visitURL(row.LocalID), body, &ack)
	})
	if err != nil {
		return "", fmt.Errorf("upserting visit %s: %w", row.LocalID, err)
	}
	return ack.ID, nil
}

// Query returns the account's rows, newest updatedAt first. A non-nil since
// bounds the result to rows changed strictly after the cursor.
func (c *Client) Query(ctx context.Context, since *time.Time) ([]model.RemoteVisit, error) {
	q := url.Values{"order": {"updated_at.desc"}}
	if since != nil {
		q.Set("updated_since", since.UTC().Format(time.RFC3339Nano))
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/visits?%s",
		c.baseURL, url.PathEscape(c.accountID), q.Encode())

	var rows []model.RemoteVisit
	err := Retry(ctx, defaultMaxAttempts, func() error {
		rows = rows[:0]
		return c.do(ctx, http.MethodGet, endpoint, nil, &rows)
	})
	if err != nil {
		return nil, fmt.Errorf("querying visits: %w", err)
	}
	return rows, nil
}

// Delete removes the row for localID. Deleting a row the backend never saw
// (or already dropped) succeeds — deletions must be idempotent because the
// queue retries them.
func (c *Client) Delete(ctx context.Context, localID string) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return c.do(ctx, http.MethodDelete, c.visitURL(localID), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("deleting visit %s: %w", localID, err)
	}
	return nil
}

func (c *Client) visitURL(localID string) string {
	return fmt.Sprintf("%s/v1/accounts/%s/visits/%s",
		c.baseURL, url.PathEscape(c.accountID), url.PathEscape(localID))
}

// do performs one authenticated request, decoding a JSON response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute backend request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("backend returned 401 Unauthorized — check backend token")
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return nil // already gone
	case resp.StatusCode >= 300:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		if br.Message != "" {
			return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, br.Message)
		}
		return fmt.Errorf("backend returned unexpected status %d", resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}
