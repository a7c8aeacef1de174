// Package betalinesdk is a minimal client for the Betaline ops API.
package betalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running Betaline ops API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the ops base
// path, e.g. "http://127.0.0.1:8080/v0".
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Report mirrors the API report model.
type Report struct {
	ID         int64  `json:"id"`
	ReporterID int64  `json:"reporter_id"`
	Group      string `json:"group"`
	Version    string `json:"version"`
	Device     string `json:"device,omitempty"`
	Steps      string `json:"steps"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Tester mirrors the API identity model.
type Tester struct {
	ID            int64  `json:"id"`
	Role          string `json:"role"`
	Group         string `json:"group,omitempty"`
	AcceptedCount int    `json:"accepted_count"`
	RejectedCount int    `json:"rejected_count"`
	Handle        string `json:"handle,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Stats is the consistency summary.
type Stats struct {
	Reports map[string]int `json:"reports"`
	Testers int            `json:"testers"`
	Drift   []struct {
		IdentityID     int64 `json:"identity_id"`
		StoredAccepted int   `json:"stored_accepted"`
		ActualAccepted int   `json:"actual_accepted"`
		StoredRejected int   `json:"stored_rejected"`
		ActualRejected int   `json:"actual_rejected"`
	} `json:"drift,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health probes the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil)
}

// Reports lists reports, optionally filtered by status.
func (c *Client) Reports(ctx context.Context, status string, limit int) ([]Report, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "reports"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Report
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// Report fetches one report by id.
func (c *Client) Report(ctx context.Context, id int64) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("reports/%d", id), &resp)
	return resp, err
}

// Testers lists the enrolled testers with their scores.
func (c *Client) Testers(ctx context.Context) ([]Tester, error) {
	var resp []Tester
	err := c.do(ctx, http.MethodGet, "testers", &resp)
	return resp, err
}

// Stats returns report totals and counter consistency.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
