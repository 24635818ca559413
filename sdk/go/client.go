package mergelinesdk

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

// Client is a minimal Mergeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TargetRef identifies one pull request.
type TargetRef struct {
	Provider   string `json:"provider"`
	Repository string `json:"repository"`
	Number     int    `json:"number"`
}

// SubmitOptions carries optional per-submission overrides.
type SubmitOptions struct {
	Strategy     string
	DeleteBranch *bool
	MergeDelayMS *int64
}

// Operation is a bulk merge operation's lifecycle record.
type Operation struct {
	ID           string  `json:"id"`
	RequesterID  string  `json:"requester_id"`
	Status       string  `json:"status"`
	Strategy     string  `json:"strategy"`
	DeleteBranch bool    `json:"delete_branch"`
	MergeDelayMS int64   `json:"merge_delay_ms"`
	TotalCount   int     `json:"total_count"`
	SuccessCount int     `json:"success_count"`
	FailedCount  int     `json:"failed_count"`
	SkippedCount int     `json:"skipped_count"`
	CreatedAt    string  `json:"created_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// Item is one pull request's outcome within an operation.
type Item struct {
	ID            string  `json:"id"`
	Position      int     `json:"position"`
	Provider      string  `json:"provider"`
	Repository    string  `json:"repository"`
	Number        int     `json:"number"`
	Status        string  `json:"status"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	MergeCommitID *string `json:"merge_commit_id,omitempty"`
	MergedAt      *string `json:"merged_at,omitempty"`
}

// OperationDetail is an operation with its items.
type OperationDetail struct {
	Operation
	Items []Item `json:"items"`
}

// PaginatedOperations wraps list responses with cursors.
type PaginatedOperations struct {
	Items      []Operation `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// Settings are a requester's saved merge defaults.
type Settings struct {
	RequesterID  string `json:"requester_id"`
	Strategy     string `json:"strategy"`
	DeleteBranch bool   `json:"delete_branch"`
	MergeDelayMS int64  `json:"merge_delay_ms"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	OperationID string         `json:"operation_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit starts a bulk merge operation and returns it immediately; execution
// continues server-side. Poll GetOperation until status is terminal.
func (c *Client) Submit(ctx context.Context, targets []TargetRef, opts SubmitOptions) (OperationDetail, error) {
	body := map[string]any{"targets": targets}
	if opts.Strategy != "" {
		body["strategy"] = opts.Strategy
	}
	if opts.DeleteBranch != nil {
		body["delete_branch"] = *opts.DeleteBranch
	}
	if opts.MergeDelayMS != nil {
		body["merge_delay_ms"] = *opts.MergeDelayMS
	}
	var resp OperationDetail
	err := c.do(ctx, http.MethodPost, "v1/operations", body, &resp)
	return resp, err
}

// GetOperation fetches an operation with per-item outcomes.
func (c *Client) GetOperation(ctx context.Context, id string) (OperationDetail, error) {
	var resp OperationDetail
	err := c.do(ctx, http.MethodGet, "v1/operations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOperations returns a page of the requester's operations, newest first.
func (c *Client) ListOperations(ctx context.Context, status string, limit int, cursor string) (PaginatedOperations, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/operations"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedOperations
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OperationEvents returns an operation's event log, newest first.
func (c *Client) OperationEvents(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, "v1/operations/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp, err
}

// TrackPullRequest registers a pull request under the caller's ownership.
func (c *Client) TrackPullRequest(ctx context.Context, ref TargetRef, title, state string) error {
	body := map[string]any{
		"provider":   ref.Provider,
		"repository": ref.Repository,
		"number":     ref.Number,
	}
	if title != "" {
		body["title"] = title
	}
	if state != "" {
		body["state"] = state
	}
	return c.do(ctx, http.MethodPost, "v1/pulls", body, nil)
}

// GetSettings returns the caller's saved merge defaults.
func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "v1/settings", nil, &resp)
	return resp, err
}

// PutSettings saves merge defaults.
func (c *Client) PutSettings(ctx context.Context, s Settings) (Settings, error) {
	body := map[string]any{
		"strategy":       s.Strategy,
		"delete_branch":  s.DeleteBranch,
		"merge_delay_ms": s.MergeDelayMS,
	}
	var resp Settings
	err := c.do(ctx, http.MethodPut, "v1/settings", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
