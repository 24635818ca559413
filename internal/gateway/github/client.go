// Package github implements gateway.Client against the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"mergeline/internal/gateway"
)

// HTTPClient allows injecting a mock transport in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient HTTPClient
}

func NewClient(baseURL, token string, httpClient HTTPClient) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

type pullResponse struct {
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	Head    ref    `json:"head"`
	HTMLURL string `json:"html_url"`
}

type ref struct {
	Ref string `json:"ref"`
}

type mergeResponse struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// FetchState maps GitHub's state+merged pair onto the engine's three states.
func (c *Client) FetchState(ctx context.Context, repository string, number int) (string, error) {
	var pr pullResponse
	path := fmt.Sprintf("/repos/%s/pulls/%d", repository, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return "", err
	}
	return convertState(pr.State, pr.Merged), nil
}

// Merge merges via PUT /pulls/{n}/merge and, when requested, deletes the head
// branch afterwards. A failed branch delete does not fail the merge; the
// commit already exists on the remote.
func (c *Client) Merge(ctx context.Context, repository string, number int, strategy string, deleteBranch bool) (gateway.MergeOutcome, error) {
	var head string
	if deleteBranch {
		var pr pullResponse
		path := fmt.Sprintf("/repos/%s/pulls/%d", repository, number)
		if err := c.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
			return gateway.MergeOutcome{}, err
		}
		head = pr.Head.Ref
	}

	body := map[string]any{"merge_method": strategy}
	var merged mergeResponse
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repository, number)
	if err := c.do(ctx, http.MethodPut, path, body, &merged); err != nil {
		return gateway.MergeOutcome{}, err
	}

	if deleteBranch && head != "" {
		refPath := fmt.Sprintf("/repos/%s/git/refs/heads/%s", repository, url.PathEscape(head))
		_ = c.do(ctx, http.MethodDelete, refPath, nil, nil)
	}
	return gateway.MergeOutcome{CommitID: merged.SHA}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &gateway.ProviderError{Kind: gateway.KindValidation, Message: err.Error()}
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return &gateway.ProviderError{Kind: gateway.KindValidation, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gateway.ProviderError{Kind: gateway.KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &gateway.ProviderError{
			Kind:    classify(resp.StatusCode, resp.Header, msg),
			Message: fmt.Sprintf("github: %s (status %d)", msg, resp.StatusCode),
		}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &gateway.ProviderError{Kind: gateway.KindNetwork, Message: "decode response: " + err.Error()}
	}
	return nil
}

// classify maps GitHub status codes to the engine's error taxonomy. 405 and
// 409 are merge conflicts / not-mergeable; 403 with exhausted quota headers
// is rate limiting.
func classify(status int, header http.Header, msg string) gateway.ErrorKind {
	switch status {
	case http.StatusMethodNotAllowed, http.StatusConflict:
		return gateway.KindConflict
	case http.StatusForbidden:
		if header.Get("X-RateLimit-Remaining") == "0" || strings.Contains(strings.ToLower(msg), "rate limit") {
			return gateway.KindRateLimited
		}
		return gateway.KindPermission
	case http.StatusUnauthorized, http.StatusNotFound:
		return gateway.KindPermission
	case http.StatusUnprocessableEntity:
		return gateway.KindValidation
	default:
		return gateway.KindNetwork
	}
}

func convertState(state string, merged bool) string {
	if merged {
		return gateway.StateMerged
	}
	switch state {
	case "open":
		return gateway.StateOpen
	default:
		return gateway.StateClosed
	}
}
