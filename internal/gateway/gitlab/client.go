// Package gitlab implements gateway.Client against the GitLab REST API.
// Repository paths are URL-encoded project ids; pull request numbers map to
// merge request IIDs.
package gitlab

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
		baseURL = "https://gitlab.com/api/v4"
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

type mergeRequestResponse struct {
	State           string `json:"state"`
	MergeCommitSHA  string `json:"merge_commit_sha"`
	SquashCommitSHA string `json:"squash_commit_sha"`
	SHA             string `json:"sha"`
}

func (c *Client) FetchState(ctx context.Context, repository string, number int) (string, error) {
	var mr mergeRequestResponse
	path := fmt.Sprintf("/projects/%s/merge_requests/%d", url.PathEscape(repository), number)
	if err := c.do(ctx, http.MethodGet, path, nil, &mr); err != nil {
		return "", err
	}
	return convertState(mr.State), nil
}

func (c *Client) Merge(ctx context.Context, repository string, number int, strategy string, deleteBranch bool) (gateway.MergeOutcome, error) {
	// GitLab has no rebase merge method on the accept endpoint; rebase first,
	// then merge fast-forward style via the project's merge settings.
	if strategy == "rebase" {
		path := fmt.Sprintf("/projects/%s/merge_requests/%d/rebase", url.PathEscape(repository), number)
		if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
			return gateway.MergeOutcome{}, err
		}
	}
	body := map[string]any{
		"squash":                      strategy == "squash",
		"should_remove_source_branch": deleteBranch,
	}
	var mr mergeRequestResponse
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/merge", url.PathEscape(repository), number)
	if err := c.do(ctx, http.MethodPut, path, body, &mr); err != nil {
		return gateway.MergeOutcome{}, err
	}
	commit := mr.MergeCommitSHA
	if commit == "" {
		commit = mr.SquashCommitSHA
	}
	if commit == "" {
		commit = mr.SHA
	}
	return gateway.MergeOutcome{CommitID: commit}, nil
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
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gateway.ProviderError{Kind: gateway.KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &gateway.ProviderError{
			Kind:    classify(resp.StatusCode),
			Message: fmt.Sprintf("gitlab: %s (status %d)", errorMessage(raw), resp.StatusCode),
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

// classify maps GitLab's accept-MR status codes: 405 means not mergeable
// (draft, closed), 406 means conflict, 401/403/404 are permission problems.
func classify(status int) gateway.ErrorKind {
	switch status {
	case http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusConflict:
		return gateway.KindConflict
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return gateway.KindPermission
	case http.StatusTooManyRequests:
		return gateway.KindRateLimited
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return gateway.KindValidation
	default:
		return gateway.KindNetwork
	}
}

func errorMessage(raw []byte) string {
	var parsed struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != nil {
			return fmt.Sprintf("%v", parsed.Message)
		}
	}
	return strings.TrimSpace(string(raw))
}

func convertState(state string) string {
	switch state {
	case "opened", "locked":
		return gateway.StateOpen
	case "merged":
		return gateway.StateMerged
	default:
		return gateway.StateClosed
	}
}
