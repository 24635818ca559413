package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"mergeline/internal/gateway"
)

func TestFetchStateMapping(t *testing.T) {
	cases := []struct {
		name   string
		state  string
		merged bool
		want   string
	}{
		{"open", "open", false, gateway.StateOpen},
		{"closed unmerged", "closed", false, gateway.StateClosed},
		{"closed merged", "closed", true, gateway.StateMerged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/acme/billing/pulls/7" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("auth = %q", got)
				}
				json.NewEncoder(w).Encode(map[string]any{"state": tc.state, "merged": tc.merged})
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", nil)
			got, err := c.FetchState(context.Background(), "acme/billing", 7)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if got != tc.want {
				t.Fatalf("state = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMergeSendsStrategyAndDeletesBranch(t *testing.T) {
	var mu sync.Mutex
	var deletedRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"state": "open",
				"head":  map[string]any{"ref": "feature/x"},
			})
		case r.Method == http.MethodPut:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["merge_method"] != "squash" {
				t.Errorf("merge_method = %v", body["merge_method"])
			}
			json.NewEncoder(w).Encode(map[string]any{"sha": "abc123", "merged": true})
		case r.Method == http.MethodDelete:
			mu.Lock()
			deletedRef = r.URL.EscapedPath()
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	outcome, err := c.Merge(context.Background(), "acme/billing", 7, "squash", true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if outcome.CommitID != "abc123" {
		t.Fatalf("commit = %s", outcome.CommitID)
	}
	mu.Lock()
	defer mu.Unlock()
	if deletedRef != "/repos/acme/billing/git/refs/heads/feature%2Fx" {
		t.Fatalf("deleted ref path = %s", deletedRef)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		headers map[string]string
		message string
		want    gateway.ErrorKind
	}{
		{"conflict 405", http.StatusMethodNotAllowed, nil, "Pull Request is not mergeable", gateway.KindConflict},
		{"conflict 409", http.StatusConflict, nil, "merge conflict", gateway.KindConflict},
		{"rate limited", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, "API rate limit exceeded", gateway.KindRateLimited},
		{"forbidden", http.StatusForbidden, nil, "Resource not accessible", gateway.KindPermission},
		{"not found", http.StatusNotFound, nil, "Not Found", gateway.KindPermission},
		{"validation", http.StatusUnprocessableEntity, nil, "Validation Failed", gateway.KindValidation},
		{"server error", http.StatusBadGateway, nil, "upstream", gateway.KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				fmt.Fprintf(w, `{"message":%q}`, tc.message)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", nil)
			_, err := c.Merge(context.Background(), "acme/billing", 7, "merge", false)
			var perr *gateway.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want ProviderError", err)
			}
			if perr.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", perr.Kind, tc.want)
			}
		})
	}
}
