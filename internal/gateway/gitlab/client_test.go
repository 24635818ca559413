package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"mergeline/internal/gateway"
)

func TestFetchStateMapping(t *testing.T) {
	cases := []struct {
		remote string
		want   string
	}{
		{"opened", gateway.StateOpen},
		{"locked", gateway.StateOpen},
		{"merged", gateway.StateMerged},
		{"closed", gateway.StateClosed},
	}
	for _, tc := range cases {
		t.Run(tc.remote, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.EscapedPath(); got != "/projects/acme%2Fweb/merge_requests/3" {
					t.Errorf("path = %s", got)
				}
				if got := r.Header.Get("PRIVATE-TOKEN"); got != "tok" {
					t.Errorf("token header = %q", got)
				}
				json.NewEncoder(w).Encode(map[string]any{"state": tc.remote})
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", nil)
			got, err := c.FetchState(context.Background(), "acme/web", 3)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if got != tc.want {
				t.Fatalf("state = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRebaseStrategyRebasesBeforeMerge(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.EscapedPath())
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"state": "merged", "sha": "def456"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	outcome, err := c.Merge(context.Background(), "acme/web", 3, "rebase", false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if outcome.CommitID != "def456" {
		t.Fatalf("commit = %s", outcome.CommitID)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"/projects/acme%2Fweb/merge_requests/3/rebase",
		"/projects/acme%2Fweb/merge_requests/3/merge",
	}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
}

func TestMergeCommitPreference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["squash"] != true {
			t.Errorf("squash = %v", body["squash"])
		}
		if body["should_remove_source_branch"] != true {
			t.Errorf("should_remove_source_branch = %v", body["should_remove_source_branch"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"state":             "merged",
			"squash_commit_sha": "sq789",
			"sha":               "head000",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	outcome, err := c.Merge(context.Background(), "acme/web", 3, "squash", true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if outcome.CommitID != "sq789" {
		t.Fatalf("commit = %s, want squash sha", outcome.CommitID)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   gateway.ErrorKind
	}{
		{"not mergeable", http.StatusMethodNotAllowed, gateway.KindConflict},
		{"conflict", http.StatusNotAcceptable, gateway.KindConflict},
		{"forbidden", http.StatusForbidden, gateway.KindPermission},
		{"rate limited", http.StatusTooManyRequests, gateway.KindRateLimited},
		{"validation", http.StatusUnprocessableEntity, gateway.KindValidation},
		{"server error", http.StatusServiceUnavailable, gateway.KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", nil)
			_, err := c.Merge(context.Background(), "acme/web", 3, "merge", false)
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
