package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"mergeline/internal/config"
	"mergeline/internal/db"
	"mergeline/internal/engine"
	"mergeline/internal/gateway"
	"mergeline/internal/migrate"
)

// stubClient answers every fetch with the seeded state and merges
// unconditionally.
type stubClient struct {
	mu      sync.Mutex
	states  map[string]string
	commits int
}

func newStubClient() *stubClient {
	return &stubClient{states: map[string]string{}}
}

func (s *stubClient) FetchState(ctx context.Context, repository string, number int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[fmt.Sprintf("%s#%d", repository, number)]; ok {
		return state, nil
	}
	return gateway.StateOpen, nil
}

func (s *stubClient) Merge(ctx context.Context, repository string, number int, strategy string, deleteBranch bool) (gateway.MergeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[fmt.Sprintf("%s#%d", repository, number)] = gateway.StateMerged
	s.commits++
	return gateway.MergeOutcome{CommitID: fmt.Sprintf("c%04d", s.commits)}, nil
}

type testServer struct {
	URL    string
	eng    *engine.Engine
	github *stubClient
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	github := newStubClient()
	reg := gateway.NewRegistry()
	reg.Register("github", github)
	e := engine.New(conn, config.Default(), reg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyRequesterHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		eng:    e,
		github: github,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asRequester(id string) map[string]string {
	return map[string]string{"X-Requester-Id": id}
}

func trackPR(t *testing.T, srv *testServer, requester, repository string, number int) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pulls", map[string]any{
		"provider":   "github",
		"repository": repository,
		"number":     number,
	}, asRequester(requester))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("track pr status %d: %s", res.StatusCode, string(body))
	}
}

func TestSubmitAndGetOperation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	trackPR(t, srv, "u1", "acme/billing", 1)
	trackPR(t, srv, "u1", "acme/billing", 2)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/operations", map[string]any{
		"targets": []map[string]any{
			{"provider": "github", "repository": "acme/billing", "number": 1},
			{"provider": "github", "repository": "acme/billing", "number": 2},
		},
	}, asRequester("u1"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}
	var submitted OperationDetailResponse
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if submitted.Status != "in_progress" || submitted.TotalCount != 2 {
		t.Fatalf("submitted = %+v", submitted.OperationResponse)
	}
	if len(submitted.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(submitted.Items))
	}

	srv.eng.Wait()

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/operations/"+submitted.ID, nil, asRequester("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(body))
	}
	var got OperationDetailResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "completed" || got.SuccessCount != 2 {
		t.Fatalf("got = %+v", got.OperationResponse)
	}
	for _, it := range got.Items {
		if it.Status != "success" || it.MergeCommitID == nil {
			t.Fatalf("item = %+v", it)
		}
	}

	// Foreign requesters cannot see the operation at all.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/operations/"+submitted.ID, nil, asRequester("u2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status %d, want 404", res.StatusCode)
	}
}

func TestSubmitValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	trackPR(t, srv, "u2", "acme/web", 3)

	cases := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty targets",
			body:       map[string]any{"targets": []map[string]any{}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "empty",
		},
		{
			name: "untracked ref",
			body: map[string]any{"targets": []map[string]any{
				{"provider": "github", "repository": "acme/billing", "number": 99},
			}},
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name: "foreign ref",
			body: map[string]any{"targets": []map[string]any{
				{"provider": "github", "repository": "acme/web", "number": 3},
			}},
			wantStatus: http.StatusForbidden,
			wantCode:   "not_owned",
		},
	}
	for _, tc := range cases {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/operations", tc.body, asRequester("u1"))
		if res.StatusCode != tc.wantStatus {
			t.Fatalf("%s: status %d, want %d: %s", tc.name, res.StatusCode, tc.wantStatus, string(body))
		}
		var envelope struct {
			Error apiErrorBody `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			t.Fatalf("%s: unmarshal envelope: %v", tc.name, err)
		}
		if envelope.Error.Code != tc.wantCode {
			t.Fatalf("%s: code = %q, want %q", tc.name, envelope.Error.Code, tc.wantCode)
		}
	}
}

func TestOversizedBatchReportsLimit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	max := srv.eng.Config.Engine.MaxBatch
	targets := make([]map[string]any, 0, max+1)
	for i := 1; i <= max+1; i++ {
		trackPR(t, srv, "u1", "acme/billing", i)
		targets = append(targets, map[string]any{"provider": "github", "repository": "acme/billing", "number": i})
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/operations", map[string]any{"targets": targets}, asRequester("u1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "too_many" {
		t.Fatalf("code = %q, want too_many", envelope.Error.Code)
	}
	if got, ok := envelope.Error.Details["max"].(float64); !ok || int(got) != max {
		t.Fatalf("details.max = %v, want %d", envelope.Error.Details["max"], max)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/operations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// Unset settings read back as the configured defaults.
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings", nil, asRequester("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(body))
	}
	var settings SettingsResponse
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if settings.Strategy != "merge" {
		t.Fatalf("default strategy = %s", settings.Strategy)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/settings", map[string]any{
		"strategy":       "squash",
		"delete_branch":  true,
		"merge_delay_ms": 250,
	}, asRequester("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings", nil, asRequester("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if settings.Strategy != "squash" || !settings.DeleteBranch || settings.MergeDelayMS != 250 {
		t.Fatalf("settings = %+v", settings)
	}
}

func TestOpenAPISpecServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// First fetches race to build the cached spec; all must see the same
	// complete document.
	const n = 4
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/openapi.json", nil)
			if err != nil {
				t.Errorf("new request: %v", err)
				return
			}
			req.Header.Set("X-Requester-Id", "u1")
			res, err := srv.Client().Do(req)
			if err != nil {
				t.Errorf("do request: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", res.StatusCode)
				return
			}
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	if len(bodies[0]) == 0 {
		t.Fatal("empty spec body")
	}
	for i := 1; i < n; i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("spec body %d differs from first fetch", i)
		}
	}
}

func TestOperationEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	trackPR(t, srv, "u1", "acme/billing", 1)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/operations", map[string]any{
		"targets": []map[string]any{
			{"provider": "github", "repository": "acme/billing", "number": 1},
		},
	}, asRequester("u1"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}
	var submitted OperationDetailResponse
	_ = json.Unmarshal(body, &submitted)
	srv.eng.Wait()

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/operations/"+submitted.ID+"/events", nil, asRequester("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var evts []EventResponse
	if err := json.Unmarshal(body, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"operation.submitted", "item.merged", "operation.completed"} {
		if !types[want] {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}
