// Package server exposes the bulk merge API over HTTP. Handlers are thin:
// authentication and the error envelope live here, semantics live in engine.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mergeline/internal/domain"
	"mergeline/internal/engine"
	"mergeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"too_many"`
	Message string         `json:"message" example:"too many targets: limit is 50"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"max\":50}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mergeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Mergeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOperations(group, cfg.Engine)
	registerPulls(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr engine.ValidationError
	if errors.As(err, &verr) {
		switch verr.Reason {
		case engine.ReasonNotFound:
			return newAPIError(http.StatusNotFound, engine.ReasonNotFound, err.Error(), map[string]any{"ref": verr.Ref})
		case engine.ReasonNotOwned:
			return newAPIError(http.StatusForbidden, engine.ReasonNotOwned, err.Error(), map[string]any{"ref": verr.Ref})
		case engine.ReasonTooMany:
			return newAPIError(http.StatusBadRequest, engine.ReasonTooMany, err.Error(), map[string]any{"max": verr.Max})
		default:
			return newAPIError(http.StatusBadRequest, verr.Reason, err.Error(), nil)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerOperations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Submit a bulk merge operation",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body OperationDetailResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{DeleteBranch: input.Body.DeleteBranch}
		if input.Body.Strategy != nil {
			opts.Strategy = *input.Body.Strategy
		}
		if input.Body.MergeDelayMS != nil {
			d := time.Duration(*input.Body.MergeDelayMS) * time.Millisecond
			opts.MergeDelay = &d
		}
		op, err := e.Submit(ctx, requesterID, input.Body.Targets, opts)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListItems(ctx, op.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationDetailResponse `json:"body"`
		}{Body: OperationDetailResponse{
			OperationResponse: operationResponse(op),
			Items:             mapItems(items),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get operation with per-item outcomes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OperationDetailResponse `json:"body"`
	}, error) {
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, items, err := e.GetOperation(ctx, requesterID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationDetailResponse `json:"body"`
		}{Body: OperationDetailResponse{
			OperationResponse: operationResponse(op),
			Items:             mapItems(items),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedOperations `json:"body"`
	}, error) {
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		ops, err := e.ListOperations(ctx, repo.OperationFilters{
			RequesterID:     requesterID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOperations{Items: []OperationResponse{}}
		if len(ops) > limit {
			resp.NextCursor = composeCursor(ops[limit].CreatedAt, ops[limit].ID)
			ops = ops[:limit]
		}
		resp.Items = mapOperations(ops)
		return &struct {
			Body paginatedOperations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operation-events",
		Method:      http.MethodGet,
		Path:        "/operations/{id}/events",
		Summary:     "Operation event log, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetOperationForRequester(ctx, input.ID, requesterID); err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			OperationID: input.ID,
			Type:        input.Type,
			Limit:       normalizeLimit(input.Limit),
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerPulls(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "track-pull-request",
		Method:        http.MethodPost,
		Path:          "/pulls",
		Summary:       "Track a pull request locally",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body TrackPullRequest `json:"body"`
	}) (*struct {
		Body PullRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state := input.Body.State
		if state == "" {
			state = "open"
		}
		pr := domain.PullRequest{
			Provider:   input.Body.Provider,
			Repository: input.Body.Repository,
			Number:     input.Body.Number,
			OwnerID:    requesterID,
			Title:      input.Body.Title,
			State:      state,
			UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertPullRequest(ctx, pr); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PullRequestResponse `json:"body"`
		}{Body: pullResponse(pr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pull-requests",
		Method:      http.MethodGet,
		Path:        "/pulls",
		Summary:     "List tracked pull requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
	}) (*struct {
		Body []PullRequestResponse `json:"body"`
	}, error) {
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pulls, err := e.Repo.ListPullRequests(ctx, requesterID, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PullRequestResponse, 0, len(pulls))
		for _, pr := range pulls {
			res = append(res, pullResponse(pr))
		}
		return &struct {
			Body []PullRequestResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerSettings(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Get saved merge defaults",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetUserSettings(ctx, requesterID)
		if errors.Is(err, repo.ErrNotFound) {
			// Unset settings read as the configured defaults.
			return &struct {
				Body SettingsResponse `json:"body"`
			}{Body: SettingsResponse{
				RequesterID:  requesterID,
				Strategy:     e.Config.Defaults.Strategy,
				DeleteBranch: e.Config.Defaults.DeleteBranch,
				MergeDelayMS: e.Config.Defaults.MergeDelay.Std().Milliseconds(),
			}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: SettingsResponse{
			RequesterID:  s.RequesterID,
			Strategy:     s.Strategy,
			DeleteBranch: s.DeleteBranch,
			MergeDelayMS: s.MergeDelayMS,
			UpdatedAt:    s.UpdatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Save merge defaults",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SettingsRequest `json:"body"`
	}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		requesterID, authErr := requesterFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s := domain.UserSettings{
			RequesterID:  requesterID,
			Strategy:     input.Body.Strategy,
			DeleteBranch: input.Body.DeleteBranch,
			MergeDelayMS: input.Body.MergeDelayMS,
			UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertUserSettings(ctx, s); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: SettingsResponse{
			RequesterID:  s.RequesterID,
			Strategy:     s.Strategy,
			DeleteBranch: s.DeleteBranch,
			MergeDelayMS: s.MergeDelayMS,
			UpdatedAt:    s.UpdatedAt,
		}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Mergeline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
