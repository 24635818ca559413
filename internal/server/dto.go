package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"mergeline/internal/domain"
)

// SubmitRequest starts a bulk merge operation.
type SubmitRequest struct {
	Targets      []domain.TargetRef `json:"targets"`
	Strategy     *string            `json:"strategy,omitempty" enum:"merge,squash,rebase"`
	DeleteBranch *bool              `json:"delete_branch,omitempty"`
	MergeDelayMS *int64             `json:"merge_delay_ms,omitempty" minimum:"0"`
}

type OperationResponse struct {
	ID           string  `json:"id"`
	RequesterID  string  `json:"requester_id"`
	Status       string  `json:"status" enum:"in_progress,completed,failed"`
	Strategy     string  `json:"strategy" enum:"merge,squash,rebase"`
	DeleteBranch bool    `json:"delete_branch"`
	MergeDelayMS int64   `json:"merge_delay_ms"`
	TotalCount   int     `json:"total_count"`
	SuccessCount int     `json:"success_count"`
	FailedCount  int     `json:"failed_count"`
	SkippedCount int     `json:"skipped_count"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type ItemResponse struct {
	ID            string  `json:"id"`
	Position      int     `json:"position"`
	Provider      string  `json:"provider"`
	Repository    string  `json:"repository"`
	Number        int     `json:"number"`
	Status        string  `json:"status" enum:"pending,success,failed,skipped"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	MergeCommitID *string `json:"merge_commit_id,omitempty"`
	MergedAt      *string `json:"merged_at,omitempty" format:"date-time"`
}

// OperationDetailResponse is an operation with its per-item outcomes.
type OperationDetailResponse struct {
	OperationResponse
	Items []ItemResponse `json:"items"`
}

type paginatedOperations struct {
	Items      []OperationResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type TrackPullRequest struct {
	Provider   string `json:"provider" enum:"github,gitlab"`
	Repository string `json:"repository" minLength:"1"`
	Number     int    `json:"number" minimum:"1"`
	Title      string `json:"title,omitempty"`
	State      string `json:"state,omitempty" enum:"open,closed,merged"`
}

type PullRequestResponse struct {
	Provider   string `json:"provider"`
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	OwnerID    string `json:"owner_id"`
	Title      string `json:"title,omitempty"`
	State      string `json:"state"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type SettingsRequest struct {
	Strategy     string `json:"strategy" enum:"merge,squash,rebase"`
	DeleteBranch bool   `json:"delete_branch"`
	MergeDelayMS int64  `json:"merge_delay_ms" minimum:"0"`
}

type SettingsResponse struct {
	RequesterID  string `json:"requester_id"`
	Strategy     string `json:"strategy"`
	DeleteBranch bool   `json:"delete_branch"`
	MergeDelayMS int64  `json:"merge_delay_ms"`
	UpdatedAt    string `json:"updated_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Type        string          `json:"type"`
	OperationID string          `json:"operation_id,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func operationResponse(op domain.Operation) OperationResponse {
	return OperationResponse{
		ID:           op.ID,
		RequesterID:  op.RequesterID,
		Status:       op.Status,
		Strategy:     op.Strategy,
		DeleteBranch: op.DeleteBranch,
		MergeDelayMS: op.MergeDelayMS,
		TotalCount:   op.TotalCount,
		SuccessCount: op.SuccessCount,
		FailedCount:  op.FailedCount,
		SkippedCount: op.SkippedCount,
		CreatedAt:    op.CreatedAt,
		CompletedAt:  op.CompletedAt,
	}
}

func itemResponse(it domain.Item) ItemResponse {
	return ItemResponse{
		ID:            it.ID,
		Position:      it.Position,
		Provider:      it.Provider,
		Repository:    it.Repository,
		Number:        it.Number,
		Status:        it.Status,
		ErrorMessage:  it.ErrorMessage,
		MergeCommitID: it.MergeCommitID,
		MergedAt:      it.MergedAt,
	}
}

func mapItems(items []domain.Item) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

func mapOperations(items []domain.Operation) []OperationResponse {
	res := make([]OperationResponse, 0, len(items))
	for _, op := range items {
		res = append(res, operationResponse(op))
	}
	return res
}

func pullResponse(pr domain.PullRequest) PullRequestResponse {
	return PullRequestResponse{
		Provider:   pr.Provider,
		Repository: pr.Repository,
		Number:     pr.Number,
		OwnerID:    pr.OwnerID,
		Title:      pr.Title,
		State:      pr.State,
		UpdatedAt:  pr.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		OperationID: e.OperationID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		Payload:     json.RawMessage(e.Payload),
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
