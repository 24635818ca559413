package domain

import "fmt"

// Operation statuses.
const (
	OperationInProgress = "in_progress"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
)

// Item statuses. Pending is the only non-terminal one.
const (
	ItemPending = "pending"
	ItemSuccess = "success"
	ItemFailed  = "failed"
	ItemSkipped = "skipped"
)

// Merge strategies accepted across providers.
const (
	StrategyMerge  = "merge"
	StrategySquash = "squash"
	StrategyRebase = "rebase"
)

// TargetRef identifies one pull request: provider, repository, number.
type TargetRef struct {
	Provider   string `json:"provider" enum:"github,gitlab"`
	Repository string `json:"repository" example:"acme/billing"`
	Number     int    `json:"number" minimum:"1"`
}

// RepositoryKey is the grouping key for pacing: one worker per key.
func (r TargetRef) RepositoryKey() string {
	return r.Provider + "/" + r.Repository
}

func (r TargetRef) String() string {
	return fmt.Sprintf("%s:%s#%d", r.Provider, r.Repository, r.Number)
}

// PullRequest is the locally cached view of a remote pull request. The
// dashboard's pollers keep it fresh; the engine reconciles it against remote
// state during preflight and corrects it when they drift apart.
type PullRequest struct {
	Provider   string `json:"provider"`
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	OwnerID    string `json:"owner_id"`
	Title      string `json:"title,omitempty"`
	State      string `json:"state" enum:"open,closed,merged"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

func (p PullRequest) Ref() TargetRef {
	return TargetRef{Provider: p.Provider, Repository: p.Repository, Number: p.Number}
}

// Operation is one bulk-merge request and its lifecycle record. Counts stay
// zero while in progress and satisfy success+failed+skipped == total once the
// status is terminal.
type Operation struct {
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

// Item is one pull request's outcome within an operation. Position records
// submission order; items in the same repository are attempted in that order.
type Item struct {
	ID            string  `json:"id"`
	OperationID   string  `json:"operation_id"`
	Position      int     `json:"position"`
	Provider      string  `json:"provider"`
	Repository    string  `json:"repository"`
	Number        int     `json:"number"`
	Status        string  `json:"status" enum:"pending,success,failed,skipped"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	MergeCommitID *string `json:"merge_commit_id,omitempty"`
	MergedAt      *string `json:"merged_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

func (i Item) Ref() TargetRef {
	return TargetRef{Provider: i.Provider, Repository: i.Repository, Number: i.Number}
}

// UserSettings holds a requester's saved merge defaults, used whenever a
// submission omits an explicit value.
type UserSettings struct {
	RequesterID  string `json:"requester_id"`
	Strategy     string `json:"strategy" enum:"merge,squash,rebase"`
	DeleteBranch bool   `json:"delete_branch"`
	MergeDelayMS int64  `json:"merge_delay_ms"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID          string `json:"id"`
	RequesterID string `json:"requester_id"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"key_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	OperationID string `json:"operation_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	RequesterID string `json:"requester_id"`
	Payload     string `json:"payload_json"`
}
