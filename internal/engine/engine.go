// Package engine orchestrates bulk merge operations: it validates and
// persists submissions, then drives per-repository workers that preflight,
// merge, and record every item until the operation reaches a terminal state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"mergeline/internal/config"
	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/gateway"
	"mergeline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Gateways *gateway.Registry
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time

	// groupSlots bounds concurrently running repository groups across all
	// operations, not per operation.
	groupSlots *semaphore.Weighted
	running    sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, gateways *gateway.Registry) *Engine {
	now := func() time.Time { return time.Now().UTC() }
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db, Now: now},
		Gateways:   gateways,
		Config:     cfg,
		Logger:     log.Default(),
		Now:        now,
		groupSlots: semaphore.NewWeighted(int64(cfg.Engine.MaxConcurrentGroups)),
	}
}

// Wait blocks until every in-flight operation has finalized. Serve uses it
// during shutdown; tests use it instead of polling.
func (e *Engine) Wait() {
	e.running.Wait()
}

// SubmitOptions carries per-submission overrides. Nil or empty fields fall
// back to the requester's saved settings, then the configured defaults.
type SubmitOptions struct {
	Strategy     string
	DeleteBranch *bool
	MergeDelay   *time.Duration
}

// Submit validates a batch, persists the operation with one pending item per
// target, and starts execution in the background. Validation is atomic: a
// rejected batch leaves no rows behind.
func (e *Engine) Submit(ctx context.Context, requesterID string, targets []domain.TargetRef, opts SubmitOptions) (domain.Operation, error) {
	if requesterID == "" {
		return domain.Operation{}, errors.New("requester id required")
	}
	targets = dedupeTargets(targets)
	if len(targets) == 0 {
		return domain.Operation{}, ValidationError{Reason: ReasonEmpty}
	}
	if max := e.Config.Engine.MaxBatch; len(targets) > max {
		return domain.Operation{}, ValidationError{Reason: ReasonTooMany, Max: max}
	}
	if opts.Strategy != "" {
		switch opts.Strategy {
		case domain.StrategyMerge, domain.StrategySquash, domain.StrategyRebase:
		default:
			return domain.Operation{}, ValidationError{Reason: ReasonBadStrategy, Ref: opts.Strategy}
		}
	}
	for _, ref := range targets {
		pr, err := e.Repo.GetPullRequest(ctx, ref)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Operation{}, ValidationError{Reason: ReasonNotFound, Ref: ref.String()}
		}
		if err != nil {
			return domain.Operation{}, fmt.Errorf("resolve %s: %w", ref, err)
		}
		if pr.OwnerID != requesterID {
			return domain.Operation{}, ValidationError{Reason: ReasonNotOwned, Ref: ref.String()}
		}
	}

	strategy, deleteBranch, delayMS, err := e.effectiveOptions(ctx, requesterID, opts)
	if err != nil {
		return domain.Operation{}, err
	}

	now := e.Now().UTC().Format(time.RFC3339)
	op := domain.Operation{
		ID:           uuid.NewString(),
		RequesterID:  requesterID,
		Status:       domain.OperationInProgress,
		Strategy:     strategy,
		DeleteBranch: deleteBranch,
		MergeDelayMS: delayMS,
		TotalCount:   len(targets),
		CreatedAt:    now,
	}
	items := make([]domain.Item, 0, len(targets))
	for i, ref := range targets {
		items = append(items, domain.Item{
			ID:          uuid.NewString(),
			OperationID: op.ID,
			Position:    i,
			Provider:    ref.Provider,
			Repository:  ref.Repository,
			Number:      ref.Number,
			Status:      domain.ItemPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOperationTx(ctx, tx, op); err != nil {
		return domain.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	for _, it := range items {
		if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
			return domain.Operation{}, fmt.Errorf("insert item %s: %w", it.Ref(), err)
		}
	}
	err = e.Events.Append(ctx, tx, "operation.submitted", op.ID, "operation", op.ID, requesterID, events.EventPayload{
		"total":    op.TotalCount,
		"strategy": op.Strategy,
	})
	if err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, err
	}

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		// Detached from the request context: an accepted operation runs
		// to completion even if the submitter disconnects.
		e.run(context.Background(), op)
	}()
	return op, nil
}

// effectiveOptions resolves strategy, branch deletion, and pacing delay with
// the precedence request > saved settings > configured defaults.
func (e *Engine) effectiveOptions(ctx context.Context, requesterID string, opts SubmitOptions) (string, bool, int64, error) {
	strategy := e.Config.Defaults.Strategy
	deleteBranch := e.Config.Defaults.DeleteBranch
	delay := e.Config.Defaults.MergeDelay.Std()

	saved, err := e.Repo.GetUserSettings(ctx, requesterID)
	switch {
	case err == nil:
		if saved.Strategy != "" {
			strategy = saved.Strategy
		}
		// A settings row applies wholesale: a saved delay of zero overrides
		// a nonzero configured default, same as delete_branch.
		deleteBranch = saved.DeleteBranch
		delay = time.Duration(saved.MergeDelayMS) * time.Millisecond
	case errors.Is(err, repo.ErrNotFound):
	default:
		return "", false, 0, fmt.Errorf("load settings: %w", err)
	}

	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	if opts.DeleteBranch != nil {
		deleteBranch = *opts.DeleteBranch
	}
	if opts.MergeDelay != nil {
		delay = *opts.MergeDelay
	}
	if delay < 0 {
		delay = 0
	}
	return strategy, deleteBranch, delay.Milliseconds(), nil
}

// dedupeTargets drops exact duplicate refs, keeping the first occurrence.
func dedupeTargets(targets []domain.TargetRef) []domain.TargetRef {
	seen := make(map[domain.TargetRef]bool, len(targets))
	out := targets[:0:0]
	for _, ref := range targets {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

// GetOperation returns an operation with its items, scoped to the requester.
func (e *Engine) GetOperation(ctx context.Context, requesterID, id string) (domain.Operation, []domain.Item, error) {
	op, err := e.Repo.GetOperationForRequester(ctx, id, requesterID)
	if err != nil {
		return domain.Operation{}, nil, err
	}
	items, err := e.Repo.ListItems(ctx, op.ID)
	if err != nil {
		return domain.Operation{}, nil, err
	}
	return op, items, nil
}

// ListOperations returns the requester's operations, newest first.
func (e *Engine) ListOperations(ctx context.Context, f repo.OperationFilters) ([]domain.Operation, error) {
	if f.RequesterID == "" {
		return nil, errors.New("requester id required")
	}
	return e.Repo.ListOperations(ctx, f)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
