package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/gateway"
	"mergeline/internal/repo"
)

// run executes an accepted operation. Repository groups run concurrently up
// to the engine-wide slot limit; items inside a group run sequentially in
// submission order. Item failures never abort the batch.
func (e *Engine) run(ctx context.Context, op domain.Operation) {
	// Reload from the store rather than trusting the in-memory batch: the
	// committed rows are the source of truth for what this operation runs.
	items, err := e.Repo.ListItems(ctx, op.ID)
	if err != nil {
		e.failOperation(ctx, op, fmt.Errorf("load items: %w", err))
		return
	}
	groups := groupByRepository(items)
	var g errgroup.Group
	for _, group := range groups {
		group := group
		g.Go(func() error {
			if err := e.groupSlots.Acquire(ctx, 1); err != nil {
				return err
			}
			defer e.groupSlots.Release(1)
			e.runGroup(ctx, op, group)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logf("operation %s: group worker aborted: %v", op.ID, err)
	}
	e.finalize(ctx, op)
}

// groupByRepository splits items into per-repository groups, ordered by the
// first appearance of each repository in the batch. Items keep submission
// order within their group.
func groupByRepository(items []domain.Item) [][]domain.Item {
	index := map[string]int{}
	var groups [][]domain.Item
	for _, it := range items {
		key := it.Ref().RepositoryKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], it)
	}
	return groups
}

// runGroup processes one repository's items in order, pausing for the
// operation's pacing delay after each merge attempt. Skipped items touched no
// provider, so they incur no delay.
func (e *Engine) runGroup(ctx context.Context, op domain.Operation, items []domain.Item) {
	delay := time.Duration(op.MergeDelayMS) * time.Millisecond
	for i, it := range items {
		attempted := e.processItem(ctx, op, it)
		if attempted && delay > 0 && i < len(items)-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// processItem preflights and merges one item, recording the outcome. It
// reports whether a merge was attempted against the provider.
func (e *Engine) processItem(ctx context.Context, op domain.Operation, it domain.Item) bool {
	client, err := e.Gateways.For(it.Provider)
	if err != nil {
		e.markFailed(ctx, op, it, err.Error())
		return false
	}

	proceed, reason, err := e.preflight(ctx, client, it)
	if err != nil {
		e.markFailed(ctx, op, it, "preflight: "+err.Error())
		return false
	}
	if !proceed {
		e.markSkipped(ctx, op, it, reason)
		return false
	}

	outcome, err := client.Merge(ctx, it.Repository, it.Number, op.Strategy, op.DeleteBranch)
	if err != nil {
		e.markFailed(ctx, op, it, err.Error())
		return true
	}
	e.markSuccess(ctx, op, it, outcome.CommitID)
	return true
}

// preflight decides whether to attempt the merge. A locally non-open pull
// request skips without a provider call; an open one is verified against the
// provider just before merging, and the local cache is corrected when the
// remote disagrees.
func (e *Engine) preflight(ctx context.Context, client gateway.Client, it domain.Item) (bool, string, error) {
	local, err := e.Repo.GetPullRequest(ctx, it.Ref())
	if err == nil && local.State != gateway.StateOpen {
		return false, "pull request is " + local.State, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, "", err
	}

	remote, err := client.FetchState(ctx, it.Repository, it.Number)
	if err != nil {
		return false, "", err
	}
	if remote != gateway.StateOpen {
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.SetPullRequestState(ctx, it.Ref(), remote, now); err != nil {
			e.logf("item %s: correct cached state: %v", it.Ref(), err)
		}
		return false, "pull request is " + remote, nil
	}
	return true, "", nil
}

func (e *Engine) markSuccess(ctx context.Context, op domain.Operation, it domain.Item, commitID string) {
	now := e.Now().UTC().Format(time.RFC3339)
	e.recordOutcome(ctx, op, it, func(tx *sql.Tx) error {
		if err := e.Repo.MarkItemSuccess(ctx, tx, it.ID, commitID, now, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "item.merged", op.ID, "item", it.ID, op.RequesterID, events.EventPayload{
			"ref":    it.Ref().String(),
			"commit": commitID,
		})
	})
	if err := e.Repo.SetPullRequestState(ctx, it.Ref(), gateway.StateMerged, now); err != nil {
		e.logf("item %s: update cached state: %v", it.Ref(), err)
	}
}

func (e *Engine) markFailed(ctx context.Context, op domain.Operation, it domain.Item, message string) {
	now := e.Now().UTC().Format(time.RFC3339)
	e.recordOutcome(ctx, op, it, func(tx *sql.Tx) error {
		if err := e.Repo.MarkItemFailed(ctx, tx, it.ID, message, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "item.failed", op.ID, "item", it.ID, op.RequesterID, events.EventPayload{
			"ref":   it.Ref().String(),
			"error": message,
		})
	})
}

func (e *Engine) markSkipped(ctx context.Context, op domain.Operation, it domain.Item, reason string) {
	now := e.Now().UTC().Format(time.RFC3339)
	e.recordOutcome(ctx, op, it, func(tx *sql.Tx) error {
		if err := e.Repo.MarkItemSkipped(ctx, tx, it.ID, reason, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "item.skipped", op.ID, "item", it.ID, op.RequesterID, events.EventPayload{
			"ref":    it.Ref().String(),
			"reason": reason,
		})
	})
}

// recordOutcome commits one item's terminal write, retrying once on a
// transient store fault. An item whose write never lands stays pending and is
// repaired by the finalizer.
func (e *Engine) recordOutcome(ctx context.Context, op domain.Operation, it domain.Item, write func(*sql.Tx) error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = e.inTx(ctx, write)
		if lastErr == nil {
			return
		}
		if errors.Is(lastErr, repo.ErrNotFound) {
			// Item already terminal; nothing to rewind.
			return
		}
	}
	e.logf("operation %s item %s: record outcome: %v", op.ID, it.Ref(), lastErr)
}

// failOperation records a setup fault that stopped the operation before any
// item ran. Distinct from item failures, which finish as Completed.
func (e *Engine) failOperation(ctx context.Context, op domain.Operation, cause error) {
	now := e.Now().UTC().Format(time.RFC3339)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.MarkOperationFailed(ctx, tx, op.ID, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "operation.failed", op.ID, "operation", op.ID, op.RequesterID, events.EventPayload{
			"error": cause.Error(),
		})
	})
	if err != nil {
		e.logf("operation %s: mark failed: %v (cause: %v)", op.ID, err, cause)
	}
}

// finalize repairs any items whose writes were lost, computes the terminal
// counts, and writes the operation's terminal row exactly once.
func (e *Engine) finalize(ctx context.Context, op domain.Operation) {
	now := e.Now().UTC().Format(time.RFC3339)
	write := func(tx *sql.Tx) error {
		repaired, err := e.Repo.FailPendingItems(ctx, tx, op.ID, "result not recorded", now)
		if err != nil {
			return err
		}
		counts, err := e.Repo.CountItemStatusesTx(ctx, tx, op.ID)
		if err != nil {
			return err
		}
		success := counts[domain.ItemSuccess]
		failed := counts[domain.ItemFailed]
		skipped := counts[domain.ItemSkipped]
		if err := e.Repo.FinalizeOperation(ctx, tx, op.ID, domain.OperationCompleted, success, failed, skipped, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "operation.completed", op.ID, "operation", op.ID, op.RequesterID, events.EventPayload{
			"success":  success,
			"failed":   failed,
			"skipped":  skipped,
			"repaired": repaired,
		})
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = e.inTx(ctx, write)
		if lastErr == nil || errors.Is(lastErr, repo.ErrNotFound) {
			return
		}
	}
	// The operation stays in_progress; an operator can re-run finalization
	// once the store recovers.
	e.logf("operation %s: finalize: %v", op.ID, lastErr)
}

func (e *Engine) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
