package engine

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"mergeline/internal/config"
	"mergeline/internal/db"
	"mergeline/internal/domain"
	"mergeline/internal/gateway"
	"mergeline/internal/migrate"
	"mergeline/internal/repo"
)

// A store fault before any item runs must mark the operation failed, as
// opposed to item-level failures which still finish as completed.
func TestSetupFaultMarksOperationFailed(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default(), gateway.NewRegistry())
	e.Logger = log.New(io.Discard, "", 0)

	now := time.Now().UTC().Format(time.RFC3339)
	op := domain.Operation{
		ID:          "op-setup-fault",
		RequesterID: "u1",
		Status:      domain.OperationInProgress,
		Strategy:    domain.StrategyMerge,
		TotalCount:  1,
		CreatedAt:   now,
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.Repo.InsertOperationTx(context.Background(), tx, op); err != nil {
		t.Fatalf("insert operation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Break the item store so the run cannot load its batch.
	if _, err := conn.Exec(`DROP TABLE operation_items`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	e.run(context.Background(), op)

	got, err := e.Repo.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("reload operation: %v", err)
	}
	if got.Status != domain.OperationFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	evts, err := e.Repo.LatestEvents(context.Background(), repo.EventFilters{OperationID: op.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var failed bool
	for _, evt := range evts {
		if evt.Type == "operation.failed" {
			failed = true
		}
	}
	if !failed {
		t.Fatal("operation.failed event not recorded")
	}
}
