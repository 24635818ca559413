package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"mergeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOperationTx(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO operations(id,requester_id,status,strategy,delete_branch,merge_delay_ms,total_count,success_count,failed_count,skipped_count,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.RequesterID, op.Status, op.Strategy, boolToInt(op.DeleteBranch), op.MergeDelayMS,
		op.TotalCount, op.SuccessCount, op.FailedCount, op.SkippedCount, op.CreatedAt, nullableStringPtr(op.CompletedAt))
	return err
}

const operationColumns = `id,requester_id,status,strategy,delete_branch,merge_delay_ms,total_count,success_count,failed_count,skipped_count,created_at,completed_at`

func scanOperation(scan func(dest ...any) error) (domain.Operation, error) {
	var op domain.Operation
	var deleteBranch int
	var completedAt sql.NullString
	err := scan(&op.ID, &op.RequesterID, &op.Status, &op.Strategy, &deleteBranch, &op.MergeDelayMS,
		&op.TotalCount, &op.SuccessCount, &op.FailedCount, &op.SkippedCount, &op.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	op.DeleteBranch = deleteBranch != 0
	if completedAt.Valid {
		op.CompletedAt = &completedAt.String
	}
	return op, nil
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id)
	return scanOperation(row.Scan)
}

// GetOperationForRequester hides operations owned by other requesters behind
// ErrNotFound, so callers cannot probe for foreign operation ids.
func (r Repo) GetOperationForRequester(ctx context.Context, id, requesterID string) (domain.Operation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=? AND requester_id=?`, id, requesterID)
	return scanOperation(row.Scan)
}

type OperationFilters struct {
	RequesterID     string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOperations(ctx context.Context, f OperationFilters) ([]domain.Operation, error) {
	clauses := []string{"requester_id=?"}
	args := []any{f.RequesterID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + operationColumns + ` FROM operations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// FinalizeOperation writes the terminal status and counts exactly once; a
// second call finds no in_progress row and reports ErrNotFound.
func (r Repo) FinalizeOperation(ctx context.Context, tx *sql.Tx, id, status string, success, failed, skipped int, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, success_count=?, failed_count=?, skipped_count=?, completed_at=? WHERE id=? AND status=?`,
		status, success, failed, skipped, completedAt, id, domain.OperationInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOperationFailed records a setup fault before any item ran. Same
// write-once guard as FinalizeOperation.
func (r Repo) MarkOperationFailed(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, completed_at=? WHERE id=? AND status=?`,
		domain.OperationFailed, completedAt, id, domain.OperationInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
