package repo

import (
	"context"
	"database/sql"

	"mergeline/internal/domain"
)

const itemColumns = `id,operation_id,position,provider,repository,number,status,error_message,merge_commit_id,merged_at,created_at,updated_at`

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO operation_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.OperationID, it.Position, it.Provider, it.Repository, it.Number, it.Status,
		nullable(it.ErrorMessage), nullableStringPtr(it.MergeCommitID), nullableStringPtr(it.MergedAt),
		it.CreatedAt, it.UpdatedAt)
	return err
}

func scanItem(scan func(dest ...any) error) (domain.Item, error) {
	var it domain.Item
	var errMsg, commitID, mergedAt sql.NullString
	err := scan(&it.ID, &it.OperationID, &it.Position, &it.Provider, &it.Repository, &it.Number,
		&it.Status, &errMsg, &commitID, &mergedAt, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if errMsg.Valid {
		it.ErrorMessage = errMsg.String
	}
	if commitID.Valid {
		it.MergeCommitID = &commitID.String
	}
	if mergedAt.Valid {
		it.MergedAt = &mergedAt.String
	}
	return it, nil
}

// ListItems returns an operation's items in submission order.
func (r Repo) ListItems(ctx context.Context, operationID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM operation_items WHERE operation_id=? ORDER BY position ASC`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// MarkItemSuccess records a merged item. Guarded on pending so a terminal
// item can never rewind.
func (r Repo) MarkItemSuccess(ctx context.Context, tx *sql.Tx, id, commitID, mergedAt, updatedAt string) error {
	return markItem(ctx, tx, `UPDATE operation_items SET status=?, merge_commit_id=?, merged_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.ItemSuccess, nullable(commitID), mergedAt, updatedAt, id, domain.ItemPending)
}

func (r Repo) MarkItemFailed(ctx context.Context, tx *sql.Tx, id, message, updatedAt string) error {
	return markItem(ctx, tx, `UPDATE operation_items SET status=?, error_message=?, updated_at=? WHERE id=? AND status=?`,
		domain.ItemFailed, message, updatedAt, id, domain.ItemPending)
}

func (r Repo) MarkItemSkipped(ctx context.Context, tx *sql.Tx, id, reason, updatedAt string) error {
	return markItem(ctx, tx, `UPDATE operation_items SET status=?, error_message=?, updated_at=? WHERE id=? AND status=?`,
		domain.ItemSkipped, reason, updatedAt, id, domain.ItemPending)
}

func markItem(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountItemStatuses tallies committed item rows for an operation.
func (r Repo) CountItemStatuses(ctx context.Context, operationID string) (map[string]int, error) {
	return countItemStatuses(ctx, r.DB.QueryContext, operationID)
}

// CountItemStatusesTx tallies inside a transaction so the finalizer sees its
// own pending-item corrections.
func (r Repo) CountItemStatusesTx(ctx context.Context, tx *sql.Tx, operationID string) (map[string]int, error) {
	return countItemStatuses(ctx, tx.QueryContext, operationID)
}

func countItemStatuses(ctx context.Context, queryFn func(context.Context, string, ...any) (*sql.Rows, error), operationID string) (map[string]int, error) {
	rows, err := queryFn(ctx, `SELECT status, count(*) FROM operation_items WHERE operation_id=? GROUP BY status`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// FailPendingItems marks any still-pending item failed. Used by the
// finalizer so lost mid-flight writes cannot break the count invariant.
func (r Repo) FailPendingItems(ctx context.Context, tx *sql.Tx, operationID, message, updatedAt string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE operation_items SET status=?, error_message=?, updated_at=? WHERE operation_id=? AND status=?`,
		domain.ItemFailed, message, updatedAt, operationID, domain.ItemPending)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
