package repo

import (
	"context"
	"database/sql"

	"mergeline/internal/domain"
)

func (r Repo) UpsertPullRequest(ctx context.Context, pr domain.PullRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pull_requests(provider,repository,number,owner_id,title,state,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(provider,repository,number) DO UPDATE SET owner_id=excluded.owner_id, title=excluded.title, state=excluded.state, updated_at=excluded.updated_at`,
		pr.Provider, pr.Repository, pr.Number, pr.OwnerID, nullable(pr.Title), pr.State, pr.UpdatedAt)
	return err
}

func (r Repo) GetPullRequest(ctx context.Context, ref domain.TargetRef) (domain.PullRequest, error) {
	var pr domain.PullRequest
	var title sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT provider,repository,number,owner_id,title,state,updated_at FROM pull_requests WHERE provider=? AND repository=? AND number=?`,
		ref.Provider, ref.Repository, ref.Number).
		Scan(&pr.Provider, &pr.Repository, &pr.Number, &pr.OwnerID, &title, &pr.State, &pr.UpdatedAt)
	if err == sql.ErrNoRows {
		return pr, ErrNotFound
	}
	if err != nil {
		return pr, err
	}
	if title.Valid {
		pr.Title = title.String
	}
	return pr, nil
}

// SetPullRequestState is the local-state correction the preflight emits when
// the cache has drifted from remote reality.
func (r Repo) SetPullRequestState(ctx context.Context, ref domain.TargetRef, state, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE pull_requests SET state=?, updated_at=? WHERE provider=? AND repository=? AND number=?`,
		state, updatedAt, ref.Provider, ref.Repository, ref.Number)
	return err
}

func (r Repo) ListPullRequests(ctx context.Context, ownerID, state string) ([]domain.PullRequest, error) {
	query := `SELECT provider,repository,number,owner_id,title,state,updated_at FROM pull_requests WHERE owner_id=?`
	args := []any{ownerID}
	if state != "" {
		query += ` AND state=?`
		args = append(args, state)
	}
	query += ` ORDER BY provider, repository, number`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PullRequest
	for rows.Next() {
		var pr domain.PullRequest
		var title sql.NullString
		if err := rows.Scan(&pr.Provider, &pr.Repository, &pr.Number, &pr.OwnerID, &title, &pr.State, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		if title.Valid {
			pr.Title = title.String
		}
		res = append(res, pr)
	}
	return res, rows.Err()
}
