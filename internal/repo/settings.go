package repo

import (
	"context"
	"database/sql"

	"mergeline/internal/domain"
)

// GetUserSettings returns a requester's saved defaults, or ErrNotFound when
// none have been stored yet.
func (r Repo) GetUserSettings(ctx context.Context, requesterID string) (domain.UserSettings, error) {
	var s domain.UserSettings
	var deleteBranch int
	err := r.DB.QueryRowContext(ctx, `SELECT requester_id,strategy,delete_branch,merge_delay_ms,updated_at FROM user_settings WHERE requester_id=?`, requesterID).
		Scan(&s.RequesterID, &s.Strategy, &deleteBranch, &s.MergeDelayMS, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.DeleteBranch = deleteBranch != 0
	return s, nil
}

func (r Repo) UpsertUserSettings(ctx context.Context, s domain.UserSettings) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_settings(requester_id,strategy,delete_branch,merge_delay_ms,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(requester_id) DO UPDATE SET strategy=excluded.strategy, delete_branch=excluded.delete_branch, merge_delay_ms=excluded.merge_delay_ms, updated_at=excluded.updated_at`,
		s.RequesterID, s.Strategy, boolToInt(s.DeleteBranch), s.MergeDelayMS, s.UpdatedAt)
	return err
}
