package repo

import (
	"context"
	"database/sql"
	"strings"

	"mergeline/internal/domain"
)

type EventFilters struct {
	OperationID string
	Type        string
	Limit       int
	Cursor      int64
}

// LatestEvents returns the newest events first, optionally scoped to one
// operation.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OperationID != "" {
		clauses = append(clauses, "operation_id=?")
		args = append(args, f.OperationID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,operation_id,entity_kind,entity_id,requester_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var operationID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &operationID, &e.EntityKind, &entityID, &e.RequesterID, &payload); err != nil {
			return nil, err
		}
		if operationID.Valid {
			e.OperationID = operationID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
