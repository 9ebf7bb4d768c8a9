package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"riskline/internal/domain"
)

// ListNotes returns the audit trail of an entity, oldest first. A positive
// after skips notes up to and including that id.
func (r Repo) ListNotes(ctx context.Context, entityID string, after int64, limit int) ([]domain.Note, error) {
	q := `SELECT id,entity_type,entity_id,kind,actor_id,action,from_state,to_state,body,payload,created_at FROM entity_notes WHERE entity_id=? AND id>? ORDER BY id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.query(ctx, q, entityID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Note
	for rows.Next() {
		var n domain.Note
		var kind, payload, createdAt string
		if err := rows.Scan(&n.ID, &n.EntityType, &n.EntityID, &kind, &n.ActorID, &n.Action, &n.FromState, &n.ToState, &n.Body, &payload, &createdAt); err != nil {
			return nil, err
		}
		n.Kind = domain.NoteKind(kind)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
				return nil, fmt.Errorf("decode note payload: %w", err)
			}
		}
		if n.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
