package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/repo"
)

// Writer appends audit notes. Notes are only ever written inside the
// transaction that performs the change they describe.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Payload map[string]any

type Entry struct {
	EntityType string
	EntityID   string
	Kind       domain.NoteKind
	ActorID    string
	Action     string
	FromState  string
	ToState    string
	Body       string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.Note, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	now := w.Now().UTC()
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Note{}, fmt.Errorf("marshal note payload: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, w.Dialect.Rebind(`INSERT INTO entity_notes(entity_type,entity_id,kind,actor_id,action,from_state,to_state,body,payload,created_at) VALUES (?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		e.EntityType, e.EntityID, string(e.Kind), e.ActorID, e.Action, e.FromState, e.ToState, e.Body, string(data), repo.FormatTime(now)).Scan(&id)
	if err != nil {
		return domain.Note{}, fmt.Errorf("append %s note: %w", e.Kind, err)
	}
	return domain.Note{
		ID:         id,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Kind:       e.Kind,
		ActorID:    e.ActorID,
		Action:     e.Action,
		FromState:  e.FromState,
		ToState:    e.ToState,
		Body:       e.Body,
		Payload:    map[string]any(payload),
		CreatedAt:  now,
	}, nil
}
