package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"riskline/internal/domain"
)

const entityColumns = `id,entity_type,state,version,created_by,COALESCE(assignee,''),attributes,created_at,updated_at,deleted_at,COALESCE(deleted_by,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var e domain.Entity
	var attrs, createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&e.ID, &e.Type, &e.State, &e.Version, &e.CreatedBy, &e.Assignee, &attrs, &createdAt, &updatedAt, &deletedAt, &e.DeletedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Attrs = domain.Attributes{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
			return e, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
		}
	}
	if e.CreatedAt, err = ParseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return e, err
	}
	if e.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return e, err
	}
	return e, nil
}

func encodeAttrs(a domain.Attributes) (string, error) {
	if a == nil {
		a = domain.Attributes{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertEntity(ctx context.Context, e domain.Entity) error {
	attrs, err := encodeAttrs(e.Attrs)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `INSERT INTO entities(id,entity_type,state,version,created_by,assignee,attributes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.State, e.Version, e.CreatedBy, nullable(e.Assignee), attrs, FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt))
	return err
}

// GetEntity loads a live entity together with its deadlines. Soft-deleted
// entities report ErrNotFound.
func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	e, err := scanEntity(r.queryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=? AND deleted_at IS NULL`, id))
	if err != nil {
		return e, err
	}
	e.Deadlines, err = r.Deadlines(ctx, id)
	return e, err
}

// UpdateEntity writes e if the stored version still equals e.Version and
// returns the bumped version. A concurrent writer yields ErrConflict.
func (r Repo) UpdateEntity(ctx context.Context, e domain.Entity) (int64, error) {
	attrs, err := encodeAttrs(e.Attrs)
	if err != nil {
		return 0, err
	}
	res, err := r.exec(ctx, `UPDATE entities SET state=?,version=version+1,assignee=?,attributes=?,updated_at=? WHERE id=? AND version=? AND deleted_at IS NULL`,
		e.State, nullable(e.Assignee), attrs, FormatTime(e.UpdatedAt), e.ID, e.Version)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return e.Version + 1, nil
}

// TouchEntity bumps the version without other changes. Link edits use it to
// serialize against each other.
func (r Repo) TouchEntity(ctx context.Context, id string, version int64, now time.Time) (int64, error) {
	res, err := r.exec(ctx, `UPDATE entities SET version=version+1,updated_at=? WHERE id=? AND version=? AND deleted_at IS NULL`,
		FormatTime(now), id, version)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return version + 1, nil
}

func (r Repo) SoftDelete(ctx context.Context, id string, version int64, actorID string, now time.Time) error {
	ts := FormatTime(now)
	res, err := r.exec(ctx, `UPDATE entities SET deleted_at=?,deleted_by=?,version=version+1,updated_at=? WHERE id=? AND version=? AND deleted_at IS NULL`,
		ts, actorID, ts, id, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	_, err = r.exec(ctx, `DELETE FROM entity_deadlines WHERE entity_id=?`, id)
	return err
}

type EntityFilter struct {
	Type      string
	State     string
	Assignee  string
	CreatedBy string
	Limit     int
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilter) ([]domain.Entity, error) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
	if f.Type != "" {
		conds = append(conds, "entity_type=?")
		args = append(args, f.Type)
	}
	if f.State != "" {
		conds = append(conds, "state=?")
		args = append(args, f.State)
	}
	if f.Assignee != "" {
		conds = append(conds, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.CreatedBy != "" {
		conds = append(conds, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	q := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) Deadlines(ctx context.Context, entityID string) (map[string]time.Time, error) {
	rows, err := r.query(ctx, `SELECT stage,due_at FROM entity_deadlines WHERE entity_id=?`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var stage, due string
		if err := rows.Scan(&stage, &due); err != nil {
			return nil, err
		}
		t, err := ParseTime(due)
		if err != nil {
			return nil, err
		}
		out[stage] = t
	}
	return out, rows.Err()
}

// ReplaceDeadlines makes the stored deadlines of an entity equal to dl.
func (r Repo) ReplaceDeadlines(ctx context.Context, entityID string, dl map[string]time.Time) error {
	if _, err := r.exec(ctx, `DELETE FROM entity_deadlines WHERE entity_id=?`, entityID); err != nil {
		return err
	}
	for stage, due := range dl {
		if _, err := r.exec(ctx, `INSERT INTO entity_deadlines(entity_id,stage,due_at) VALUES (?,?,?)`, entityID, stage, FormatTime(due)); err != nil {
			return err
		}
	}
	return nil
}

// Deadline is a pending stage deadline of a live entity.
type Deadline struct {
	EntityID   string
	EntityType string
	State      string
	Assignee   string
	Stage      string
	DueAt      time.Time
}

// OverdueDeadlines lists deadlines strictly before now, earliest first,
// skipping occurrences that already have a notification keyed
// overdue:<entity>:<stage>:<due_at>.
func (r Repo) OverdueDeadlines(ctx context.Context, now time.Time, limit int) ([]Deadline, error) {
	q := `SELECT d.entity_id,e.entity_type,e.state,COALESCE(e.assignee,''),d.stage,d.due_at
FROM entity_deadlines d JOIN entities e ON e.id=d.entity_id
WHERE e.deleted_at IS NULL AND d.due_at<?
AND NOT EXISTS (SELECT 1 FROM notifications n WHERE n.dedupe_key='overdue:'||d.entity_id||':'||d.stage||':'||d.due_at)
ORDER BY d.due_at, d.entity_id, d.stage`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.query(ctx, q, FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Deadline
	for rows.Next() {
		var d Deadline
		var due string
		if err := rows.Scan(&d.EntityID, &d.EntityType, &d.State, &d.Assignee, &d.Stage, &due); err != nil {
			return nil, err
		}
		if d.DueAt, err = ParseTime(due); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Relations resolves the creator and assignee of e along with their
// managers.
func (r Repo) Relations(ctx context.Context, e domain.Entity) (domain.Relations, error) {
	rel := domain.Relations{CreatedBy: e.CreatedBy, Assignee: e.Assignee}
	var err error
	if rel.CreatorManager, err = r.ManagerOf(ctx, e.CreatedBy); err != nil {
		return rel, err
	}
	if rel.AssigneeManager, err = r.ManagerOf(ctx, e.Assignee); err != nil {
		return rel, err
	}
	return rel, nil
}

// ManagerOf returns the manager id of a user, empty when unknown.
func (r Repo) ManagerOf(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	var mgr sql.NullString
	err := r.queryRow(ctx, `SELECT manager_id FROM users WHERE id=?`, userID).Scan(&mgr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return mgr.String, nil
}
