package repo

import (
	"context"
	"strings"

	"riskline/internal/domain"
)

func (r Repo) InsertLink(ctx context.Context, l domain.Link) error {
	_, err := r.exec(ctx, `INSERT INTO entity_links(entity_id,link_name,target_id,created_by,comment,created_at) VALUES (?,?,?,?,?,?)`,
		l.EntityID, l.Name, l.TargetID, l.CreatedBy, l.Comment, FormatTime(l.CreatedAt))
	return err
}

// DeleteLink removes one link and reports ErrNotFound if it was absent.
func (r Repo) DeleteLink(ctx context.Context, entityID, name, targetID string) error {
	res, err := r.exec(ctx, `DELETE FROM entity_links WHERE entity_id=? AND link_name=? AND target_id=?`, entityID, name, targetID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LinkExists(ctx context.Context, entityID, name, targetID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM entity_links WHERE entity_id=? AND link_name=? AND target_id=?`, entityID, name, targetID).Scan(&n)
	return n > 0, err
}

func (r Repo) CountLinks(ctx context.Context, entityID, name string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM entity_links WHERE entity_id=? AND link_name=?`, entityID, name).Scan(&n)
	return n, err
}

// CountActiveControlLinks counts links named name from entityID whose
// target control is active.
func (r Repo) CountActiveControlLinks(ctx context.Context, entityID, name string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM entity_links l JOIN controls c ON c.id=l.target_id
WHERE l.entity_id=? AND l.link_name=? AND c.active=1`, entityID, name).Scan(&n)
	return n, err
}

func (r Repo) ListLinks(ctx context.Context, entityID string) ([]domain.Link, error) {
	rows, err := r.query(ctx, `SELECT entity_id,link_name,target_id,created_by,comment,created_at FROM entity_links WHERE entity_id=? ORDER BY link_name, target_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Link
	for rows.Next() {
		var l domain.Link
		var createdAt string
		if err := rows.Scan(&l.EntityID, &l.Name, &l.TargetID, &l.CreatedBy, &l.Comment, &createdAt); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLinkedInStates counts live entities of entityType that hold a link
// named linkName to targetID while in one of states.
func (r Repo) CountLinkedInStates(ctx context.Context, targetID, entityType, linkName string, states []string) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	args := []any{targetID, linkName, entityType}
	marks := make([]string, len(states))
	for i, s := range states {
		marks[i] = "?"
		args = append(args, s)
	}
	q := `SELECT COUNT(*) FROM entity_links l JOIN entities e ON e.id=l.entity_id
WHERE l.target_id=? AND l.link_name=? AND e.entity_type=? AND e.deleted_at IS NULL AND e.state IN (` + strings.Join(marks, ",") + `)`
	var n int
	err := r.queryRow(ctx, q, args...).Scan(&n)
	return n, err
}
