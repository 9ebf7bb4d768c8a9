package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"riskline/internal/domain"
)

const notificationColumns = `id,entity_type,entity_id,event_type,COALESCE(recipient_role,''),recipient_unit,COALESCE(recipient_user,''),COALESCE(rule_id,''),COALESCE(stage,''),dedupe_key,payload,COALESCE(triggered_by,''),created_at,due_at,status,attempts,last_error,sent_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var role, payload, createdAt, status string
	var unit sql.NullInt64
	var dueAt, sentAt sql.NullString
	err := row.Scan(&n.ID, &n.EntityType, &n.EntityID, &n.EventType, &role, &unit, &n.RecipientUser, &n.RuleID, &n.Stage,
		&n.DedupeKey, &payload, &n.TriggeredBy, &createdAt, &dueAt, &status, &n.Attempts, &n.LastError, &sentAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.RecipientRole = domain.Role(role)
	n.RecipientUnit = intPtr(unit)
	n.Status = domain.DeliveryStatus(status)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return n, fmt.Errorf("decode notification payload: %w", err)
		}
	}
	if n.CreatedAt, err = ParseTime(createdAt); err != nil {
		return n, err
	}
	if n.DueAt, err = parseNullTime(dueAt); err != nil {
		return n, err
	}
	n.SentAt, err = parseNullTime(sentAt)
	return n, err
}

// InsertNotification queues n unless a notification with the same dedupe key
// already exists. inserted reports whether a row was written.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (inserted bool, err error) {
	if n.Payload == nil {
		n.Payload = map[string]any{}
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return false, fmt.Errorf("encode notification payload: %w", err)
	}
	if n.Status == "" {
		n.Status = domain.StatusQueued
	}
	res, err := r.exec(ctx, `INSERT INTO notifications(id,entity_type,entity_id,event_type,recipient_role,recipient_unit,recipient_user,rule_id,stage,dedupe_key,payload,triggered_by,created_at,due_at,status,attempts,last_error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID, n.EntityType, n.EntityID, n.EventType, nullable(string(n.RecipientRole)), nullableInt(n.RecipientUnit), nullable(n.RecipientUser),
		nullable(n.RuleID), nullable(n.Stage), n.DedupeKey, string(payload), nullable(n.TriggeredBy), FormatTime(n.CreatedAt),
		formatTimePtr(n.DueAt), string(n.Status), n.Attempts, n.LastError)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type NotificationFilter struct {
	EntityID  string
	EventType string
	Status    domain.DeliveryStatus
	Limit     int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error) {
	var conds []string
	var args []any
	if f.EntityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// QueuedNotifications returns the oldest queued notifications.
func (r Repo) QueuedNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	return r.ListNotifications(ctx, NotificationFilter{Status: domain.StatusQueued, Limit: limit})
}

func (r Repo) MarkSent(ctx context.Context, id string, now time.Time) error {
	_, err := r.exec(ctx, `UPDATE notifications SET status=?,attempts=attempts+1,last_error='',sent_at=? WHERE id=? AND status=?`,
		string(domain.StatusSent), FormatTime(now), id, string(domain.StatusQueued))
	return err
}

// MarkAttempt records a failed delivery. The notification stays queued until
// it has used maxAttempts, then it is marked failed.
func (r Repo) MarkAttempt(ctx context.Context, id, lastErr string, maxAttempts int) error {
	_, err := r.exec(ctx, `UPDATE notifications SET attempts=attempts+1,last_error=?,
status=CASE WHEN attempts+1>=? THEN ? ELSE status END
WHERE id=? AND status=?`,
		lastErr, maxAttempts, string(domain.StatusFailed), id, string(domain.StatusQueued))
	return err
}

// CancelForEntity cancels every queued notification of an entity.
func (r Repo) CancelForEntity(ctx context.Context, entityID string) (int64, error) {
	res, err := r.exec(ctx, `UPDATE notifications SET status=? WHERE entity_id=? AND status=?`,
		string(domain.StatusCanceled), entityID, string(domain.StatusQueued))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
