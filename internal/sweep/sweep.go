// Package sweep finds stage deadlines that have passed and queues one overdue
// notification per entity, stage and due time. It only reads the timers the
// gateway maintains; it never changes entity state.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"riskline/internal/domain"
	"riskline/internal/metrics"
	"riskline/internal/repo"
)

const defaultBatch = 500

type Sweeper struct {
	Repo    repo.Repo
	Batch   int
	Now     func() time.Time
	NewID   func() string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Result struct {
	Overdue int `json:"overdue"`
	Queued  int `json:"queued"`
}

// DedupeKey identifies one overdue occurrence. A reset timer has a new due
// time and therefore a new key. repo.OverdueDeadlines builds the same key in
// SQL to skip occurrences already queued.
func DedupeKey(entityID, stage string, due time.Time) string {
	return fmt.Sprintf("overdue:%s:%s:%s", entityID, stage, repo.FormatTime(due))
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Sweeper) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("component", "sweep")
	}
	return slog.Default().With("component", "sweep")
}

// RunOnce queues up to Batch notifications for deadlines strictly before
// now. Occurrences queued by an earlier sweep are not returned again, so
// repeated runs work through a backlog larger than one batch.
func (s Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	batch := s.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	now := s.now()
	due, err := s.Repo.OverdueDeadlines(ctx, now, batch)
	if err != nil {
		return res, err
	}
	res.Overdue = len(due)
	for _, d := range due {
		n := Notification(d, now)
		n.ID = s.newID()
		inserted, err := s.Repo.InsertNotification(ctx, n)
		if err != nil {
			return res, fmt.Errorf("queue overdue %s/%s: %w", d.EntityID, d.Stage, err)
		}
		if !inserted {
			continue
		}
		res.Queued++
		s.Metrics.Overdue(d.EntityType, d.Stage)
		s.Metrics.NotificationQueued(n.EventType)
	}
	if res.Queued > 0 {
		s.logger().Info("overdue sweep", "overdue", res.Overdue, "queued", res.Queued)
	} else {
		s.logger().Debug("overdue sweep", "overdue", res.Overdue)
	}
	return res, nil
}

// Notification builds the overdue record for d. The assignee is addressed
// directly; unassigned entities go to the risk function.
func Notification(d repo.Deadline, now time.Time) domain.Notification {
	dueAt := d.DueAt
	n := domain.Notification{
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		EventType:  domain.OverdueEvent(d.EntityType),
		Stage:      d.Stage,
		DedupeKey:  DedupeKey(d.EntityID, d.Stage, d.DueAt),
		CreatedAt:  now,
		DueAt:      &dueAt,
		Status:     domain.StatusQueued,
		Payload: map[string]any{
			"state":         d.State,
			"overdue_hours": int(now.Sub(d.DueAt).Hours()),
		},
	}
	if d.Assignee != "" {
		n.RecipientUser = d.Assignee
	} else {
		n.RecipientRole = domain.RoleRiskOfficer
	}
	return n
}
