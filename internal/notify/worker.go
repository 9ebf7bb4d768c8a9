package notify

import (
	"context"
	"log/slog"
	"time"

	"riskline/internal/metrics"
	"riskline/internal/repo"
)

const (
	defaultBatch       = 100
	defaultMaxAttempts = 5
)

// Worker drains the notification queue through a Sender. Delivery never
// runs inside a gateway transaction.
type Worker struct {
	Repo        repo.Repo
	Sender      Sender
	Batch       int
	MaxAttempts int
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Stats struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

func (w Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger.With("component", "notify")
	}
	return slog.Default().With("component", "notify")
}

// RunOnce attempts every queued notification in the next batch. A failed
// send is recorded on the row and does not stop the batch.
func (w Worker) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	batch := w.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	queued, err := w.Repo.QueuedNotifications(ctx, batch)
	if err != nil {
		return st, err
	}
	name := w.Sender.Name()
	for _, n := range queued {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if sendErr := w.Sender.Send(ctx, n); sendErr != nil {
			if err := w.Repo.MarkAttempt(ctx, n.ID, sendErr.Error(), maxAttempts); err != nil {
				return st, err
			}
			if n.Attempts+1 >= maxAttempts {
				st.Failed++
				w.Metrics.Delivery(name, "failed")
				w.logger().Warn("delivery failed permanently", "id", n.ID, "attempts", n.Attempts+1, "error", sendErr)
			} else {
				st.Retried++
				w.Metrics.Delivery(name, "retry")
				w.logger().Debug("delivery failed", "id", n.ID, "attempts", n.Attempts+1, "error", sendErr)
			}
			continue
		}
		if err := w.Repo.MarkSent(ctx, n.ID, w.now()); err != nil {
			return st, err
		}
		st.Sent++
		w.Metrics.Delivery(name, "sent")
	}
	if len(queued) > 0 {
		w.logger().Info("delivery batch", "sender", name, "sent", st.Sent, "retried", st.Retried, "failed", st.Failed)
	}
	return st, nil
}

// Run polls the queue every interval until ctx is cancelled.
func (w Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger().Error("delivery run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
