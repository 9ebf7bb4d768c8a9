package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named background task run on a cron schedule. Standard five-field
// expressions and descriptors such as "@every 1m" are accepted.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs the overdue sweep and the delivery worker in process. A job
// still running when its next tick arrives is skipped.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	entries map[string]cron.EntryID
	running bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "scheduler"),
		entries: map[string]cron.EntryID{},
	}
}

// Add registers job. An empty schedule disables it.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Schedule == "" {
		s.logger.Info("job not scheduled", "job", job.Name)
		return nil
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", job.Name, "error", err)
			return
		}
		s.logger.Debug("job completed", "job", job.Name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	s.logger.Info("job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start runs the registered jobs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.cron.Start()
	s.running = true
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

// NextRun returns when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}
