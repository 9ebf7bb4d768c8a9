// Package app wires the store, policy cache, gateway and background jobs
// from process settings.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/engine"
	"riskline/internal/metrics"
	"riskline/internal/migrate"
	"riskline/internal/notify"
	"riskline/internal/policy"
	"riskline/internal/repo"
	"riskline/internal/server"
	"riskline/internal/sweep"
)

type App struct {
	Settings config.Settings
	DB       *sql.DB
	Dialect  db.Dialect
	Repo     repo.Repo
	Policies *policy.Cache
	Engine   engine.Engine
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Open connects to the store, applies migrations and builds the gateway.
func Open(ctx context.Context, s config.Settings, logger *slog.Logger) (*App, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	dbCfg := db.Config{Driver: s.DBDriver, Workspace: s.Workspace, DSN: s.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	dialect := dbCfg.Dialect()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	var src policy.Source = policy.StoreSource{Store: r, Fallback: config.Default()}
	if s.PolicyFile != "" {
		src = policy.FileSource{Path: s.PolicyFile}
	}
	m := metrics.New()
	cache := policy.NewCache(src)
	e := engine.New(conn, dialect, cache)
	e.Metrics = m
	e.Logger = logger
	return &App{
		Settings: s,
		DB:       conn,
		Dialect:  dialect,
		Repo:     r,
		Policies: cache,
		Engine:   e,
		Metrics:  m,
		Logger:   logger,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func (a *App) Sweeper() sweep.Sweeper {
	return sweep.Sweeper{Repo: a.Repo, Metrics: a.Metrics, Logger: a.Logger}
}

// Worker builds the delivery worker for the configured sender. The returned
// closer releases broker connections and may be nil.
func (a *App) Worker() (notify.Worker, io.Closer, error) {
	sender, err := notify.NewSender(a.Settings.Sender, a.Logger)
	if err != nil {
		return notify.Worker{}, nil, err
	}
	w := notify.Worker{
		Repo:        a.Repo,
		Sender:      sender,
		Batch:       a.Settings.DeliveryBatch,
		MaxAttempts: a.Settings.MaxAttempts,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	}
	closer, _ := sender.(io.Closer)
	return w, closer, nil
}

// Scheduler registers the overdue sweep and the delivery job.
func (a *App) Scheduler(ctx context.Context, worker notify.Worker) (*sweep.Scheduler, error) {
	s := sweep.NewScheduler(a.Logger)
	sweeper := a.Sweeper()
	if err := s.Add(ctx, sweep.Job{
		Name:     "overdue_sweep",
		Schedule: a.Settings.SweepSchedule,
		Run: func(ctx context.Context) error {
			_, err := sweeper.RunOnce(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if err := s.Add(ctx, sweep.Job{
		Name:     "deliver",
		Schedule: a.Settings.DeliverySchedule,
		Run: func(ctx context.Context) error {
			_, err := worker.RunOnce(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler builds the HTTP API for the gateway.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Settings.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:        a.Settings.JWTSecret,
			AllowActorHeader: a.Settings.AllowActorHeader,
			Logger:           a.Logger,
		},
		Logger: a.Logger,
	})
}

// Serve runs the API, the scheduler and, with a policy file, the file
// watcher until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if a.Settings.JWTSecret == "" && !a.Settings.AllowActorHeader {
		return errors.New("either a jwt secret or the actor header must be enabled")
	}
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	worker, closer, err := a.Worker()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	sched, err := a.Scheduler(ctx, worker)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	if a.Settings.PolicyFile != "" {
		w := policy.Watcher{
			Path: a.Settings.PolicyFile,
			OnChange: func(ctx context.Context) error {
				if _, err := config.FromFile(a.Settings.PolicyFile); err != nil {
					return err
				}
				a.Engine.InvalidatePolicy()
				return nil
			},
			Logger: a.Logger,
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				a.Logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}
	addr := a.Settings.Addr
	if addr == "" {
		addr = ":8080"
	}
	return server.ListenAndServe(ctx, addr, handler, a.Logger)
}

// DeliverOnce drains one batch of the queue, for the CLI.
func (a *App) DeliverOnce(ctx context.Context) (notify.Stats, error) {
	w, closer, err := a.Worker()
	if err != nil {
		return notify.Stats{}, err
	}
	if closer != nil {
		defer closer.Close()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return w.RunOnce(ctx)
}
