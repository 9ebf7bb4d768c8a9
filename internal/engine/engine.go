package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/engine/auth"
	"riskline/internal/events"
	"riskline/internal/metrics"
	"riskline/internal/policy"
	"riskline/internal/repo"
)

// Engine is the gateway: the only component that writes entity state. Every
// operation runs in one transaction and either commits all of its effects or
// none.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Policies *policy.Cache
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string

	authz *authzCache
}

type authzCache struct {
	mu sync.Mutex
	a  *auth.Authorizer
}

func New(conn *sql.DB, dialect db.Dialect, policies *policy.Cache) Engine {
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Events:   events.Writer{Dialect: dialect},
		Policies: policies,
		Now:      time.Now,
		authz:    &authzCache{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) snapshot(ctx context.Context) (*policy.Snapshot, error) {
	if e.Policies == nil {
		return nil, errors.New("policy cache not configured")
	}
	return e.Policies.Snapshot(ctx)
}

// begin opens the operation transaction. Snapshot loads happen before it so
// a store-backed policy source never waits on the write lock.
func (e Engine) begin(ctx context.Context) (*sql.Tx, repo.Repo, events.Writer, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, repo.Repo{}, events.Writer{}, err
	}
	w := e.Events
	w.Now = e.now
	return tx, e.Repo.WithTx(tx), w, nil
}

func (e Engine) authorizer(snap *policy.Snapshot) (*auth.Authorizer, error) {
	if e.authz == nil {
		return auth.NewAuthorizer(snap.Permissions(), snap.Version)
	}
	e.authz.mu.Lock()
	defer e.authz.mu.Unlock()
	if e.authz.a != nil && e.authz.a.Version == snap.Version {
		return e.authz.a, nil
	}
	a, err := auth.NewAuthorizer(snap.Permissions(), snap.Version)
	if err != nil {
		return nil, err
	}
	e.authz.a = a
	return a, nil
}

// requirePermission checks an object:action grant of the actor's primary role.
func (e Engine) requirePermission(snap *policy.Snapshot, actor domain.Actor, permission string) error {
	a, err := e.authorizer(snap)
	if err != nil {
		return err
	}
	if err := a.Require(actor.Role, permission); err != nil {
		var fe auth.ForbiddenError
		if errors.As(err, &fe) {
			return PermissionError{ActorID: actor.ID, Action: permission, Reason: fmt.Sprintf("role %s lacks %s", actor.Role, permission)}
		}
		return err
	}
	return nil
}

func checkActor(actor domain.Actor) error {
	if actor.ID == "" {
		return InputError{Field: "actor", Message: "actor id is required"}
	}
	if !actor.Role.Primary() {
		return InputError{Field: "actor", Message: fmt.Sprintf("role %q is not a primary role", actor.Role)}
	}
	return nil
}

// observe logs and counts a finished operation.
func (e Engine) observe(op, entityType, entityID string, start time.Time, err error) {
	kind := ErrorKind(err)
	e.Metrics.ObserveOperation(entityType, op, kind, time.Since(start))
	log := e.logger().With("component", "gateway", "op", op, "entity_type", entityType, "entity_id", entityID)
	switch kind {
	case "ok":
		log.Debug("operation committed")
	case "error":
		log.Error("operation failed", "err", err)
	default:
		log.Warn("operation rejected", "kind", kind, "err", err)
	}
}

// workflowFor resolves the workflow of a type named by a caller.
func workflowFor(snap *policy.Snapshot, entityType string) (*policy.Workflow, error) {
	wf, err := snap.Workflow(entityType)
	if err != nil {
		return nil, InputError{Field: "type", Message: err.Error()}
	}
	return wf, nil
}
