package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/policy"
	"riskline/internal/repo"
)

// Policy returns the active snapshot for an actor allowed to read it.
func (e Engine) Policy(ctx context.Context, actor domain.Actor) (*policy.Snapshot, error) {
	if err := e.requireActorPermission(ctx, actor, PermPolicyRead); err != nil {
		return nil, err
	}
	return e.snapshot(ctx)
}

// ImportPolicy validates doc, stores it as the next policy version and
// invalidates the snapshot cache.
func (e Engine) ImportPolicy(ctx context.Context, actor domain.Actor, doc *config.Document) (version int64, err error) {
	start := time.Now()
	defer func() { e.observe("policy:import", "policy", "", start, err) }()
	if err := checkActor(actor); err != nil {
		return 0, err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.requirePermission(snap, actor, PermPolicyImport); err != nil {
		return 0, err
	}
	return e.StorePolicy(ctx, actor.ID, doc)
}

// StorePolicy is the unchecked import used by the CLI bootstrap.
func (e Engine) StorePolicy(ctx context.Context, actorID string, doc *config.Document) (int64, error) {
	if doc == nil {
		return 0, InputError{Field: "policy", Message: "document is required"}
	}
	if err := doc.Validate(); err != nil {
		return 0, InputError{Field: "policy", Message: err.Error()}
	}
	if _, err := policy.Compile(doc, 0); err != nil {
		return 0, InputError{Field: "policy", Message: err.Error()}
	}
	tx, r, _, err := e.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	version, err := r.SavePolicy(ctx, doc, actorID, e.now())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.InvalidatePolicy()
	e.logger().Info("policy imported", "component", "gateway", "version", version, "actor", actorID)
	return version, nil
}

// InvalidatePolicy drops the cached snapshot.
func (e Engine) InvalidatePolicy() {
	if e.Policies != nil {
		e.Policies.Invalidate()
	}
	e.Metrics.PolicyInvalidated()
}

type UserOptions struct {
	ID           string
	Email        string
	Name         string
	Role         string
	ManagerID    string
	BusinessUnit *int64
}

// AddUser registers a directory entry. Only primary roles may be assigned.
func (e Engine) AddUser(ctx context.Context, opts UserOptions) (domain.User, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.User{}, RequiredFieldsError{Missing: []string{"id"}}
	}
	role, err := domain.ParseRole(opts.Role)
	if err != nil || !role.Primary() {
		return domain.User{}, InputError{Field: "role", Message: "expected one of EMPLOYEE, MANAGER, RISK_OFFICER, GROUP_ORM"}
	}
	if opts.ManagerID != "" {
		if opts.ManagerID == opts.ID {
			return domain.User{}, InputError{Field: "manager", Message: "a user cannot manage themselves"}
		}
		if _, err := e.Repo.GetUser(ctx, opts.ManagerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.User{}, InputError{Field: "manager", Message: "unknown manager " + opts.ManagerID}
			}
			return domain.User{}, err
		}
	}
	u := domain.User{
		ID:           strings.TrimSpace(opts.ID),
		Email:        opts.Email,
		Name:         opts.Name,
		Role:         role,
		ManagerID:    opts.ManagerID,
		BusinessUnit: opts.BusinessUnit,
		CreatedAt:    e.now(),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context, role domain.Role) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, role)
}

// RegisterUser is AddUser for an actor holding user:manage.
func (e Engine) RegisterUser(ctx context.Context, actor domain.Actor, opts UserOptions) (domain.User, error) {
	if err := e.requireActorPermission(ctx, actor, PermUserManage); err != nil {
		return domain.User{}, err
	}
	return e.AddUser(ctx, opts)
}

// Users lists the directory for an actor holding user:read.
func (e Engine) Users(ctx context.Context, actor domain.Actor, role domain.Role) ([]domain.User, error) {
	if err := e.requireActorPermission(ctx, actor, PermUserRead); err != nil {
		return nil, err
	}
	return e.Repo.ListUsers(ctx, role)
}

// ResolveActor turns a directory user into an actor.
func (e Engine) ResolveActor(ctx context.Context, userID string) (domain.Actor, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: u.ID, Role: u.Role}, nil
}

// Notifications lists queue entries.
func (e Engine) Notifications(ctx context.Context, f repo.NotificationFilter) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, f)
}

// Queue is Notifications for an actor holding notification:read.
func (e Engine) Queue(ctx context.Context, actor domain.Actor, f repo.NotificationFilter) ([]domain.Notification, error) {
	if err := e.requireActorPermission(ctx, actor, PermNotifications); err != nil {
		return nil, err
	}
	return e.Repo.ListNotifications(ctx, f)
}

func (e Engine) requireActorPermission(ctx context.Context, actor domain.Actor, perm string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	return e.requirePermission(snap, actor, perm)
}
