package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"riskline/internal/domain"
	"riskline/internal/events"
)

const (
	PermControlManage = "control:manage"
	PermPolicyRead    = "policy:read"
	PermPolicyImport  = "policy:import"
	PermUserRead      = "user:read"
	PermUserManage    = "user:manage"
	PermNotifications = "notification:read"
)

type ControlOptions struct {
	ID           string
	Title        string
	Description  string
	BusinessUnit *int64
	OwnerID      string
}

func (e Engine) CreateControl(ctx context.Context, actor domain.Actor, opts ControlOptions) (c domain.Control, err error) {
	start := time.Now()
	defer func() { e.observe("control:create", "control", c.ID, start, err) }()
	if err := checkActor(actor); err != nil {
		return domain.Control{}, err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return domain.Control{}, err
	}
	if err := e.requirePermission(snap, actor, PermControlManage); err != nil {
		return domain.Control{}, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Control{}, RequiredFieldsError{Missing: []string{"title"}}
	}
	now := e.now()
	c = domain.Control{
		ID:           opts.ID,
		Title:        strings.TrimSpace(opts.Title),
		Description:  opts.Description,
		BusinessUnit: opts.BusinessUnit,
		OwnerID:      opts.OwnerID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.ID == "" {
		c.ID = e.newID()
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return domain.Control{}, err
	}
	defer tx.Rollback()
	if err := r.InsertControl(ctx, c); err != nil {
		return domain.Control{}, err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: "control", EntityID: c.ID, Kind: domain.NoteControl, ActorID: actor.ID,
		Action: "create", Payload: events.Payload{"title": c.Title},
	}); err != nil {
		return domain.Control{}, err
	}
	return c, tx.Commit()
}

// ControlUpdate carries the fields to change; nil leaves a field as is.
type ControlUpdate struct {
	Title        *string
	Description  *string
	BusinessUnit *int64
	OwnerID      *string
	Active       *bool
}

// UpdateControl edits a library control. Deactivation is refused while any
// live entity relies on the control through a link kind that is required in
// the entity's current state.
func (e Engine) UpdateControl(ctx context.Context, actor domain.Actor, id string, upd ControlUpdate) (c domain.Control, err error) {
	start := time.Now()
	defer func() { e.observe("control:update", "control", id, start, err) }()
	if err := checkActor(actor); err != nil {
		return domain.Control{}, err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return domain.Control{}, err
	}
	if err := e.requirePermission(snap, actor, PermControlManage); err != nil {
		return domain.Control{}, err
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return domain.Control{}, err
	}
	defer tx.Rollback()
	c, err = r.GetControl(ctx, id)
	if err != nil {
		return domain.Control{}, err
	}
	changes := events.Payload{}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return c, RequiredFieldsError{Missing: []string{"title"}}
		}
		c.Title = title
		changes["title"] = title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
		changes["description"] = c.Description
	}
	if upd.BusinessUnit != nil {
		c.BusinessUnit = upd.BusinessUnit
		changes["business_unit"] = *upd.BusinessUnit
	}
	if upd.OwnerID != nil {
		c.OwnerID = *upd.OwnerID
		changes["owner_id"] = c.OwnerID
	}
	if upd.Active != nil && *upd.Active != c.Active {
		if !*upd.Active {
			for _, dep := range snap.ControlDependents() {
				n, err := r.CountLinkedInStates(ctx, c.ID, dep.EntityType, dep.Link, dep.States)
				if err != nil {
					return c, err
				}
				if n > 0 {
					return c, IntegrityConstraintError{
						Rule:    RuleControlInUse,
						Message: fmt.Sprintf("control %s is still linked to %d %s record(s) in %s", c.ID, n, dep.EntityType, strings.Join(dep.States, "/")),
					}
				}
			}
		}
		c.Active = *upd.Active
		changes["active"] = c.Active
	}
	if len(changes) == 0 {
		return c, tx.Commit()
	}
	c.UpdatedAt = e.now()
	if err := r.UpdateControl(ctx, c); err != nil {
		return c, err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: "control", EntityID: c.ID, Kind: domain.NoteControl, ActorID: actor.ID,
		Action: "update", Payload: events.Payload{"changes": changes},
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

func (e Engine) SetControlActive(ctx context.Context, actor domain.Actor, id string, active bool) (domain.Control, error) {
	return e.UpdateControl(ctx, actor, id, ControlUpdate{Active: &active})
}

func (e Engine) GetControl(ctx context.Context, id string) (domain.Control, error) {
	return e.Repo.GetControl(ctx, id)
}

func (e Engine) ListControls(ctx context.Context, activeOnly bool) ([]domain.Control, error) {
	return e.Repo.ListControls(ctx, activeOnly)
}
