package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"riskline/internal/domain"
	"riskline/internal/engine/auth"
	"riskline/internal/events"
	"riskline/internal/repo"
)

type CreateOptions struct {
	Type   string
	ID     string
	Fields Fields
}

// Create stores a new entity in its type's initial state and starts the
// initial stage timer. The creator may only set fields that are editable by
// CREATOR in the initial state.
func (e Engine) Create(ctx context.Context, actor domain.Actor, opts CreateOptions) (ent domain.Entity, err error) {
	start := time.Now()
	defer func() { e.observe("create", opts.Type, ent.ID, start, err) }()
	if err := checkActor(actor); err != nil {
		return domain.Entity{}, err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return domain.Entity{}, err
	}
	wf, err := workflowFor(snap, opts.Type)
	if err != nil {
		return domain.Entity{}, err
	}
	if !wf.CreateRoles.Has(actor.Role) {
		return domain.Entity{}, PermissionError{ActorID: actor.ID, Action: "create " + wf.Type, Reason: "role " + string(actor.Role) + " may not create"}
	}
	changes, err := decodeFields(wf, opts.Fields)
	if err != nil {
		return domain.Entity{}, err
	}
	roles := domain.NewRoleSet(actor.Role, domain.RoleCreator)
	if err := rejectNotEditable(actor, "create "+wf.Type, wf.EditableFields(wf.Initial, roles), changes); err != nil {
		return domain.Entity{}, err
	}

	now := e.now()
	ent = domain.Entity{
		ID:        opts.ID,
		Type:      wf.Type,
		State:     wf.Initial,
		Version:   1,
		CreatedBy: actor.ID,
		Attrs:     domain.Attributes{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ent.ID == "" {
		ent.ID = e.newID()
	}
	applyChanges(&ent, changes)
	if missing := wf.MissingFields(&ent, wf.Initial); len(missing) > 0 {
		return domain.Entity{}, RequiredFieldsError{State: wf.Initial, Missing: missing}
	}
	ent.Deadlines = wf.Timers.Start(wf.Stage(wf.Initial), now)

	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := r.InsertEntity(ctx, ent); err != nil {
		return domain.Entity{}, err
	}
	if err := r.ReplaceDeadlines(ctx, ent.ID, ent.Deadlines); err != nil {
		return domain.Entity{}, err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: ent.Type, EntityID: ent.ID, Kind: domain.NoteCreate, ActorID: actor.ID,
		ToState: ent.State, Payload: events.Payload{"fields": ent.Attrs.Plain()},
	}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Entity, error) {
	return e.Repo.GetEntity(ctx, id)
}

func (e Engine) List(ctx context.Context, f repo.EntityFilter) ([]domain.Entity, error) {
	return e.Repo.ListEntities(ctx, f)
}

type UpdateOptions struct {
	// Version, when non-zero, must equal the stored version.
	Version int64
	Fields  Fields
}

// Update writes attributes. Every requested field must be editable by the
// union of the actor's effective roles in the current state.
func (e Engine) Update(ctx context.Context, actor domain.Actor, id string, opts UpdateOptions) (ent domain.Entity, err error) {
	start := time.Now()
	defer func() { e.observe("update", ent.Type, id, start, err) }()
	if err := checkActor(actor); err != nil {
		return domain.Entity{}, err
	}
	if len(opts.Fields) == 0 {
		return domain.Entity{}, InputError{Field: "fields", Message: "no fields to update"}
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return domain.Entity{}, err
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	ent, err = r.GetEntity(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if opts.Version != 0 && opts.Version != ent.Version {
		return ent, repo.ErrConflict
	}
	wf, err := snap.Workflow(ent.Type)
	if err != nil {
		return ent, err
	}
	if wf.IsTerminal(ent.State) {
		return ent, PermissionError{ActorID: actor.ID, Action: "update", Reason: "entity is in terminal state " + ent.State}
	}
	rel, err := r.Relations(ctx, ent)
	if err != nil {
		return ent, err
	}
	changes, err := decodeFields(wf, opts.Fields)
	if err != nil {
		return ent, err
	}
	roles := auth.EffectiveRoles(actor, rel)
	if err := rejectNotEditable(actor, "update", wf.EditableFields(ent.State, roles), changes); err != nil {
		return ent, err
	}
	next := ent.Clone()
	diff := applyChanges(&next, changes)
	if len(diff) == 0 {
		return ent, tx.Commit()
	}
	next.UpdatedAt = e.now()
	if next.Version, err = r.UpdateEntity(ctx, next); err != nil {
		return ent, err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: next.Type, EntityID: next.ID, Kind: domain.NoteUpdate, ActorID: actor.ID,
		FromState: next.State, ToState: next.State, Payload: events.Payload{"changes": diff},
	}); err != nil {
		return ent, err
	}
	if err := tx.Commit(); err != nil {
		return ent, err
	}
	return next, nil
}

// Delete soft-deletes an entity where the workflow allows it, removes its
// deadlines and cancels its queued notifications.
func (e Engine) Delete(ctx context.Context, actor domain.Actor, id, reason string) (err error) {
	start := time.Now()
	entityType := ""
	defer func() { e.observe("delete", entityType, id, start, err) }()
	if err := checkActor(actor); err != nil {
		return err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ent, err := r.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	entityType = ent.Type
	wf, err := snap.Workflow(ent.Type)
	if err != nil {
		return err
	}
	if !wf.Delete.States[ent.State] {
		return PermissionError{ActorID: actor.ID, Action: "delete", Reason: "entities in state " + ent.State + " cannot be deleted"}
	}
	rel, err := r.Relations(ctx, ent)
	if err != nil {
		return err
	}
	if !wf.Delete.Roles.Intersects(auth.EffectiveRoles(actor, rel)) {
		return PermissionError{ActorID: actor.ID, Action: "delete", Reason: "requires one of " + joinRoles(wf.Delete.Roles)}
	}
	now := e.now()
	if err := r.SoftDelete(ctx, ent.ID, ent.Version, actor.ID, now); err != nil {
		return err
	}
	canceled, err := r.CancelForEntity(ctx, ent.ID)
	if err != nil {
		return err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: ent.Type, EntityID: ent.ID, Kind: domain.NoteDelete, ActorID: actor.ID,
		FromState: ent.State, Body: strings.TrimSpace(reason), Payload: events.Payload{"canceled_notifications": canceled},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActionHint describes one transition available to the actor.
type ActionHint struct {
	Action  string   `json:"action"`
	To      string   `json:"to"`
	Reason  bool     `json:"reason_required"`
	Missing []string `json:"missing_fields,omitempty"`
}

// EntityContext is the actor-specific view of an entity: what it may do and
// write right now.
type EntityContext struct {
	Entity     domain.Entity `json:"entity"`
	Terminal   bool          `json:"terminal"`
	Roles      []domain.Role `json:"roles"`
	Actions    []ActionHint  `json:"actions"`
	Editable   []string      `json:"editable_fields"`
	CanComment bool          `json:"can_comment"`
	CanDelete  bool          `json:"can_delete"`
	Links      []domain.Link `json:"links"`
}

func (e Engine) Context(ctx context.Context, actor domain.Actor, id string) (EntityContext, error) {
	if err := checkActor(actor); err != nil {
		return EntityContext{}, err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return EntityContext{}, err
	}
	ent, err := e.Repo.GetEntity(ctx, id)
	if err != nil {
		return EntityContext{}, err
	}
	wf, err := snap.Workflow(ent.Type)
	if err != nil {
		return EntityContext{}, err
	}
	rel, err := e.Repo.Relations(ctx, ent)
	if err != nil {
		return EntityContext{}, err
	}
	roles := auth.EffectiveRoles(actor, rel)
	out := EntityContext{
		Entity:   ent,
		Terminal: wf.IsTerminal(ent.State),
		Roles:    roles.Sorted(),
		Actions:  []ActionHint{},
		Editable: wf.EditableFields(ent.State, roles).Sorted(),
	}
	for _, t := range wf.Outgoing(ent.State) {
		if !t.Allows(roles) {
			continue
		}
		out.Actions = append(out.Actions, ActionHint{
			Action:  t.Action,
			To:      t.To,
			Reason:  t.Reason,
			Missing: wf.MissingFields(&ent, t.To),
		})
	}
	out.CanComment = !out.Terminal && canParticipate(actor, rel)
	out.CanDelete = wf.Delete.States[ent.State] && wf.Delete.Roles.Intersects(roles)
	if out.Links, err = e.Repo.ListLinks(ctx, ent.ID); err != nil {
		return EntityContext{}, err
	}
	return out, nil
}

// Notes returns the audit trail of a live entity.
func (e Engine) Notes(ctx context.Context, id string, after int64, limit int) ([]domain.Note, error) {
	if _, err := e.Repo.GetEntity(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListNotes(ctx, id, after, limit)
}

// canParticipate is the comment and link predicate: a contextual
// relationship to the entity, or a risk-function primary role.
func canParticipate(actor domain.Actor, rel domain.Relations) bool {
	if auth.IsParticipant(actor, rel) {
		return true
	}
	return actor.Role == domain.RoleRiskOfficer || actor.Role == domain.RoleGroupORM
}

func joinRoles(s domain.RoleSet) string {
	roles := s.Sorted()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

func isNotFound(err error) bool { return errors.Is(err, repo.ErrNotFound) }
