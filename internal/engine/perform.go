package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/engine/auth"
	"riskline/internal/events"
	"riskline/internal/policy"
	"riskline/internal/repo"
	"riskline/internal/routing"
	"riskline/internal/sla"
)

type PerformOptions struct {
	Action string
	Reason string
	// Version, when non-zero, must equal the stored version.
	Version int64
}

// Result is a committed transition.
type Result struct {
	Entity        domain.Entity         `json:"entity"`
	From          string                `json:"from"`
	To            string                `json:"to"`
	Note          domain.Note           `json:"note"`
	Notifications []domain.Notification `json:"notifications,omitempty"`
}

// Perform executes one workflow action atomically: resolve the rule,
// authorize, check completeness and integrity, move the state, swap the SLA
// timers, apply side effects, append the audit note, and queue routing
// notifications. Any failure leaves the entity untouched.
func (e Engine) Perform(ctx context.Context, actor domain.Actor, id string, opts PerformOptions) (res Result, err error) {
	start := time.Now()
	entityType := ""
	defer func() { e.observe("perform:"+opts.Action, entityType, id, start, err) }()
	if err := checkActor(actor); err != nil {
		return Result{}, err
	}
	if opts.Action == "" {
		return Result{}, InputError{Field: "action", Message: "action is required"}
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	ent, err := r.GetEntity(ctx, id)
	if err != nil {
		return Result{}, err
	}
	entityType = ent.Type
	if opts.Version != 0 && opts.Version != ent.Version {
		return Result{}, repo.ErrConflict
	}
	wf, err := snap.Workflow(ent.Type)
	if err != nil {
		return Result{}, err
	}
	t, err := wf.Action(ent.State, opts.Action)
	if err != nil {
		return Result{}, withRole(err, actor.Role)
	}
	rel, err := r.Relations(ctx, ent)
	if err != nil {
		return Result{}, err
	}
	roles := auth.EffectiveRoles(actor, rel)
	if !t.Allows(roles) {
		return Result{}, PermissionError{ActorID: actor.ID, Action: opts.Action, Reason: "requires one of " + joinRoles(t.Roles)}
	}
	reason := strings.TrimSpace(opts.Reason)
	if t.Reason && reason == "" {
		return Result{}, RequiredFieldsError{State: t.To, Missing: []string{"reason"}}
	}
	if missing := wf.MissingFields(&ent, t.To); len(missing) > 0 {
		return Result{}, RequiredFieldsError{State: t.To, Missing: missing}
	}
	if err := checkGuards(&ent, t.Guards); err != nil {
		return Result{}, err
	}
	if err := checkRequiredLinks(ctx, r, wf, ent.ID, t.To); err != nil {
		return Result{}, err
	}

	now := e.now()
	next := ent.Clone()
	next.State = t.To
	next.UpdatedAt = now
	next.Deadlines = wf.Timers.OnEnterState(ent.Deadlines, wf.Stage(ent.State), wf.Stage(t.To), now)
	for _, f := range t.Record {
		switch wf.Fields[f] {
		case domain.KindUser:
			next.Set(f, domain.UserValue(actor.ID))
		case domain.KindTime:
			next.Set(f, domain.TimeValue(now))
		}
	}
	if t.ReasonField != "" && reason != "" {
		next.Set(t.ReasonField, domain.TextValue(reason))
	}
	if len(t.Assign) > 0 {
		assignee, ok, err := e.resolveAssignee(ctx, r, wf, &next, actor, rel, t.Assign)
		if err != nil {
			return Result{}, err
		}
		if ok {
			next.Assignee = assignee
		}
	}

	if next.Version, err = r.UpdateEntity(ctx, next); err != nil {
		return Result{}, err
	}
	if err := r.ReplaceDeadlines(ctx, next.ID, next.Deadlines); err != nil {
		return Result{}, err
	}
	payload := events.Payload{}
	if t.Note != "" {
		payload["label"] = t.Note
	}
	if next.Assignee != ent.Assignee {
		payload["assignee"] = next.Assignee
	}
	note, err := w.Append(ctx, tx, events.Entry{
		EntityType: next.Type, EntityID: next.ID, Kind: domain.NoteTransition, ActorID: actor.ID,
		Action: t.Action, FromState: ent.State, ToState: t.To, Body: reason, Payload: payload,
	})
	if err != nil {
		return Result{}, err
	}

	var queued []domain.Notification
	if t.Route {
		trig := routing.Trigger{Action: t.Action, Version: next.Version, ActorID: actor.ID, At: now}
		if _, due, ok := sla.Next(next.Deadlines); ok {
			trig.DueAt = &due
		}
		for _, n := range routing.Route(&next, wf.Routing, trig) {
			n.ID = e.newID()
			inserted, err := r.InsertNotification(ctx, n)
			if err != nil {
				return Result{}, fmt.Errorf("queue notification for rule %s: %w", n.RuleID, err)
			}
			if inserted {
				queued = append(queued, n)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	for _, n := range queued {
		e.Metrics.NotificationQueued(n.EventType)
	}
	return Result{Entity: next, From: ent.State, To: t.To, Note: note, Notifications: queued}, nil
}

func withRole(err error, role domain.Role) error {
	if it, ok := err.(InvalidTransitionError); ok {
		it.Role = role
		return it
	}
	return err
}

// checkGuards evaluates the transition guards. A guard whose inputs are
// unset is skipped; required fields cover completeness.
func checkGuards(ent *domain.Entity, guards []policy.Guard) error {
	for _, g := range guards {
		switch g.Kind {
		case config.GuardScoreCeiling:
			score, ok1 := product(ent, g.Score)
			ceiling, ok2 := product(ent, g.Ceiling)
			if !ok1 || !ok2 || score <= ceiling {
				continue
			}
			msg := g.Message
			if msg == "" {
				msg = fmt.Sprintf("%s x %s exceeds %s x %s", g.Score[0], g.Score[1], g.Ceiling[0], g.Ceiling[1])
			}
			return IntegrityConstraintError{Rule: RuleScoreCeiling, Message: fmt.Sprintf("%s (%d > %d)", msg, score, ceiling)}
		}
	}
	return nil
}

func product(ent *domain.Entity, fields [2]string) (int64, bool) {
	a, ok := ent.Lookup(fields[0])
	if !ok {
		return 0, false
	}
	b, ok := ent.Lookup(fields[1])
	if !ok {
		return 0, false
	}
	return a.Int * b.Int, true
}

// checkRequiredLinks fails when state needs at least one link of a kind the
// entity does not have.
func checkRequiredLinks(ctx context.Context, r repo.Repo, wf *policy.Workflow, entityID, state string) error {
	for _, name := range sortedLinkNames(wf) {
		lk := wf.Links[name]
		if !lk.RequiredIn[state] {
			continue
		}
		n, err := countRequiredLinks(ctx, r, lk, entityID)
		if err != nil {
			return err
		}
		if n == 0 {
			return IntegrityConstraintError{
				Rule:    RuleLinkRequired,
				Message: fmt.Sprintf("%s in state %s needs at least one %s link", wf.Type, state, lk.Name),
			}
		}
	}
	return nil
}

// countRequiredLinks counts the links that satisfy a required link kind.
// Links to deactivated controls do not count.
func countRequiredLinks(ctx context.Context, r repo.Repo, lk policy.LinkKind, entityID string) (int, error) {
	if lk.Target == config.LinkTargetControl {
		return r.CountActiveControlLinks(ctx, entityID, lk.Name)
	}
	return r.CountLinks(ctx, entityID, lk.Name)
}

// resolveAssignee walks the assign list and returns the first candidate that
// resolves to a user. "none" resolves to an empty assignee. ok is false when
// nothing resolved, which leaves the assignee unchanged.
func (e Engine) resolveAssignee(ctx context.Context, r repo.Repo, wf *policy.Workflow, ent *domain.Entity, actor domain.Actor, rel domain.Relations, keys []string) (string, bool, error) {
	for _, key := range keys {
		var candidate string
		switch key {
		case config.AssignNone:
			return "", true, nil
		case config.AssignActor:
			candidate = actor.ID
		case config.AssignActorManager:
			mgr, err := r.ManagerOf(ctx, actor.ID)
			if err != nil {
				return "", false, err
			}
			candidate = mgr
		case config.AssignCreator:
			candidate = ent.CreatedBy
		case config.AssignCreatorManager:
			candidate = rel.CreatorManager
		case config.AssignRiskOfficer:
			var unit *int64
			field := wf.Routing.Fields.BusinessUnit
			if field == "" {
				field = "business_unit"
			}
			if v, ok := ent.Lookup(field); ok && v.Kind == domain.KindInt {
				n := v.Int
				unit = &n
			}
			u, err := r.FindRiskOfficer(ctx, unit)
			if err != nil && !isNotFound(err) {
				return "", false, err
			}
			candidate = u.ID
		default:
			if v, ok := ent.Lookup(key); ok {
				candidate = v.Text
			}
		}
		if candidate != "" {
			return candidate, true, nil
		}
	}
	return "", false, nil
}
