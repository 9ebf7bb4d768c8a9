package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/policy"
	"riskline/internal/repo"
)

// Comment appends a comment note. Terminal entities accept no comments.
func (e Engine) Comment(ctx context.Context, actor domain.Actor, id, body string) (note domain.Note, err error) {
	start := time.Now()
	entityType := ""
	defer func() { e.observe("comment", entityType, id, start, err) }()
	if err := checkActor(actor); err != nil {
		return domain.Note{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Note{}, RequiredFieldsError{Missing: []string{"comment"}}
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return domain.Note{}, err
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return domain.Note{}, err
	}
	defer tx.Rollback()
	ent, rel, wf, err := loadForEdit(ctx, r, snap, id)
	if err != nil {
		return domain.Note{}, err
	}
	entityType = ent.Type
	if wf.IsTerminal(ent.State) {
		return domain.Note{}, PermissionError{ActorID: actor.ID, Action: "comment", Reason: "entity is in terminal state " + ent.State}
	}
	if !canParticipate(actor, rel) {
		return domain.Note{}, PermissionError{ActorID: actor.ID, Action: "comment", Reason: "actor is not a participant"}
	}
	note, err = w.Append(ctx, tx, events.Entry{
		EntityType: ent.Type, EntityID: ent.ID, Kind: domain.NoteComment, ActorID: actor.ID,
		FromState: ent.State, ToState: ent.State, Body: body,
	})
	if err != nil {
		return domain.Note{}, err
	}
	return note, tx.Commit()
}

type LinkOptions struct {
	Name     string
	TargetID string
	Comment  string
	// Version, when non-zero, must equal the stored version.
	Version int64
}

// Link relates an entity to another entity or to a library control. Both
// ends must be live and non-terminal, controls must be active, and a link
// exists at most once.
func (e Engine) Link(ctx context.Context, actor domain.Actor, id string, opts LinkOptions) (link domain.Link, err error) {
	start := time.Now()
	entityType := ""
	defer func() { e.observe("link", entityType, id, start, err) }()
	if err := checkActor(actor); err != nil {
		return domain.Link{}, err
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return domain.Link{}, err
	}
	tx, r, w, err := e.begin(ctx)
	if err != nil {
		return domain.Link{}, err
	}
	defer tx.Rollback()
	ent, rel, wf, err := loadForEdit(ctx, r, snap, id)
	if err != nil {
		return domain.Link{}, err
	}
	entityType = ent.Type
	lk, err := linkKind(wf, opts.Name)
	if err != nil {
		return domain.Link{}, err
	}
	if opts.Version != 0 && opts.Version != ent.Version {
		return domain.Link{}, repo.ErrConflict
	}
	if wf.IsTerminal(ent.State) {
		return domain.Link{}, IntegrityConstraintError{Rule: RuleLinkTerminal, Message: fmt.Sprintf("%s %s is in terminal state %s", ent.Type, ent.ID, ent.State)}
	}
	if !canParticipate(actor, rel) {
		return domain.Link{}, PermissionError{ActorID: actor.ID, Action: "link", Reason: "actor is not a participant"}
	}
	if err := checkLinkTarget(ctx, r, snap, lk, ent, opts.TargetID); err != nil {
		return domain.Link{}, err
	}
	exists, err := r.LinkExists(ctx, ent.ID, lk.Name, opts.TargetID)
	if err != nil {
		return domain.Link{}, err
	}
	if exists {
		return domain.Link{}, IntegrityConstraintError{Rule: RuleLinkDuplicate, Message: fmt.Sprintf("%s is already linked to %s via %s", ent.ID, opts.TargetID, lk.Name)}
	}
	now := e.now()
	link = domain.Link{EntityID: ent.ID, Name: lk.Name, TargetID: opts.TargetID, CreatedBy: actor.ID, Comment: strings.TrimSpace(opts.Comment), CreatedAt: now}
	if err := r.InsertLink(ctx, link); err != nil {
		return domain.Link{}, err
	}
	if _, err := r.TouchEntity(ctx, ent.ID, ent.Version, now); err != nil {
		return domain.Link{}, err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: ent.Type, EntityID: ent.ID, Kind: domain.NoteLink, ActorID: actor.ID,
		FromState: ent.State, ToState: ent.State, Body: link.Comment,
		Payload: events.Payload{"link": lk.Name, "target": opts.TargetID},
	}); err != nil {
		return domain.Link{}, err
	}
	return link, tx.Commit()
}

// Unlink removes a link. A link kind required in the entity's current state
// may not lose its last link.
func (e Engine) Unlink(ctx context.Context, actor domain.Actor, id string, opts LinkOptions) (err error) {
	start := time.Now()
	entityType := ""
	defer func() { e.observe("unlink", entityType, id, start, err) }()
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
	ent, rel, wf, err := loadForEdit(ctx, r, snap, id)
	if err != nil {
		return err
	}
	entityType = ent.Type
	lk, err := linkKind(wf, opts.Name)
	if err != nil {
		return err
	}
	if opts.Version != 0 && opts.Version != ent.Version {
		return repo.ErrConflict
	}
	if wf.IsTerminal(ent.State) {
		return IntegrityConstraintError{Rule: RuleLinkTerminal, Message: fmt.Sprintf("%s %s is in terminal state %s", ent.Type, ent.ID, ent.State)}
	}
	if !canParticipate(actor, rel) {
		return PermissionError{ActorID: actor.ID, Action: "unlink", Reason: "actor is not a participant"}
	}
	exists, err := r.LinkExists(ctx, ent.ID, lk.Name, opts.TargetID)
	if err != nil {
		return err
	}
	if !exists {
		return IntegrityConstraintError{Rule: RuleLinkMissing, Message: fmt.Sprintf("%s is not linked to %s via %s", ent.ID, opts.TargetID, lk.Name)}
	}
	if lk.RequiredIn[ent.State] {
		n, err := countRequiredLinks(ctx, r, lk, ent.ID)
		if err != nil {
			return err
		}
		counted := true
		if lk.Target == config.LinkTargetControl {
			c, err := r.GetControl(ctx, opts.TargetID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			counted = err == nil && c.Active
		}
		if counted && n <= 1 {
			return IntegrityConstraintError{
				Rule:    RuleLinkLastRequired,
				Message: fmt.Sprintf("%s %s must keep at least one %s link while %s", ent.Type, ent.ID, lk.Name, ent.State),
			}
		}
	}
	if err := r.DeleteLink(ctx, ent.ID, lk.Name, opts.TargetID); err != nil {
		return err
	}
	if _, err := r.TouchEntity(ctx, ent.ID, ent.Version, e.now()); err != nil {
		return err
	}
	if _, err := w.Append(ctx, tx, events.Entry{
		EntityType: ent.Type, EntityID: ent.ID, Kind: domain.NoteUnlink, ActorID: actor.ID,
		FromState: ent.State, ToState: ent.State, Body: strings.TrimSpace(opts.Comment),
		Payload: events.Payload{"link": lk.Name, "target": opts.TargetID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func loadForEdit(ctx context.Context, r repo.Repo, snap *policy.Snapshot, id string) (domain.Entity, domain.Relations, *policy.Workflow, error) {
	ent, err := r.GetEntity(ctx, id)
	if err != nil {
		return ent, domain.Relations{}, nil, err
	}
	wf, err := snap.Workflow(ent.Type)
	if err != nil {
		return ent, domain.Relations{}, nil, err
	}
	rel, err := r.Relations(ctx, ent)
	if err != nil {
		return ent, domain.Relations{}, nil, err
	}
	return ent, rel, wf, nil
}

func linkKind(wf *policy.Workflow, name string) (policy.LinkKind, error) {
	lk, ok := wf.Links[name]
	if !ok {
		return policy.LinkKind{}, InputError{Field: "link", Message: fmt.Sprintf("%s has no link kind %q", wf.Type, name)}
	}
	return lk, nil
}

func checkLinkTarget(ctx context.Context, r repo.Repo, snap *policy.Snapshot, lk policy.LinkKind, ent domain.Entity, targetID string) error {
	if targetID == "" {
		return InputError{Field: "target", Message: "target id is required"}
	}
	if targetID == ent.ID {
		return IntegrityConstraintError{Rule: RuleLinkSelf, Message: "an entity cannot link to itself"}
	}
	if lk.Target == config.LinkTargetControl {
		c, err := r.GetControl(ctx, targetID)
		if err != nil {
			return err
		}
		if !c.Active {
			return IntegrityConstraintError{Rule: RuleControlInactive, Message: fmt.Sprintf("control %s is inactive", c.ID)}
		}
		return nil
	}
	target, err := r.GetEntity(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Type != lk.Target {
		return IntegrityConstraintError{Rule: RuleLinkTargetType, Message: fmt.Sprintf("link %s expects a %s, got %s", lk.Name, lk.Target, target.Type)}
	}
	twf, err := snap.Workflow(target.Type)
	if err != nil {
		return err
	}
	if twf.IsTerminal(target.State) {
		return IntegrityConstraintError{Rule: RuleLinkTerminal, Message: fmt.Sprintf("%s %s is in terminal state %s", target.Type, target.ID, target.State)}
	}
	return nil
}

func sortedLinkNames(wf *policy.Workflow) []string {
	out := make([]string, 0, len(wf.Links))
	for name := range wf.Links {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
