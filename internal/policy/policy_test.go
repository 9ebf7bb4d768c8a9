package policy

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"riskline/internal/config"
	"riskline/internal/domain"
)

func defaultSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := Compile(config.Default(), 1)
	if err != nil {
		t.Fatalf("compile default: %v", err)
	}
	return snap
}

func allRoles() []domain.Role {
	return []domain.Role{
		domain.RoleEmployee, domain.RoleManager, domain.RoleRiskOfficer, domain.RoleGroupORM,
		domain.RoleCreator, domain.RoleCreatorManager, domain.RoleAssignee, domain.RoleAssigneeManager,
	}
}

func TestValidateTransitionMatchesRuleTable(t *testing.T) {
	snap := defaultSnapshot(t)
	for _, et := range snap.EntityTypes() {
		wf, _ := snap.Workflow(et)
		for _, from := range wf.States() {
			for _, to := range wf.States() {
				for _, role := range allRoles() {
					roles, exists := wf.EdgeRoles(from.Name, to.Name)
					allowed := exists && roles.Has(role)
					err := snap.ValidateTransition(et, from.Name, to.Name, role)
					if allowed && err != nil {
						t.Fatalf("%s %s->%s as %s: unexpected error %v", et, from.Name, to.Name, role, err)
					}
					if !allowed {
						var ite InvalidTransitionError
						if !errors.As(err, &ite) {
							t.Fatalf("%s %s->%s as %s: expected InvalidTransitionError, got %v", et, from.Name, to.Name, role, err)
						}
						if ite.RoleDenied != exists {
							t.Fatalf("%s %s->%s as %s: RoleDenied=%v, edge exists=%v", et, from.Name, to.Name, role, ite.RoleDenied, exists)
						}
					}
				}
			}
		}
	}
}

func TestTerminalStatesHaveNoOutgoingRules(t *testing.T) {
	snap := defaultSnapshot(t)
	terminal := map[string][]string{
		"incident": {"CLOSED"},
		"risk":     {"RETIRED"},
		"measure":  {"COMPLETED", "CANCELLED"},
	}
	for et, states := range terminal {
		wf, _ := snap.Workflow(et)
		for _, s := range states {
			if !wf.IsTerminal(s) {
				t.Fatalf("%s %s should be terminal", et, s)
			}
			if len(wf.Outgoing(s)) != 0 {
				t.Fatalf("%s %s has outgoing rules", et, s)
			}
		}
	}
	wf, _ := snap.Workflow("risk")
	if wf.IsTerminal("ACTIVE") {
		t.Fatalf("ACTIVE risk must not be terminal")
	}
}

func TestActionResolvesPerState(t *testing.T) {
	snap := defaultSnapshot(t)
	wf, _ := snap.Workflow("risk")
	fromActive, err := wf.Action("ACTIVE", "retire")
	if err != nil || fromActive.From != "ACTIVE" || fromActive.To != "RETIRED" {
		t.Fatalf("retire from ACTIVE = %+v, %v", fromActive, err)
	}
	if _, err := wf.Action("DRAFT", "retire"); err == nil {
		t.Fatalf("retire should not be defined from DRAFT")
	}
}

func TestRulesSharingAnEdgeStayDistinct(t *testing.T) {
	doc := config.Default()
	et := doc.Entities["risk"]
	et.Transitions = append(et.Transitions, config.TransitionConfig{
		Action: "force_activate", From: "ASSESSED", To: "ACTIVE",
		Roles: []string{"GROUP_ORM"}, Reason: true, Note: "Forced",
	})
	doc.Entities["risk"] = et
	snap, err := Compile(doc, 2)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	wf, _ := snap.Workflow("risk")

	forced, err := wf.Action("ASSESSED", "force_activate")
	if err != nil {
		t.Fatalf("force_activate: %v", err)
	}
	if forced.Action != "force_activate" || !forced.Reason || forced.Note != "Forced" || len(forced.Guards) != 0 {
		t.Fatalf("force_activate resolved to %+v", forced)
	}
	approve, err := wf.Action("ASSESSED", "approve")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approve.Roles.Has(domain.RoleGroupORM) || !approve.Roles.Has(domain.RoleRiskOfficer) || len(approve.Guards) != 1 {
		t.Fatalf("approve rule changed: %+v", approve)
	}
	if approve.Allows(domain.NewRoleSet(domain.RoleGroupORM)) {
		t.Fatalf("approve must not admit GROUP_ORM")
	}
	for _, role := range []domain.Role{domain.RoleRiskOfficer, domain.RoleGroupORM} {
		if err := wf.ValidateTransition("ASSESSED", "ACTIVE", role); err != nil {
			t.Fatalf("edge should admit %s: %v", role, err)
		}
	}
	if n := len(wf.Outgoing("ASSESSED")); n != 4 {
		t.Fatalf("expected 4 outgoing rules from ASSESSED, got %d", n)
	}
}

func TestDuplicateActionIsRejected(t *testing.T) {
	doc := config.Default()
	et := doc.Entities["risk"]
	et.Transitions = append(et.Transitions, config.TransitionConfig{
		Action: "approve", From: "ASSESSED", To: "ACTIVE", Roles: []string{"GROUP_ORM"},
	})
	doc.Entities["risk"] = et
	if _, err := Compile(doc, 2); err == nil {
		t.Fatalf("expected duplicate action to be rejected")
	}
}

func TestMissingFieldsProperty(t *testing.T) {
	snap := defaultSnapshot(t)
	wf, _ := snap.Workflow("incident")
	required := wf.RequiredFields("PENDING_VALIDATION")
	isRequired := map[string]bool{}
	for _, f := range required {
		isRequired[f] = true
	}
	full := domain.Entity{Type: "incident", Attrs: domain.Attributes{}}
	for _, name := range wf.FieldNames() {
		switch wf.Fields[name] {
		case domain.KindInt:
			full.Set(name, domain.IntValue(0))
		case domain.KindBool:
			full.Set(name, domain.BoolValue(false))
		case domain.KindUser:
			full.Set(name, domain.UserValue("u"))
		case domain.KindTime:
			full.Set(name, domain.TimeValue(time.Unix(0, 0)))
		case domain.KindAmount:
			full.Set(name, domain.Value{Kind: domain.KindAmount})
		default:
			full.Set(name, domain.TextValue(""))
		}
	}
	if got := wf.MissingFields(&full, "PENDING_VALIDATION"); len(got) != 0 {
		t.Fatalf("zero values must satisfy requirements, missing %v", got)
	}

	rng := rand.New(rand.NewPCG(7, 11))
	names := wf.FieldNames()
	for i := 0; i < 500; i++ {
		e := full.Clone()
		intersects := false
		for _, name := range names {
			if rng.IntN(3) == 0 {
				e.Unset(name)
				if isRequired[name] {
					intersects = true
				}
			}
		}
		missing := wf.MissingFields(&e, "PENDING_VALIDATION")
		if (len(missing) > 0) != intersects {
			t.Fatalf("iteration %d: missing=%v intersects=%v", i, missing, intersects)
		}
		for _, m := range missing {
			if !isRequired[m] {
				t.Fatalf("reported non-required field %s", m)
			}
		}
	}
}

func TestRequiredFieldsAreExclusivePerState(t *testing.T) {
	snap := defaultSnapshot(t)
	wf, _ := snap.Workflow("incident")
	e := domain.Entity{Type: "incident", Attrs: domain.Attributes{
		"basel_event_type":  domain.IntValue(5),
		"gross_loss_amount": domain.Value{Kind: domain.KindAmount},
		"currency_code":     domain.TextValue("EUR"),
		"near_miss":         domain.BoolValue(false),
	}}
	// VALIDATED does not re-declare title/description.
	if got := wf.MissingFields(&e, "VALIDATED"); len(got) != 0 {
		t.Fatalf("unexpected missing %v", got)
	}
}

func TestEditableFieldsUnion(t *testing.T) {
	snap := defaultSnapshot(t)
	assigneeOnly, _ := snap.EditableFields("measure", "IN_PROGRESS", domain.NewRoleSet(domain.RoleAssignee, domain.RoleEmployee))
	if assigneeOnly.Has("deadline") || !assigneeOnly.Has("description") {
		t.Fatalf("assignee set = %v", assigneeOnly.Sorted())
	}
	both, _ := snap.EditableFields("measure", "IN_PROGRESS", domain.NewRoleSet(domain.RoleAssignee, domain.RoleRiskOfficer))
	for _, f := range []string{"description", "deadline", domain.FieldAssignee} {
		if !both.Has(f) {
			t.Fatalf("union missing %s: %v", f, both.Sorted())
		}
	}
	if rej := both.Rejected([]string{"title", "deadline"}); len(rej) != 1 || rej[0] != "title" {
		t.Fatalf("rejected = %v", rej)
	}
}

func TestEditableFieldsEmptyInTerminalState(t *testing.T) {
	snap := defaultSnapshot(t)
	for _, role := range allRoles() {
		got, _ := snap.EditableFields("risk", "RETIRED", domain.NewRoleSet(role))
		if len(got) != 0 {
			t.Fatalf("%s can edit %v in RETIRED", role, got.Sorted())
		}
	}
}

func TestControlDependents(t *testing.T) {
	deps := defaultSnapshot(t).ControlDependents()
	if len(deps) != 1 || deps[0].EntityType != "risk" || deps[0].Link != "controls" || deps[0].States[0] != "ACTIVE" {
		t.Fatalf("deps = %+v", deps)
	}
}

func TestCacheInvalidate(t *testing.T) {
	var version atomic.Int64
	src := SourceFunc(func(context.Context) (*Snapshot, error) {
		return Compile(config.Default(), version.Add(1))
	})
	c := NewCache(src)
	ctx := context.Background()
	a, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	b, _ := c.Snapshot(ctx)
	if a != b || c.Loads() != 1 {
		t.Fatalf("expected cached snapshot, loads=%d", c.Loads())
	}
	c.Invalidate()
	d, _ := c.Snapshot(ctx)
	if d.Version != 2 || c.Loads() != 2 {
		t.Fatalf("expected reload after invalidate, version=%d loads=%d", d.Version, c.Loads())
	}
}

type fakeStore struct {
	version int64
	doc     *config.Document
}

func (f fakeStore) LatestPolicy(context.Context) (int64, *config.Document, error) {
	return f.version, f.doc, nil
}

func TestStoreSourceFallback(t *testing.T) {
	snap, err := StoreSource{Store: fakeStore{}, Fallback: config.Default()}.Load(context.Background())
	if err != nil || snap.Version != 0 {
		t.Fatalf("fallback: %v %+v", err, snap)
	}
	if _, err := (StoreSource{Store: fakeStore{}}).Load(context.Background()); err == nil {
		t.Fatalf("expected error without fallback")
	}
	snap, err = StoreSource{Store: fakeStore{version: 4, doc: config.Default()}}.Load(context.Background())
	if err != nil || snap.Version != 4 {
		t.Fatalf("stored: %v %+v", err, snap)
	}
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "riskline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := NewCache(FileSource{Path: path})
	if _, err := c.Snapshot(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	changed := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := Watcher{Path: path, Debounce: 20 * time.Millisecond, OnChange: func(context.Context) error {
		c.Invalidate()
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	}}
	go w.Run(ctx)
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not fire")
	}
	if _, err := c.Snapshot(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if c.Loads() != 2 {
		t.Fatalf("expected a reload, loads=%d", c.Loads())
	}
}
