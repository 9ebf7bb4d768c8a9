package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/migrate"
	"riskline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

func seedEntity(t *testing.T, r repo.Repo, id, state string) domain.Entity {
	t.Helper()
	e := domain.Entity{
		ID: id, Type: "incident", State: state, Version: 1, CreatedBy: "u-emp",
		Attrs: domain.Attributes{
			"title":  domain.TextValue("Printer fire"),
			"amount": domain.AmountValue(decimal.RequireFromString("1000000.50")),
			"closed": domain.BoolValue(false),
		},
		CreatedAt: t0, UpdatedAt: t0,
	}
	if err := r.InsertEntity(context.Background(), e); err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	return e
}

func TestEntityRoundTripKeepsTypedAttributes(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedEntity(t, r, "inc-1", "DRAFT")
	got, err := r.GetEntity(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	amt, ok := got.Lookup("amount")
	if !ok || amt.Kind != domain.KindAmount || !amt.Amount.Equal(decimal.RequireFromString("1000000.50")) {
		t.Fatalf("amount lost: %+v", amt)
	}
	if v, ok := got.Lookup("closed"); !ok || v.Bool {
		t.Fatalf("false bool should be stored as set: %+v %v", v, ok)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Fatalf("created_at: %v", got.CreatedAt)
	}
}

func TestUpdateEntityDetectsStaleVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := seedEntity(t, r, "inc-1", "DRAFT")
	e.State = "REVIEW"
	e.UpdatedAt = t0.Add(time.Hour)
	v, err := r.UpdateEntity(ctx, e)
	if err != nil || v != 2 {
		t.Fatalf("first update: v=%d err=%v", v, err)
	}
	// e still carries version 1
	if _, err := r.UpdateEntity(ctx, e); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSoftDeleteHidesEntityAndDeadlines(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedEntity(t, r, "inc-1", "DRAFT")
	if err := r.ReplaceDeadlines(ctx, "inc-1", map[string]time.Time{"draft": t0.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("deadlines: %v", err)
	}
	if err := r.SoftDelete(ctx, "inc-1", 1, "u-ro", t0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetEntity(ctx, "inc-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	overdue, err := r.OverdueDeadlines(ctx, t0.Add(48*time.Hour), 0)
	if err != nil || len(overdue) != 0 {
		t.Fatalf("deleted entity deadlines should be gone: %v %v", overdue, err)
	}
}

func TestOverdueDeadlinesBoundary(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedEntity(t, r, "inc-1", "DRAFT")
	due := t0.Add(7 * 24 * time.Hour)
	if err := r.ReplaceDeadlines(ctx, "inc-1", map[string]time.Time{"draft": due}); err != nil {
		t.Fatalf("deadlines: %v", err)
	}
	got, err := r.OverdueDeadlines(ctx, due, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("not overdue at the deadline itself: %v %v", got, err)
	}
	got, err = r.OverdueDeadlines(ctx, due.Add(time.Microsecond), 0)
	if err != nil || len(got) != 1 || got[0].Stage != "draft" || !got[0].DueAt.Equal(due) {
		t.Fatalf("just past the deadline: %+v %v", got, err)
	}
}

func TestRelationsResolveManagers(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	users := []domain.User{
		{ID: "u-mgr", Role: domain.RoleManager, CreatedAt: t0},
		{ID: "u-emp", Role: domain.RoleEmployee, ManagerID: "u-mgr", CreatedAt: t0},
	}
	for _, u := range users {
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	e := seedEntity(t, r, "inc-1", "DRAFT")
	e.Assignee = "u-mgr"
	rel, err := r.Relations(ctx, e)
	if err != nil {
		t.Fatalf("relations: %v", err)
	}
	if rel.CreatorManager != "u-mgr" || rel.AssigneeManager != "" {
		t.Fatalf("unexpected relations %+v", rel)
	}
}

func TestFindRiskOfficerPrefersUnit(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	one, two := int64(1), int64(2)
	for _, u := range []domain.User{
		{ID: "ro-a", Role: domain.RoleRiskOfficer, BusinessUnit: &one, CreatedAt: t0},
		{ID: "ro-b", Role: domain.RoleRiskOfficer, BusinessUnit: &two, CreatedAt: t0},
	} {
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	u, err := r.FindRiskOfficer(ctx, &two)
	if err != nil || u.ID != "ro-b" {
		t.Fatalf("expected ro-b, got %+v %v", u, err)
	}
	three := int64(3)
	u, err = r.FindRiskOfficer(ctx, &three)
	if err != nil || u.ID != "ro-a" {
		t.Fatalf("expected fallback ro-a, got %+v %v", u, err)
	}
}

func TestNotificationDedupe(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n := domain.Notification{
		ID: "n-1", EntityType: "incident", EntityID: "inc-1", EventType: domain.EventRoutingNotify,
		RecipientRole: domain.RoleGroupORM, DedupeKey: "route:inc-1:large-loss:3", CreatedAt: t0,
	}
	ok, err := r.InsertNotification(ctx, n)
	if err != nil || !ok {
		t.Fatalf("first insert: %v %v", ok, err)
	}
	n.ID = "n-2"
	ok, err = r.InsertNotification(ctx, n)
	if err != nil || ok {
		t.Fatalf("duplicate should be skipped: %v %v", ok, err)
	}
	list, err := r.ListNotifications(ctx, repo.NotificationFilter{EntityID: "inc-1"})
	if err != nil || len(list) != 1 || list[0].Status != domain.StatusQueued {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
}

func TestMarkAttemptFailsAfterMax(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n := domain.Notification{ID: "n-1", EntityType: "incident", EntityID: "inc-1", EventType: domain.EventCustom, DedupeKey: "k", CreatedAt: t0}
	if _, err := r.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.MarkAttempt(ctx, "n-1", "boom", 3); err != nil {
			t.Fatalf("attempt: %v", err)
		}
	}
	list, _ := r.ListNotifications(ctx, repo.NotificationFilter{})
	if list[0].Status != domain.StatusFailed || list[0].Attempts != 3 || list[0].LastError != "boom" {
		t.Fatalf("unexpected state %+v", list[0])
	}
}

func TestControlDependentsCount(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.InsertControl(ctx, domain.Control{ID: "ctl-1", Title: "Dual sign-off", Active: true, CreatedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("control: %v", err)
	}
	e := domain.Entity{ID: "risk-1", Type: "risk", State: "ACTIVE", Version: 1, CreatedBy: "u", CreatedAt: t0, UpdatedAt: t0}
	if err := r.InsertEntity(ctx, e); err != nil {
		t.Fatalf("entity: %v", err)
	}
	if err := r.InsertLink(ctx, domain.Link{EntityID: "risk-1", Name: "controls", TargetID: "ctl-1", CreatedBy: "u", CreatedAt: t0}); err != nil {
		t.Fatalf("link: %v", err)
	}
	n, err := r.CountLinkedInStates(ctx, "ctl-1", "risk", "controls", []string{"ACTIVE"})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 dependent, got %d %v", n, err)
	}
	n, _ = r.CountLinkedInStates(ctx, "ctl-1", "risk", "controls", []string{"RETIRED"})
	if n != 0 {
		t.Fatalf("expected 0 dependents, got %d", n)
	}
	if err := r.DeleteLink(ctx, "risk-1", "controls", "ctl-1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := r.DeleteLink(ctx, "risk-1", "controls", "ctl-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPolicyVersionsIncrease(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	v, doc, err := r.LatestPolicy(ctx)
	if err != nil || v != 0 || doc != nil {
		t.Fatalf("empty store: %d %v %v", v, doc, err)
	}
	for want := int64(1); want <= 2; want++ {
		got, err := r.SavePolicy(ctx, config.Default(), "u-orm", t0)
		if err != nil || got != want {
			t.Fatalf("save: got %d want %d err %v", got, want, err)
		}
	}
	v, doc, err = r.LatestPolicy(ctx)
	if err != nil || v != 2 || doc == nil || doc.Entities["incident"].Initial == "" {
		t.Fatalf("latest: %d %v", v, err)
	}
}
