package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/logging"
	"riskline/internal/repo"
)

func TestOpenRoutesAndDelivers(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, config.Settings{Workspace: t.TempDir()}, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	for _, u := range []engine.UserOptions{
		{ID: "mgr", Role: "MANAGER"},
		{ID: "emp", Role: "EMPLOYEE", ManagerID: "mgr"},
		{ID: "ro", Role: "RISK_OFFICER"},
	} {
		if _, err := a.Engine.AddUser(ctx, u); err != nil {
			t.Fatalf("add user: %v", err)
		}
	}
	actor := domain.Actor{ID: "emp", Role: domain.RoleEmployee}
	inc, err := a.Engine.Create(ctx, actor, engine.CreateOptions{Type: "incident", Fields: engine.Fields{
		"title":             []byte(`"Card skimming"`),
		"description":       []byte(`"ATM skimmer found"`),
		"business_unit":     []byte(`3`),
		"discovered_at":     []byte(`"2024-02-01T08:00:00Z"`),
		"gross_loss_amount": []byte(`"2000000"`),
		"currency_code":     []byte(`"EUR"`),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Engine.Perform(ctx, actor, inc.ID, engine.PerformOptions{Action: "submit"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := a.Engine.Perform(ctx, domain.Actor{ID: "mgr", Role: domain.RoleManager}, inc.ID, engine.PerformOptions{Action: "review"}); err != nil {
		t.Fatalf("review: %v", err)
	}
	queued, err := a.Repo.ListNotifications(ctx, repo.NotificationFilter{EntityID: inc.ID, Status: domain.StatusQueued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) == 0 {
		t.Fatalf("large loss review should queue a routing notification")
	}

	stats, err := a.DeliverOnce(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if stats.Sent != len(queued) {
		t.Fatalf("expected %d sent, got %+v", len(queued), stats)
	}
}

func TestSchedulerUsesSettings(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, config.Settings{Workspace: t.TempDir(), SweepSchedule: "@every 1m"}, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	w, _, err := a.Worker()
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	s, err := a.Scheduler(ctx, w)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	s.Start(ctx)
	defer s.Stop()
	if _, ok := s.NextRun("overdue_sweep"); !ok {
		t.Fatalf("sweep should be scheduled")
	}
	if _, ok := s.NextRun("deliver"); ok {
		t.Fatalf("delivery without a schedule stays manual")
	}

	a.Settings.DeliverySchedule = "whenever"
	if _, err := a.Scheduler(ctx, w); err == nil {
		t.Fatalf("invalid schedule should fail")
	}
}

func TestOpenWithPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "riskline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	a, err := Open(context.Background(), config.Settings{Workspace: dir, PolicyFile: path}, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	snap, err := a.Policies.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version == 0 {
		t.Fatalf("file policies are versioned by modification time")
	}

	if _, err := Open(context.Background(), config.Settings{Workspace: dir, DBDriver: "oracle"}, logging.Discard()); err == nil {
		t.Fatalf("unknown driver should be rejected")
	}
}
