package routing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskline/internal/domain"
)

var fields = Fields{Amount: "gross_loss_amount", Classification: "basel_event_type", BusinessUnit: "business_unit"}

func int64p(n int64) *int64 { return &n }

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func entity(attrs domain.Attributes) *domain.Entity {
	return &domain.Entity{ID: "inc-1", Type: "incident", State: "PENDING_VALIDATION", Attrs: attrs}
}

func TestMinAmountBoundaryInclusive(t *testing.T) {
	p := Predicate{MinAmount: decp("1000000")}
	at := entity(domain.Attributes{"gross_loss_amount": domain.AmountValue(decimal.NewFromInt(1000000))})
	below := entity(domain.Attributes{"gross_loss_amount": domain.AmountValue(decimal.NewFromInt(999999))})
	if !p.Match(at, fields) {
		t.Fatalf("1,000,000 should match a 1,000,000 threshold")
	}
	if p.Match(below, fields) {
		t.Fatalf("999,999 should not match a 1,000,000 threshold")
	}
}

func TestMissingAmountCountsAsZero(t *testing.T) {
	if (Predicate{MinAmount: decp("1")}).Match(entity(nil), fields) {
		t.Fatalf("missing amount should not reach a positive threshold")
	}
	if !(Predicate{MinAmount: decp("0")}).Match(entity(nil), fields) {
		t.Fatalf("missing amount should satisfy a zero threshold")
	}
}

func TestEmptyPredicateIsVacuous(t *testing.T) {
	if !(Predicate{}).Match(entity(nil), fields) {
		t.Fatalf("empty predicate should match")
	}
}

func TestRouteByBusinessUnitAndClassification(t *testing.T) {
	cfg := Config{Fields: fields, Rules: []Rule{{
		ID:         "bu2-ev5",
		Predicate:  Predicate{BusinessUnit: int64p(2), Classification: int64p(5)},
		TargetRole: domain.RoleRiskOfficer,
		Priority:   1,
		Active:     true,
	}}}
	trig := Trigger{Action: "review", Version: 3, ActorID: "mgr", At: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	match := entity(domain.Attributes{"business_unit": domain.IntValue(2), "basel_event_type": domain.IntValue(5)})
	got := Route(match, cfg, trig)
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	n := got[0]
	if n.RecipientRole != domain.RoleRiskOfficer || n.RuleID != "bu2-ev5" || n.EventType != domain.EventRoutingNotify {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Status != domain.StatusQueued || n.DedupeKey != DedupeKey("inc-1", "bu2-ev5", 3) {
		t.Fatalf("unexpected status/key %+v", n)
	}

	other := entity(domain.Attributes{"business_unit": domain.IntValue(2), "basel_event_type": domain.IntValue(6)})
	if got := Route(other, cfg, trig); len(got) != 0 {
		t.Fatalf("expected no notifications, got %d", len(got))
	}
}

func TestAllMatchingRulesFireInPriorityOrder(t *testing.T) {
	cfg := Config{Fields: fields, Rules: []Rule{
		{ID: "b", Predicate: Predicate{MinAmount: decp("10")}, TargetRole: domain.RoleGroupORM, Priority: 5, Active: true},
		{ID: "a", Predicate: Predicate{BusinessUnit: int64p(2)}, TargetUnit: int64p(2), Priority: 5, Active: true},
		{ID: "first", Predicate: Predicate{}, TargetRole: domain.RoleRiskOfficer, Priority: 1, Active: true},
		{ID: "off", Predicate: Predicate{}, TargetRole: domain.RoleRiskOfficer, Priority: 0, Active: false},
	}}
	e := entity(domain.Attributes{"business_unit": domain.IntValue(2), "gross_loss_amount": domain.AmountValue(decimal.NewFromInt(50))})
	got := Route(e, cfg, Trigger{Version: 1})
	var ids []string
	for _, n := range got {
		ids = append(ids, n.RuleID)
	}
	if len(ids) != 3 || ids[0] != "first" || ids[1] != "a" || ids[2] != "b" {
		t.Fatalf("fired rules = %v", ids)
	}
	if got[1].RecipientUnit == nil || *got[1].RecipientUnit != 2 {
		t.Fatalf("unit target lost: %+v", got[1])
	}
}

func TestDedupeKeyDiffersPerTransition(t *testing.T) {
	if DedupeKey("e", "r", 1) == DedupeKey("e", "r", 2) {
		t.Fatalf("keys must differ across transitions")
	}
}
