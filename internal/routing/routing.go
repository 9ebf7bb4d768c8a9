// Package routing evaluates notification routing rules against an entity.
// Predicates are a closed set of comparisons combined with AND; every
// matching active rule fires.
package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"riskline/internal/domain"
)

// Predicate conditions left nil are vacuously satisfied.
type Predicate struct {
	MinAmount      *decimal.Decimal
	Classification *int64
	BusinessUnit   *int64
}

type Rule struct {
	ID          string
	Description string
	Predicate   Predicate
	TargetRole  domain.Role
	TargetUnit  *int64
	Priority    int
	Active      bool
}

// Fields designates which entity attributes the predicates read.
type Fields struct {
	Amount         string
	Classification string
	BusinessUnit   string
}

type Config struct {
	Fields Fields
	Rules  []Rule
}

// Trigger identifies the transition that caused routing. Version is the
// entity version written by that transition and makes the dedupe key stable
// across retries of the same step.
type Trigger struct {
	Action  string
	Version int64
	ActorID string
	At      time.Time
	DueAt   *time.Time
}

// Match evaluates the predicate. A missing amount counts as zero; a missing
// classification or business unit never matches a configured id.
func (p Predicate) Match(e *domain.Entity, f Fields) bool {
	if p.MinAmount != nil {
		amount := decimal.Zero
		if v, ok := e.Lookup(f.Amount); ok && v.Kind == domain.KindAmount {
			amount = v.Amount
		}
		if amount.LessThan(*p.MinAmount) {
			return false
		}
	}
	if p.Classification != nil && !intEquals(e, f.Classification, *p.Classification) {
		return false
	}
	if p.BusinessUnit != nil && !intEquals(e, f.BusinessUnit, *p.BusinessUnit) {
		return false
	}
	return true
}

func intEquals(e *domain.Entity, field string, want int64) bool {
	v, ok := e.Lookup(field)
	return ok && v.Kind == domain.KindInt && v.Int == want
}

// Ordered returns the active rules by ascending priority, then id.
func (c Config) Ordered() []Rule {
	out := make([]Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Route returns one ROUTING_NOTIFY record per matching rule. It has no side
// effects; the caller persists the records idempotently on DedupeKey.
func Route(e *domain.Entity, cfg Config, trig Trigger) []domain.Notification {
	var out []domain.Notification
	for _, rule := range cfg.Ordered() {
		if !rule.Predicate.Match(e, cfg.Fields) {
			continue
		}
		n := domain.Notification{
			EntityType:    e.Type,
			EntityID:      e.ID,
			EventType:     domain.EventRoutingNotify,
			RecipientRole: rule.TargetRole,
			RecipientUnit: rule.TargetUnit,
			RuleID:        rule.ID,
			DedupeKey:     DedupeKey(e.ID, rule.ID, trig.Version),
			TriggeredBy:   trig.ActorID,
			CreatedAt:     trig.At,
			DueAt:         trig.DueAt,
			Status:        domain.StatusQueued,
			Payload: map[string]any{
				"action":   trig.Action,
				"state":    e.State,
				"priority": rule.Priority,
			},
		}
		if rule.Description != "" {
			n.Payload["rule"] = rule.Description
		}
		if title, ok := e.Lookup("title"); ok {
			n.Payload["title"] = title.Text
		}
		out = append(out, n)
	}
	return out
}

func DedupeKey(entityID, ruleID string, version int64) string {
	return fmt.Sprintf("route:%s:%s:%d", entityID, ruleID, version)
}
