package policy

import (
	"fmt"
	"sort"

	"riskline/internal/domain"
)

// InvalidTransitionError reports a move with no matching transition rule.
// RoleDenied distinguishes "edge exists, role not listed" from "no edge".
type InvalidTransitionError struct {
	EntityType string
	From       string
	To         string
	Action     string
	Role       domain.Role
	RoleDenied bool
}

func (e InvalidTransitionError) Error() string {
	switch {
	case e.RoleDenied:
		return fmt.Sprintf("role %s is not authorized to move %s from %s to %s", e.Role, e.EntityType, e.From, e.To)
	case e.Action != "":
		return fmt.Sprintf("action %s is not defined for %s in state %s", e.Action, e.EntityType, e.From)
	default:
		return fmt.Sprintf("transition %s -> %s is not defined for %s", e.From, e.To, e.EntityType)
	}
}

// ValidateTransition succeeds only when some rule for (from, to) lists role
// among its authorized roles.
func (s *Snapshot) ValidateTransition(entityType, from, to string, role domain.Role) error {
	wf, err := s.Workflow(entityType)
	if err != nil {
		return InvalidTransitionError{EntityType: entityType, From: from, To: to, Role: role}
	}
	return wf.ValidateTransition(from, to, role)
}

func (w *Workflow) ValidateTransition(from, to string, role domain.Role) error {
	roles, ok := w.edges[[2]string{from, to}]
	if !ok {
		return InvalidTransitionError{EntityType: w.Type, From: from, To: to, Role: role}
	}
	if !roles.Has(role) {
		return InvalidTransitionError{EntityType: w.Type, From: from, To: to, Role: role, RoleDenied: true}
	}
	return nil
}

// EdgeRoles returns the roles of every rule for a (from, to) pair.
func (w *Workflow) EdgeRoles(from, to string) (domain.RoleSet, bool) {
	roles, ok := w.edges[[2]string{from, to}]
	if !ok {
		return nil, false
	}
	out := domain.NewRoleSet()
	for r := range roles {
		out.Add(r)
	}
	return out, true
}

// Action resolves an action name in the given state.
func (w *Workflow) Action(from, action string) (*Transition, error) {
	t, ok := w.actions[[2]string{from, action}]
	if !ok {
		return nil, InvalidTransitionError{EntityType: w.Type, From: from, Action: action}
	}
	return t, nil
}

// Outgoing lists the rules leaving a state ordered by action name.
func (w *Workflow) Outgoing(from string) []*Transition {
	var out []*Transition
	for key, t := range w.actions {
		if key[0] == from {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].To < out[j].To
	})
	return out
}

// Allows reports whether any of the effective roles is authorized.
func (t *Transition) Allows(roles domain.RoleSet) bool {
	return t.Roles.Intersects(roles)
}
