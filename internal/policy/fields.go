package policy

import (
	"sort"

	"riskline/internal/domain"
)

// FieldSet is a concrete set of field names.
type FieldSet map[string]struct{}

func (s FieldSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s FieldSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// RequiredFields returns the fields a target state demands. Rules are
// exclusive per state: earlier states' requirements are not inherited.
func (w *Workflow) RequiredFields(target string) []string {
	return append([]string(nil), w.required[target]...)
}

// MissingFields lists the required fields of target that are unset on e.
// Zero numbers and false booleans count as set.
func (w *Workflow) MissingFields(e *domain.Entity, target string) []string {
	var missing []string
	for _, f := range w.required[target] {
		if _, ok := e.Lookup(f); !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func (s *Snapshot) MissingFields(e *domain.Entity, target string) ([]string, error) {
	wf, err := s.Workflow(e.Type)
	if err != nil {
		return nil, err
	}
	return wf.MissingFields(e, target), nil
}

// EditableFields is the union of the writable fields of every role in roles.
// Terminal states yield the empty set regardless of configuration.
func (w *Workflow) EditableFields(state string, roles domain.RoleSet) FieldSet {
	out := FieldSet{}
	if w.IsTerminal(state) {
		return out
	}
	byRole := w.editable[state]
	for r := range roles {
		for f := range byRole[r] {
			out[f] = struct{}{}
		}
	}
	return out
}

func (s *Snapshot) EditableFields(entityType, state string, roles domain.RoleSet) (FieldSet, error) {
	wf, err := s.Workflow(entityType)
	if err != nil {
		return nil, err
	}
	return wf.EditableFields(state, roles), nil
}

// Rejected returns the requested fields outside the editable set, sorted.
// A field is rejected even when the caller sends its current value.
func (s FieldSet) Rejected(requested []string) []string {
	var out []string
	for _, f := range requested {
		if !s.Has(f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
