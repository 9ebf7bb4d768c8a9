package engine

import (
	"encoding/json"
	"sort"
	"strings"

	"riskline/internal/domain"
	"riskline/internal/policy"
)

// Fields is a client-supplied attribute payload. A JSON null unsets a field.
type Fields map[string]json.RawMessage

type fieldChange struct {
	Name  string
	Value domain.Value
	Set   bool
}

// names returns the payload keys in a stable order.
func (f Fields) names() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// decodeFields types every payload value against the workflow's field
// catalog. Unknown fields and kind mismatches are input errors.
func decodeFields(wf *policy.Workflow, f Fields) ([]fieldChange, error) {
	out := make([]fieldChange, 0, len(f))
	for _, name := range f.names() {
		kind, ok := wf.Fields[name]
		if !ok {
			return nil, InputError{Field: name, Message: "unknown field for " + wf.Type}
		}
		v, set, err := domain.DecodeValue(kind, f[name])
		if err != nil {
			return nil, InputError{Field: name, Message: err.Error()}
		}
		// an empty user reference clears the relationship
		if set && kind == domain.KindUser && strings.TrimSpace(v.Text) == "" {
			set = false
		}
		out = append(out, fieldChange{Name: name, Value: v, Set: set})
	}
	return out, nil
}

// applyChanges writes the changes onto ent and returns the ones that
// actually differed, keyed by field, in client form (nil when unset).
func applyChanges(ent *domain.Entity, changes []fieldChange) map[string]any {
	diff := map[string]any{}
	for _, c := range changes {
		old, had := ent.Lookup(c.Name)
		switch {
		case !c.Set && had:
			ent.Unset(c.Name)
			diff[c.Name] = nil
		case c.Set && (!had || !old.Equal(c.Value)):
			ent.Set(c.Name, c.Value)
			diff[c.Name] = c.Value.Plain()
		}
	}
	return diff
}

// rejectNotEditable fails when any requested field is outside the editable
// set, whether or not its value would change.
func rejectNotEditable(actor domain.Actor, action string, editable policy.FieldSet, changes []fieldChange) error {
	names := make([]string, len(changes))
	for i, c := range changes {
		names[i] = c.Name
	}
	if rejected := editable.Rejected(names); len(rejected) > 0 {
		return PermissionError{ActorID: actor.ID, Action: action, Reason: "fields not editable: " + strings.Join(rejected, ", ")}
	}
	return nil
}
