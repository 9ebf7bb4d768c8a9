// Package policy compiles a policy document into an immutable, versioned
// snapshot and answers the pure lookups the gateway composes: transition
// validation, required fields, and field editability.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/routing"
	"riskline/internal/sla"
)

// Snapshot is read-only once compiled and safe for concurrent use.
type Snapshot struct {
	Version     int64
	Document    *config.Document
	workflows   map[string]*Workflow
	permissions map[domain.Role][]string
}

type State struct {
	Name     string
	Stage    string
	Terminal bool
}

type Transition struct {
	Action      string
	From        string
	To          string
	Roles       domain.RoleSet
	Assign      []string
	Record      []string
	Reason      bool
	ReasonField string
	Note        string
	Route       bool
	Guards      []Guard
}

type Guard struct {
	Kind    string
	Score   [2]string
	Ceiling [2]string
	Message string
}

type LinkKind struct {
	Name       string
	Target     string
	RequiredIn map[string]bool
}

type DeleteRule struct {
	States map[string]bool
	Roles  domain.RoleSet
}

// Workflow is the compiled state machine and field policy of one entity type.
type Workflow struct {
	Type        string
	Initial     string
	Fields      map[string]domain.FieldKind
	CreateRoles domain.RoleSet
	Delete      DeleteRule
	Timers      sla.Manager
	Routing     routing.Config
	Links       map[string]LinkKind

	states    map[string]State
	stateList []string
	edges     map[[2]string]domain.RoleSet
	actions   map[[2]string]*Transition
	required  map[string][]string
	editable  map[string]map[domain.Role]map[string]struct{}
}

// Compile builds a snapshot. The document must already be valid.
func Compile(doc *config.Document, version int64) (*Snapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Version:     version,
		Document:    doc,
		workflows:   make(map[string]*Workflow, len(doc.Entities)),
		permissions: make(map[domain.Role][]string, len(doc.Permissions)),
	}
	for role, perms := range doc.Permissions {
		r, _ := domain.ParseRole(role)
		snap.permissions[r] = append([]string(nil), perms...)
	}
	for name, et := range doc.Entities {
		wf, err := compileWorkflow(name, et)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", name, err)
		}
		snap.workflows[name] = wf
	}
	return snap, nil
}

func compileWorkflow(name string, et config.EntityConfig) (*Workflow, error) {
	wf := &Workflow{
		Type:        name,
		Initial:     et.Initial,
		Fields:      map[string]domain.FieldKind{domain.FieldAssignee: domain.KindUser},
		CreateRoles: roleSet(et.CreateRoles),
		Links:       map[string]LinkKind{},
		states:      map[string]State{},
		edges:       map[[2]string]domain.RoleSet{},
		actions:     map[[2]string]*Transition{},
		required:    map[string][]string{},
		editable:    map[string]map[domain.Role]map[string]struct{}{},
	}
	for _, f := range et.Fields {
		wf.Fields[f.Name] = domain.FieldKind(f.Kind)
	}

	timers := sla.Config{Durations: map[string]time.Duration{}, Phases: map[string]string{}}
	for _, s := range et.States {
		wf.states[s.Name] = State{Name: s.Name, Stage: s.Stage, Terminal: true}
		wf.stateList = append(wf.stateList, s.Name)
		if s.Stage != "" && s.Phase != "" {
			timers.Phases[s.Stage] = s.Phase
		}
	}
	for stage, c := range et.SLA {
		d, err := c.Parse()
		if err != nil {
			return nil, err
		}
		timers.Durations[stage] = d
	}
	wf.Timers = sla.New(timers)

	for _, tc := range et.Transitions {
		t := &Transition{
			Action:      tc.Action,
			From:        tc.From,
			To:          tc.To,
			Roles:       roleSet(tc.Roles),
			Assign:      append([]string(nil), tc.Assign...),
			Record:      append([]string(nil), tc.Record...),
			Reason:      tc.Reason,
			ReasonField: tc.ReasonField,
			Note:        tc.Note,
			Route:       tc.Route,
		}
		for _, g := range tc.Guards {
			t.Guards = append(t.Guards, Guard{
				Kind:    g.Kind,
				Score:   [2]string{g.Score[0], g.Score[1]},
				Ceiling: [2]string{g.Ceiling[0], g.Ceiling[1]},
				Message: g.Message,
			})
		}
		wf.actions[[2]string{t.From, t.Action}] = t
		// Rules sharing an edge keep their own roles; the edge holds the union.
		edge := [2]string{t.From, t.To}
		roles := wf.edges[edge]
		if roles == nil {
			roles = domain.NewRoleSet()
			wf.edges[edge] = roles
		}
		for r := range t.Roles {
			roles.Add(r)
		}
		st := wf.states[t.From]
		st.Terminal = false
		wf.states[t.From] = st
	}

	for state, fields := range et.Required {
		wf.required[state] = append([]string(nil), fields...)
	}
	for state, byRole := range et.Editable {
		m := map[domain.Role]map[string]struct{}{}
		for role, fields := range byRole {
			r, _ := domain.ParseRole(role)
			set := m[r]
			if set == nil {
				set = map[string]struct{}{}
				m[r] = set
			}
			for _, f := range fields {
				set[f] = struct{}{}
			}
		}
		wf.editable[state] = m
	}
	if et.Delete != nil {
		wf.Delete = DeleteRule{States: map[string]bool{}, Roles: roleSet(et.Delete.Roles)}
		for _, s := range et.Delete.States {
			wf.Delete.States[s] = true
		}
	}

	rc := routing.Config{Fields: routing.Fields{
		Amount:         et.Routing.Fields.Amount,
		Classification: et.Routing.Fields.Classification,
		BusinessUnit:   et.Routing.Fields.BusinessUnit,
	}}
	for _, r := range et.Routing.Rules {
		rule := routing.Rule{
			ID:          r.ID,
			Description: r.Description,
			TargetUnit:  r.TargetUnit,
			Priority:    r.Priority,
			Active:      r.IsActive(),
			Predicate: routing.Predicate{
				Classification: r.Classification,
				BusinessUnit:   r.BusinessUnit,
			},
		}
		if r.TargetRole != "" {
			rule.TargetRole, _ = domain.ParseRole(r.TargetRole)
		}
		if r.MinAmount != "" {
			d, err := decimal.NewFromString(r.MinAmount)
			if err != nil {
				return nil, err
			}
			rule.Predicate.MinAmount = &d
		}
		rc.Rules = append(rc.Rules, rule)
	}
	wf.Routing = rc

	for _, l := range et.Links {
		lk := LinkKind{Name: l.Name, Target: l.Target, RequiredIn: map[string]bool{}}
		for _, s := range l.RequiredIn {
			lk.RequiredIn[s] = true
		}
		wf.Links[l.Name] = lk
	}
	return wf, nil
}

func roleSet(names []string) domain.RoleSet {
	s := domain.NewRoleSet()
	for _, n := range names {
		if r, err := domain.ParseRole(n); err == nil {
			s.Add(r)
		}
	}
	return s
}

// UnknownEntityTypeError is returned for types the snapshot does not define.
type UnknownEntityTypeError struct {
	EntityType string
}

func (e UnknownEntityTypeError) Error() string {
	return fmt.Sprintf("unknown entity type %q", e.EntityType)
}

func (s *Snapshot) Workflow(entityType string) (*Workflow, error) {
	wf, ok := s.workflows[entityType]
	if !ok {
		return nil, UnknownEntityTypeError{EntityType: entityType}
	}
	return wf, nil
}

func (s *Snapshot) EntityTypes() []string {
	out := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the object:action grants of each primary role.
func (s *Snapshot) Permissions() map[domain.Role][]string {
	out := make(map[domain.Role][]string, len(s.permissions))
	for r, p := range s.permissions {
		out[r] = append([]string(nil), p...)
	}
	return out
}

// ControlDependents lists, per entity type, the control link kinds that must
// stay populated in some states.
func (s *Snapshot) ControlDependents() []ControlDependency {
	var out []ControlDependency
	for _, name := range s.EntityTypes() {
		wf := s.workflows[name]
		for _, lk := range wf.sortedLinks() {
			if lk.Target != config.LinkTargetControl || len(lk.RequiredIn) == 0 {
				continue
			}
			dep := ControlDependency{EntityType: name, Link: lk.Name}
			for st := range lk.RequiredIn {
				dep.States = append(dep.States, st)
			}
			sort.Strings(dep.States)
			out = append(out, dep)
		}
	}
	return out
}

type ControlDependency struct {
	EntityType string
	Link       string
	States     []string
}

func (w *Workflow) sortedLinks() []LinkKind {
	out := make([]LinkKind, 0, len(w.Links))
	for _, lk := range w.Links {
		out = append(out, lk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *Workflow) State(name string) (State, bool) {
	st, ok := w.states[name]
	return st, ok
}

func (w *Workflow) States() []State {
	out := make([]State, 0, len(w.stateList))
	for _, n := range w.stateList {
		out = append(out, w.states[n])
	}
	return out
}

// IsTerminal reports whether a state has no outgoing transitions.
func (w *Workflow) IsTerminal(state string) bool {
	st, ok := w.states[state]
	return !ok || st.Terminal
}

// Stage returns the SLA stage attached to a state, if any.
func (w *Workflow) Stage(state string) string {
	return w.states[state].Stage
}

// FieldNames lists the catalog in a stable order.
func (w *Workflow) FieldNames() []string {
	out := make([]string, 0, len(w.Fields))
	for name := range w.Fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
