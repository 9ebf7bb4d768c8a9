package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"riskline/internal/domain"
)

// Document models riskline.yml: the per-entity-type workflow policy.
type Document struct {
	Permissions map[string][]string     `yaml:"permissions"`
	Entities    map[string]EntityConfig `yaml:"entities"`
}

type EntityConfig struct {
	Initial     string                         `yaml:"initial"`
	Fields      []FieldConfig                  `yaml:"fields"`
	States      []StateConfig                  `yaml:"states"`
	CreateRoles []string                       `yaml:"create_roles"`
	Transitions []TransitionConfig             `yaml:"transitions"`
	Required    map[string][]string            `yaml:"required"`
	Editable    map[string]map[string][]string `yaml:"editable"`
	Delete      *DeleteConfig                  `yaml:"delete,omitempty"`
	SLA         map[string]SLAConfig           `yaml:"sla,omitempty"`
	Routing     RoutingConfig                  `yaml:"routing,omitempty"`
	Links       []LinkConfig                   `yaml:"links,omitempty"`
}

type FieldConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type StateConfig struct {
	Name  string `yaml:"name"`
	Stage string `yaml:"stage,omitempty"`
	Phase string `yaml:"phase,omitempty"`
}

type TransitionConfig struct {
	Action      string        `yaml:"action"`
	From        string        `yaml:"from"`
	To          string        `yaml:"to"`
	Roles       []string      `yaml:"roles"`
	Assign      []string      `yaml:"assign,omitempty"`
	Record      []string      `yaml:"record,omitempty"`
	Reason      bool          `yaml:"reason,omitempty"`
	ReasonField string        `yaml:"reason_field,omitempty"`
	Note        string        `yaml:"note,omitempty"`
	Route       bool          `yaml:"route,omitempty"`
	Guards      []GuardConfig `yaml:"guards,omitempty"`
}

type GuardConfig struct {
	Kind    string   `yaml:"kind"`
	Score   []string `yaml:"score"`
	Ceiling []string `yaml:"ceiling"`
	Message string   `yaml:"message,omitempty"`
}

type DeleteConfig struct {
	States []string `yaml:"states"`
	Roles  []string `yaml:"roles"`
}

type SLAConfig struct {
	Days     int    `yaml:"days,omitempty"`
	Duration string `yaml:"duration,omitempty"`
}

type RoutingConfig struct {
	Fields RoutingFields       `yaml:"fields,omitempty"`
	Rules  []RoutingRuleConfig `yaml:"rules,omitempty"`
}

type RoutingFields struct {
	Amount         string `yaml:"amount,omitempty"`
	Classification string `yaml:"classification,omitempty"`
	BusinessUnit   string `yaml:"business_unit,omitempty"`
}

type RoutingRuleConfig struct {
	ID             string `yaml:"id"`
	Description    string `yaml:"description,omitempty"`
	MinAmount      string `yaml:"min_amount,omitempty"`
	Classification *int64 `yaml:"classification,omitempty"`
	BusinessUnit   *int64 `yaml:"business_unit,omitempty"`
	TargetRole     string `yaml:"target_role,omitempty"`
	TargetUnit     *int64 `yaml:"target_unit,omitempty"`
	Priority       int    `yaml:"priority"`
	Active         *bool  `yaml:"active,omitempty"`
}

type LinkConfig struct {
	Name       string   `yaml:"name"`
	Target     string   `yaml:"target"`
	RequiredIn []string `yaml:"required_in,omitempty"`
}

// LinkTargetControl marks links into the control library.
const LinkTargetControl = "control"

// GuardScoreCeiling compares likelihood x impact products.
const GuardScoreCeiling = "score_ceiling"

// Assignment keywords accepted in a transition's assign list. Any other entry
// must name a user field of the entity.
const (
	AssignActor          = "actor"
	AssignActorManager   = "actor_manager"
	AssignCreator        = "creator"
	AssignCreatorManager = "creator_manager"
	AssignRiskOfficer    = "risk_officer"
	AssignNone           = "none"
)

func isAssignKeyword(s string) bool {
	switch s {
	case AssignActor, AssignActorManager, AssignCreator, AssignCreatorManager, AssignRiskOfficer, AssignNone:
		return true
	}
	return false
}

// Parse resolves the configured allowance.
func (s SLAConfig) Parse() (time.Duration, error) {
	switch {
	case s.Days > 0 && s.Duration != "":
		return 0, fmt.Errorf("set either days or duration, not both")
	case s.Days > 0:
		return time.Duration(s.Days) * 24 * time.Hour, nil
	case s.Duration != "":
		d, err := time.ParseDuration(s.Duration)
		if err != nil {
			return 0, err
		}
		if d <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return d, nil
	}
	return 0, fmt.Errorf("days or duration is required")
}

// IsActive defaults to true when the flag is omitted.
func (r RoutingRuleConfig) IsActive() bool { return r.Active == nil || *r.Active }

// Validate ensures the document is internally consistent.
func (d *Document) Validate() error {
	if len(d.Entities) == 0 {
		return fmt.Errorf("policy.entities is required")
	}
	for role, perms := range d.Permissions {
		r, err := domain.ParseRole(role)
		if err != nil {
			return fmt.Errorf("permissions: %w", err)
		}
		if !r.Primary() {
			return fmt.Errorf("permissions: %s is not a primary role", role)
		}
		for _, p := range perms {
			obj, act, ok := strings.Cut(p, ":")
			if !ok || obj == "" || act == "" {
				return fmt.Errorf("permissions: %s has malformed permission %q (want object:action)", role, p)
			}
		}
	}
	for name, et := range d.Entities {
		if err := et.validate(name, d.Entities); err != nil {
			return fmt.Errorf("entity %s: %w", name, err)
		}
	}
	return nil
}

func (et EntityConfig) validate(name string, all map[string]EntityConfig) error {
	if name == "" || name == LinkTargetControl {
		return fmt.Errorf("invalid entity type name %q", name)
	}
	fields := map[string]domain.FieldKind{domain.FieldAssignee: domain.KindUser}
	for _, f := range et.Fields {
		if f.Name == "" {
			return fmt.Errorf("field with empty name")
		}
		if f.Name == domain.FieldAssignee {
			return fmt.Errorf("field name %s is reserved", f.Name)
		}
		if _, dup := fields[f.Name]; dup {
			return fmt.Errorf("duplicate field %s", f.Name)
		}
		kind := domain.FieldKind(f.Kind)
		if !kind.Valid() {
			return fmt.Errorf("field %s has unknown kind %q", f.Name, f.Kind)
		}
		fields[f.Name] = kind
	}
	states := map[string]bool{}
	stages := map[string]bool{}
	for _, s := range et.States {
		if s.Name == "" {
			return fmt.Errorf("state with empty name")
		}
		if states[s.Name] {
			return fmt.Errorf("duplicate state %s", s.Name)
		}
		states[s.Name] = true
		if s.Stage != "" {
			if stages[s.Stage] {
				return fmt.Errorf("stage %s is used by more than one state", s.Stage)
			}
			stages[s.Stage] = true
		}
	}
	if !states[et.Initial] {
		return fmt.Errorf("initial state %q is not declared", et.Initial)
	}
	if len(et.CreateRoles) == 0 {
		return fmt.Errorf("create_roles is required")
	}
	if err := validateRoles(et.CreateRoles); err != nil {
		return fmt.Errorf("create_roles: %w", err)
	}

	byAction := map[[2]string]string{}
	for _, t := range et.Transitions {
		if t.Action == "" {
			return fmt.Errorf("transition %s -> %s has no action", t.From, t.To)
		}
		if !states[t.From] || !states[t.To] {
			return fmt.Errorf("transition %s references unknown state (%s -> %s)", t.Action, t.From, t.To)
		}
		key := [2]string{t.From, t.Action}
		if to, ok := byAction[key]; ok {
			if to != t.To {
				return fmt.Errorf("action %s from %s leads to both %s and %s", t.Action, t.From, to, t.To)
			}
			return fmt.Errorf("action %s from %s is declared twice", t.Action, t.From)
		}
		byAction[key] = t.To
		if len(t.Roles) == 0 {
			return fmt.Errorf("transition %s has no roles", t.Action)
		}
		if err := validateRoles(t.Roles); err != nil {
			return fmt.Errorf("transition %s: %w", t.Action, err)
		}
		for _, a := range t.Assign {
			if isAssignKeyword(a) {
				continue
			}
			if fields[a] != domain.KindUser {
				return fmt.Errorf("transition %s: assign %q is neither a keyword nor a user field", t.Action, a)
			}
		}
		for _, r := range t.Record {
			if k := fields[r]; k != domain.KindUser && k != domain.KindTime {
				return fmt.Errorf("transition %s: record field %q must be a user or time field", t.Action, r)
			}
		}
		if t.ReasonField != "" && fields[t.ReasonField] != domain.KindText {
			return fmt.Errorf("transition %s: reason_field %q must be a text field", t.Action, t.ReasonField)
		}
		for _, g := range t.Guards {
			if g.Kind != GuardScoreCeiling {
				return fmt.Errorf("transition %s: unknown guard %q", t.Action, g.Kind)
			}
			if len(g.Score) != 2 || len(g.Ceiling) != 2 {
				return fmt.Errorf("transition %s: score_ceiling needs two score and two ceiling fields", t.Action)
			}
			for _, f := range append(append([]string{}, g.Score...), g.Ceiling...) {
				if fields[f] != domain.KindInt {
					return fmt.Errorf("transition %s: guard field %q must be an int field", t.Action, f)
				}
			}
		}
	}

	for state, names := range et.Required {
		if !states[state] {
			return fmt.Errorf("required: unknown state %s", state)
		}
		for _, f := range names {
			if _, ok := fields[f]; !ok {
				return fmt.Errorf("required: unknown field %s for state %s", f, state)
			}
		}
	}
	for state, byRole := range et.Editable {
		if !states[state] {
			return fmt.Errorf("editable: unknown state %s", state)
		}
		for role, names := range byRole {
			if _, err := domain.ParseRole(role); err != nil {
				return fmt.Errorf("editable: %w", err)
			}
			for _, f := range names {
				if _, ok := fields[f]; !ok {
					return fmt.Errorf("editable: unknown field %s for %s in %s", f, role, state)
				}
			}
		}
	}
	if et.Delete != nil {
		for _, s := range et.Delete.States {
			if !states[s] {
				return fmt.Errorf("delete: unknown state %s", s)
			}
		}
		if err := validateRoles(et.Delete.Roles); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	}
	for stage, sla := range et.SLA {
		if !stages[stage] {
			return fmt.Errorf("sla: stage %s is not attached to any state", stage)
		}
		if _, err := sla.Parse(); err != nil {
			return fmt.Errorf("sla %s: %w", stage, err)
		}
	}
	if err := et.Routing.validate(fields); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	links := map[string]bool{}
	for _, l := range et.Links {
		if l.Name == "" || links[l.Name] {
			return fmt.Errorf("links: empty or duplicate name %q", l.Name)
		}
		links[l.Name] = true
		if l.Target != LinkTargetControl {
			if _, ok := all[l.Target]; !ok {
				return fmt.Errorf("links: %s targets unknown entity type %s", l.Name, l.Target)
			}
		}
		for _, s := range l.RequiredIn {
			if !states[s] {
				return fmt.Errorf("links: %s required in unknown state %s", l.Name, s)
			}
		}
	}
	return nil
}

func (rc RoutingConfig) validate(fields map[string]domain.FieldKind) error {
	checkField := func(name string, kind domain.FieldKind) error {
		if name == "" {
			return nil
		}
		if fields[name] != kind {
			return fmt.Errorf("field %s must be a %s field", name, kind)
		}
		return nil
	}
	if err := checkField(rc.Fields.Amount, domain.KindAmount); err != nil {
		return err
	}
	if err := checkField(rc.Fields.Classification, domain.KindInt); err != nil {
		return err
	}
	if err := checkField(rc.Fields.BusinessUnit, domain.KindInt); err != nil {
		return err
	}
	ids := map[string]bool{}
	for _, r := range rc.Rules {
		if r.ID == "" || ids[r.ID] {
			return fmt.Errorf("empty or duplicate rule id %q", r.ID)
		}
		ids[r.ID] = true
		if r.MinAmount != "" {
			if _, err := decimal.NewFromString(r.MinAmount); err != nil {
				return fmt.Errorf("rule %s: invalid min_amount: %w", r.ID, err)
			}
			if rc.Fields.Amount == "" {
				return fmt.Errorf("rule %s uses min_amount but fields.amount is not set", r.ID)
			}
		}
		if r.Classification != nil && rc.Fields.Classification == "" {
			return fmt.Errorf("rule %s uses classification but fields.classification is not set", r.ID)
		}
		if r.BusinessUnit != nil && rc.Fields.BusinessUnit == "" {
			return fmt.Errorf("rule %s uses business_unit but fields.business_unit is not set", r.ID)
		}
		if (r.TargetRole == "") == (r.TargetUnit == nil) {
			return fmt.Errorf("rule %s needs exactly one of target_role or target_unit", r.ID)
		}
		if r.TargetRole != "" {
			role, err := domain.ParseRole(r.TargetRole)
			if err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
			if !role.Primary() {
				return fmt.Errorf("rule %s: target_role must be a primary role", r.ID)
			}
		}
	}
	return nil
}

func validateRoles(roles []string) error {
	for _, r := range roles {
		if _, err := domain.ParseRole(r); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the policy file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "riskline.yml")
}

// Default returns the built-in incident, risk and measure workflows.
func Default() *Document {
	var doc Document
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&doc)
	return &doc
}

// GenerateDefault returns the default policy YAML.
func GenerateDefault() string { return defaultTemplate }

// FromYAML parses and validates a policy document from raw YAML bytes.
func FromYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// FromFile reads a YAML policy document from the given path.
func FromFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (d *Document) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}
