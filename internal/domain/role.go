package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a closed enumeration. Primary roles come from the identity
// provider; contextual roles are derived from an actor's relationship to a
// specific record.
type Role string

const (
	RoleEmployee    Role = "EMPLOYEE"
	RoleManager     Role = "MANAGER"
	RoleRiskOfficer Role = "RISK_OFFICER"
	RoleGroupORM    Role = "GROUP_ORM"

	RoleCreator         Role = "CREATOR"
	RoleCreatorManager  Role = "CREATOR_MANAGER"
	RoleAssignee        Role = "ASSIGNEE"
	RoleAssigneeManager Role = "ASSIGNEE_MANAGER"
)

var primaryRoles = []Role{RoleEmployee, RoleManager, RoleRiskOfficer, RoleGroupORM}

var contextualRoles = []Role{RoleCreator, RoleCreatorManager, RoleAssignee, RoleAssigneeManager}

// PrimaryRoles lists the roles an identity provider may assign.
func PrimaryRoles() []Role { return append([]Role(nil), primaryRoles...) }

// ParseRole accepts the canonical form as well as "Risk Officer" style names.
func ParseRole(s string) (Role, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	r := Role(norm)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Primary() bool {
	for _, p := range primaryRoles {
		if p == r {
			return true
		}
	}
	return false
}

func (r Role) Contextual() bool {
	for _, c := range contextualRoles {
		if c == r {
			return true
		}
	}
	return false
}

func (r Role) Valid() bool { return r.Primary() || r.Contextual() }

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s RoleSet) Add(r Role) { s[r] = struct{}{} }

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Intersects reports whether any role is present in both sets.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for r := range small {
		if large.Has(r) {
			return true
		}
	}
	return false
}

func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Actor is the authenticated caller of a gateway operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
