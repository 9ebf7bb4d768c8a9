package auth

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"riskline/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       domain.Role
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (role %s)", e.Permission, e.Role)
}

// ContextualRoles derives the roles an actor holds by relationship to one
// entity. They hold only for that entity.
func ContextualRoles(actor domain.Actor, rel domain.Relations) domain.RoleSet {
	out := domain.NewRoleSet()
	if actor.ID == "" {
		return out
	}
	if rel.CreatedBy == actor.ID {
		out.Add(domain.RoleCreator)
	}
	if rel.CreatorManager == actor.ID {
		out.Add(domain.RoleCreatorManager)
	}
	if rel.Assignee == actor.ID {
		out.Add(domain.RoleAssignee)
	}
	if rel.AssigneeManager == actor.ID {
		out.Add(domain.RoleAssigneeManager)
	}
	return out
}

// EffectiveRoles is the actor's primary role plus its contextual roles.
func EffectiveRoles(actor domain.Actor, rel domain.Relations) domain.RoleSet {
	out := ContextualRoles(actor, rel)
	if actor.Role.Primary() {
		out.Add(actor.Role)
	}
	return out
}

// IsParticipant reports whether the actor is related to the entity at all.
func IsParticipant(actor domain.Actor, rel domain.Relations) bool {
	return len(ContextualRoles(actor, rel)) > 0
}

const permissionModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Authorizer answers object:action permission checks for primary roles. It
// is built from one policy version and never modified afterwards.
type Authorizer struct {
	Version  int64
	enforcer *casbin.Enforcer
}

func NewAuthorizer(perms map[domain.Role][]string, version int64) (*Authorizer, error) {
	m, err := model.NewModelFromString(permissionModel)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	for role, list := range perms {
		for _, p := range list {
			obj, act, ok := splitPermission(p)
			if !ok {
				return nil, fmt.Errorf("invalid permission %q for %s", p, role)
			}
			if _, err := enforcer.AddPolicy(string(role), obj, act); err != nil {
				return nil, err
			}
		}
	}
	return &Authorizer{Version: version, enforcer: enforcer}, nil
}

func splitPermission(p string) (string, string, bool) {
	obj, act, ok := strings.Cut(p, ":")
	if !ok || obj == "" || act == "" {
		return "", "", false
	}
	return obj, act, true
}

func (a *Authorizer) Allowed(role domain.Role, permission string) (bool, error) {
	obj, act, ok := splitPermission(permission)
	if !ok {
		return false, fmt.Errorf("invalid permission %q", permission)
	}
	return a.enforcer.Enforce(string(role), obj, act)
}

// Require returns ForbiddenError unless role holds permission.
func (a *Authorizer) Require(role domain.Role, permission string) error {
	ok, err := a.Allowed(role, permission)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role, Permission: permission}
	}
	return nil
}
