package engine

import (
	"errors"
	"fmt"
	"strings"

	"riskline/internal/policy"
	"riskline/internal/repo"
)

// InvalidTransitionError reports a move with no matching transition rule.
type InvalidTransitionError = policy.InvalidTransitionError

// PermissionError reports a rule that exists but whose authorization
// predicate (role, relationship or state gate) is false for the actor.
type PermissionError struct {
	ActorID string
	Action  string
	Reason  string
}

func (e PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("actor %s may not %s: %s", e.ActorID, e.Action, e.Reason)
	}
	return fmt.Sprintf("actor %s may not %s", e.ActorID, e.Action)
}

// RequiredFieldsError lists fields that must be set first.
type RequiredFieldsError struct {
	State   string
	Missing []string
}

func (e RequiredFieldsError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("required fields missing: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("required fields missing for %s: %s", e.State, strings.Join(e.Missing, ", "))
}

// IntegrityConstraintError reports a violated structural business rule.
type IntegrityConstraintError struct {
	Rule    string
	Message string
}

func (e IntegrityConstraintError) Error() string {
	return e.Message
}

// InputError reports a malformed request such as an unknown field or a
// value of the wrong kind.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Integrity rule identifiers.
const (
	RuleScoreCeiling     = "score_ceiling"
	RuleLinkRequired     = "link_required"
	RuleLinkDuplicate    = "link_duplicate"
	RuleLinkMissing      = "link_missing"
	RuleLinkTerminal     = "link_terminal"
	RuleControlInactive  = "control_inactive"
	RuleControlInUse     = "control_in_use"
	RuleLinkTargetType   = "link_target_type"
	RuleLinkSelf         = "link_self"
	RuleLinkLastRequired = "link_last_required"
)

// ErrorKind names the category of a gateway error for logs and metrics.
func ErrorKind(err error) string {
	var (
		it InvalidTransitionError
		pe PermissionError
		rf RequiredFieldsError
		ic IntegrityConstraintError
		ie InputError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &it):
		return "invalid_transition"
	case errors.As(err, &pe):
		return "permission"
	case errors.As(err, &rf):
		return "required_fields"
	case errors.As(err, &ic):
		return "integrity"
	case errors.As(err, &ie):
		return "input"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, repo.ErrConflict):
		return "conflict"
	}
	return "error"
}
