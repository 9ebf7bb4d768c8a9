package domain

import (
	"strings"
	"time"
)

// FieldAssignee names the assignee relationship in field policies. Depending
// on the entity type it is the responsible party or the owner.
const FieldAssignee = "assignee"

type Entity struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	State     string               `json:"state"`
	Version   int64                `json:"version"`
	CreatedBy string               `json:"created_by"`
	Assignee  string               `json:"assignee,omitempty"`
	Attrs     Attributes           `json:"attributes"`
	Deadlines map[string]time.Time `json:"deadlines,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	DeletedAt *time.Time           `json:"deleted_at,omitempty"`
	DeletedBy string               `json:"deleted_by,omitempty"`
}

// Lookup returns the value of a named field; ok is false when it is unset.
func (e *Entity) Lookup(name string) (Value, bool) {
	if name == FieldAssignee {
		if e.Assignee == "" {
			return Value{}, false
		}
		return UserValue(e.Assignee), true
	}
	v, ok := e.Attrs[name]
	return v, ok
}

func (e *Entity) Set(name string, v Value) {
	if name == FieldAssignee {
		e.Assignee = v.Text
		return
	}
	if e.Attrs == nil {
		e.Attrs = Attributes{}
	}
	e.Attrs[name] = v
}

func (e *Entity) Unset(name string) {
	if name == FieldAssignee {
		e.Assignee = ""
		return
	}
	delete(e.Attrs, name)
}

// Clone copies the mutable maps so a loaded entity can be compared with its
// mutated form.
func (e Entity) Clone() Entity {
	out := e
	out.Attrs = make(Attributes, len(e.Attrs))
	for k, v := range e.Attrs {
		out.Attrs[k] = v
	}
	out.Deadlines = make(map[string]time.Time, len(e.Deadlines))
	for k, v := range e.Deadlines {
		out.Deadlines[k] = v
	}
	return out
}

// Relations carries the people an authorization decision depends on.
type Relations struct {
	CreatedBy       string
	CreatorManager  string
	Assignee        string
	AssigneeManager string
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	Role         Role      `json:"role"`
	ManagerID    string    `json:"manager_id,omitempty"`
	BusinessUnit *int64    `json:"business_unit,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type NoteKind string

const (
	NoteCreate     NoteKind = "create"
	NoteTransition NoteKind = "transition"
	NoteUpdate     NoteKind = "update"
	NoteComment    NoteKind = "comment"
	NoteLink       NoteKind = "link"
	NoteUnlink     NoteKind = "unlink"
	NoteDelete     NoteKind = "delete"
	NoteControl    NoteKind = "control"
)

// Note is an append-only audit entry.
type Note struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       NoteKind       `json:"kind"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action,omitempty"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	Body       string         `json:"body,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Link struct {
	EntityID  string    `json:"entity_id"`
	Name      string    `json:"name"`
	TargetID  string    `json:"target_id"`
	CreatedBy string    `json:"created_by"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Control is a mitigating control in the shared library. Controls are
// deactivated, never deleted.
type Control struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	BusinessUnit *int64    `json:"business_unit,omitempty"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type DeliveryStatus string

const (
	StatusQueued   DeliveryStatus = "queued"
	StatusSent     DeliveryStatus = "sent"
	StatusFailed   DeliveryStatus = "failed"
	StatusCanceled DeliveryStatus = "canceled"
)

const (
	EventRoutingNotify = "ROUTING_NOTIFY"
	EventCustom        = "CUSTOM"
)

// OverdueEvent names the event emitted when a stage deadline of the given
// entity type passes, e.g. INCIDENT_OVERDUE.
func OverdueEvent(entityType string) string {
	return strings.ToUpper(entityType) + "_OVERDUE"
}

type Notification struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	EventType     string         `json:"event_type"`
	RecipientRole Role           `json:"recipient_role,omitempty"`
	RecipientUnit *int64         `json:"recipient_unit,omitempty"`
	RecipientUser string         `json:"recipient_user,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	DedupeKey     string         `json:"dedupe_key"`
	Payload       map[string]any `json:"payload,omitempty"`
	TriggeredBy   string         `json:"triggered_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DueAt         *time.Time     `json:"due_at,omitempty"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
}
