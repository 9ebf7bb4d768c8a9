package server

import (
	"encoding/json"
	"time"

	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/policy"
)

// Request payloads

type CreateEntityRequest struct {
	ID     *string        `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type UpdateEntityRequest struct {
	Version *int64         `json:"version,omitempty" doc:"expected current version; stale writes return 409"`
	Fields  map[string]any `json:"fields"`
}

type PerformActionRequest struct {
	Reason  string `json:"reason,omitempty"`
	Version *int64 `json:"version,omitempty"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

type LinkRequest struct {
	Comment string `json:"comment,omitempty"`
	Version *int64 `json:"version,omitempty"`
}

type CreateControlRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	BusinessUnit *int64  `json:"business_unit,omitempty"`
	OwnerID      *string `json:"owner_id,omitempty"`
}

type UpdateControlRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	BusinessUnit *int64  `json:"business_unit,omitempty"`
	OwnerID      *string `json:"owner_id,omitempty"`
	Active       *bool   `json:"active,omitempty"`
}

type CreateUserRequest struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role" enum:"EMPLOYEE,MANAGER,RISK_OFFICER,GROUP_ORM"`
	ManagerID    string `json:"manager_id,omitempty"`
	BusinessUnit *int64 `json:"business_unit,omitempty"`
}

// Response payloads

type EntityResponse struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	State     string            `json:"state"`
	Version   int64             `json:"version"`
	CreatedBy string            `json:"created_by"`
	Assignee  string            `json:"assignee,omitempty"`
	Fields    map[string]any    `json:"fields"`
	Deadlines map[string]string `json:"deadlines,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

type ActionResponse struct {
	Entity        EntityResponse        `json:"entity"`
	From          string                `json:"from"`
	To            string                `json:"to"`
	Note          domain.Note           `json:"note"`
	Notifications []domain.Notification `json:"notifications"`
}

type ContextResponse struct {
	Entity         EntityResponse      `json:"entity"`
	Terminal       bool                `json:"terminal"`
	Roles          []string            `json:"roles"`
	Actions        []engine.ActionHint `json:"actions"`
	EditableFields []string            `json:"editable_fields"`
	CanComment     bool                `json:"can_comment"`
	CanDelete      bool                `json:"can_delete"`
	Links          []domain.Link       `json:"links"`
}

type PolicyResponse struct {
	Version  int64             `json:"version"`
	Entities []PolicyEntityDoc `json:"entities"`
	YAML     string            `json:"yaml,omitempty"`
}

type ImportPolicyRequest struct {
	YAML string `json:"yaml" doc:"complete policy document"`
}

type PolicyEntityDoc struct {
	Type    string   `json:"type"`
	Initial string   `json:"initial"`
	States  []string `json:"states"`
	Fields  []string `json:"fields"`
}

type paginatedEntities struct {
	Items []EntityResponse `json:"items"`
}

type paginatedNotes struct {
	Items     []domain.Note `json:"items"`
	NextAfter int64         `json:"next_after,omitempty"`
}

func entityResponse(e domain.Entity) EntityResponse {
	out := EntityResponse{
		ID:        e.ID,
		Type:      e.Type,
		State:     e.State,
		Version:   e.Version,
		CreatedBy: e.CreatedBy,
		Assignee:  e.Assignee,
		Fields:    make(map[string]any, len(e.Attrs)),
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for name, v := range e.Attrs {
		out.Fields[name] = v.Plain()
	}
	if len(e.Deadlines) > 0 {
		out.Deadlines = make(map[string]string, len(e.Deadlines))
		for stage, due := range e.Deadlines {
			out.Deadlines[stage] = due.UTC().Format(time.RFC3339Nano)
		}
	}
	return out
}

func mapEntities(items []domain.Entity) []EntityResponse {
	out := make([]EntityResponse, 0, len(items))
	for _, e := range items {
		out = append(out, entityResponse(e))
	}
	return out
}

func contextResponse(c engine.EntityContext) ContextResponse {
	roles := make([]string, len(c.Roles))
	for i, r := range c.Roles {
		roles[i] = string(r)
	}
	links := c.Links
	if links == nil {
		links = []domain.Link{}
	}
	editable := c.Editable
	if editable == nil {
		editable = []string{}
	}
	return ContextResponse{
		Entity:         entityResponse(c.Entity),
		Terminal:       c.Terminal,
		Roles:          roles,
		Actions:        c.Actions,
		EditableFields: editable,
		CanComment:     c.CanComment,
		CanDelete:      c.CanDelete,
		Links:          links,
	}
}

func policyResponse(snap *policy.Snapshot) (PolicyResponse, error) {
	out := PolicyResponse{Version: snap.Version, Entities: []PolicyEntityDoc{}}
	for _, name := range snap.EntityTypes() {
		wf, err := snap.Workflow(name)
		if err != nil {
			return out, err
		}
		doc := PolicyEntityDoc{Type: name, Initial: wf.Initial, Fields: wf.FieldNames()}
		for _, st := range wf.States() {
			doc.States = append(doc.States, st.Name)
		}
		out.Entities = append(out.Entities, doc)
	}
	if snap.Document != nil {
		raw, err := snap.Document.YAML()
		if err != nil {
			return out, err
		}
		out.YAML = string(raw)
	}
	return out, nil
}

// toFields re-encodes loosely typed request values so the engine can decode
// them against the field catalog.
func toFields(in map[string]any) (engine.Fields, error) {
	out := make(engine.Fields, len(in))
	for name, v := range in {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, engine.InputError{Field: name, Message: err.Error()}
		}
		out[name] = raw
	}
	return out, nil
}

func versionOf(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
