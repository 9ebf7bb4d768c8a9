package rlsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Riskline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Servers accept it
	// only in local mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Entity is an incident, risk or measure.
type Entity struct {
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

// Note is an audit trail entry.
type Note struct {
	ID        int64          `json:"id"`
	EntityID  string         `json:"entity_id"`
	Kind      string         `json:"kind"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action,omitempty"`
	FromState string         `json:"from_state,omitempty"`
	ToState   string         `json:"to_state,omitempty"`
	Body      string         `json:"body,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type Notification struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	EventType     string         `json:"event_type"`
	RecipientRole string         `json:"recipient_role,omitempty"`
	RecipientUser string         `json:"recipient_user,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
}

// ActionResult is the outcome of a workflow action.
type ActionResult struct {
	Entity        Entity         `json:"entity"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Note          Note           `json:"note"`
	Notifications []Notification `json:"notifications"`
}

type ActionHint struct {
	Action  string   `json:"action"`
	To      string   `json:"to"`
	Reason  bool     `json:"reason_required"`
	Missing []string `json:"missing_fields,omitempty"`
}

// EntityContext lists what the caller may do with an entity.
type EntityContext struct {
	Entity         Entity       `json:"entity"`
	Terminal       bool         `json:"terminal"`
	Roles          []string     `json:"roles"`
	Actions        []ActionHint `json:"actions"`
	EditableFields []string     `json:"editable_fields"`
	CanComment     bool         `json:"can_comment"`
	CanDelete      bool         `json:"can_delete"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateEntity creates an entity of the given type.
func (c *Client) CreateEntity(ctx context.Context, entityType string, fields map[string]any) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, "entities/"+url.PathEscape(entityType), map[string]any{"fields": fields}, &resp)
	return resp, err
}

func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListEntities filters by type and state; empty values match everything.
func (c *Client) ListEntities(ctx context.Context, entityType, state string, limit int) ([]Entity, error) {
	q := url.Values{}
	if entityType != "" {
		q.Set("type", entityType)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "entities"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Entity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateEntity writes fields. A non-zero version guards against lost updates.
func (c *Client) UpdateEntity(ctx context.Context, id string, version int64, fields map[string]any) (Entity, error) {
	body := map[string]any{"fields": fields}
	if version > 0 {
		body["version"] = version
	}
	var resp Entity
	err := c.do(ctx, http.MethodPatch, "entities/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// Perform runs a workflow action such as submit or return_to_draft.
func (c *Client) Perform(ctx context.Context, id, action, reason string) (ActionResult, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp ActionResult
	endpoint := fmt.Sprintf("entities/%s/actions/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) Context(ctx context.Context, id string) (EntityContext, error) {
	var resp EntityContext
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("entities/%s/context", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) Comment(ctx context.Context, id, body string) (Note, error) {
	var resp Note
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("entities/%s/comments", url.PathEscape(id)), map[string]any{"body": body}, &resp)
	return resp, err
}

// Notes returns audit entries after the given id.
func (c *Client) Notes(ctx context.Context, id string, after int64, limit int) ([]Note, error) {
	endpoint := fmt.Sprintf("entities/%s/notes", url.PathEscape(id))
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Note `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Link(ctx context.Context, id, link, target, comment string) error {
	endpoint := fmt.Sprintf("entities/%s/links/%s/%s", url.PathEscape(id), url.PathEscape(link), url.PathEscape(target))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"comment": comment}, nil)
}

func (c *Client) Unlink(ctx context.Context, id, link, target string) error {
	endpoint := fmt.Sprintf("entities/%s/links/%s/%s", url.PathEscape(id), url.PathEscape(link), url.PathEscape(target))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Notifications lists the delivery queue.
func (c *Client) Notifications(ctx context.Context, entityID, status string) ([]Notification, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
