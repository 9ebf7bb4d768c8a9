package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"no transition submit from PENDING_REVIEW"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"description\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Riskline API and /metrics.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	e := cfg.Engine
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.ResolveActor))
	router.Handle("/metrics", e.Metrics.Handler())
	hcfg := huma.DefaultConfig("Riskline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPolicy(group, e)
	registerEntities(group, e)
	registerActions(group, e)
	registerLinks(group, e)
	registerControls(group, e)
	registerUsers(group, e)
	registerNotifications(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps gateway error kinds to HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		it engine.InvalidTransitionError
		pe engine.PermissionError
		rf engine.RequiredFieldsError
		ic engine.IntegrityConstraintError
		ie engine.InputError
	)
	switch {
	case errors.As(err, &it):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": it.From, "action": it.Action})
	case errors.As(err, &pe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": pe.Action})
	case errors.As(err, &rf):
		details := map[string]any{"missing": rf.Missing}
		if rf.State != "" {
			details["state"] = rf.State
		}
		return newAPIError(http.StatusUnprocessableEntity, "required_fields", err.Error(), details)
	case errors.As(err, &ic):
		return newAPIError(http.StatusConflict, "integrity_violation", err.Error(), map[string]any{"rule": ic.Rule})
	case errors.As(err, &ie):
		var details map[string]any
		if ie.Field != "" {
			details = map[string]any{"field": ie.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Type: "object"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Active policy snapshot",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.Policy(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := policyResponse(snap)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-policy",
		Method:      http.MethodPut,
		Path:        "/policy",
		Summary:     "Import a new policy version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ImportPolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid policy document", map[string]any{"error": err.Error()})
		}
		if _, err := e.ImportPolicy(ctx, actor, doc); err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Policy(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := policyResponse(snap)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{type}",
		Summary:       "Create an incident, risk or measure",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Type string              `path:"type"`
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields, err := toFields(input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		ent, err := e.Create(ctx, actor, engine.CreateOptions{Type: input.Type, ID: stringOrEmpty(input.Body.ID), Fields: fields})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities",
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		State     string `query:"state"`
		Assignee  string `query:"assignee"`
		CreatedBy string `query:"created_by"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEntities `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.List(ctx, repo.EntityFilter{
			Type: input.Type, State: input.State, Assignee: input.Assignee, CreatedBy: input.CreatedBy, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEntities `json:"body"`
		}{Body: paginatedEntities{Items: mapEntities(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ent, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/entities/{id}",
		Summary:     "Update editable fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields, err := toFields(input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		ent, err := e.Update(ctx, actor, input.ID, engine.UpdateOptions{Version: versionOf(input.Body.Version), Fields: fields})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-entity",
		Method:        http.MethodDelete,
		Path:          "/entities/{id}",
		Summary:       "Soft delete entity",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, actor, input.ID, input.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-context",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/context",
		Summary:     "Actions and editable fields for the caller",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Context(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: contextResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-notes",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/notes",
		Summary:     "Audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedNotes `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		notes, err := e.Notes(ctx, input.ID, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedNotes{Items: notes}
		if resp.Items == nil {
			resp.Items = []domain.Note{}
		}
		if len(notes) == limit {
			resp.NextAfter = notes[len(notes)-1].ID
		}
		return &struct {
			Body paginatedNotes `json:"body"`
		}{Body: resp}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "perform-action",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/actions/{action}",
		Summary:     "Perform a workflow action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID     string               `path:"id"`
		Action string               `path:"action"`
		Body   *PerformActionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.PerformOptions{Action: input.Action}
		if input.Body != nil {
			opts.Reason = input.Body.Reason
			opts.Version = versionOf(input.Body.Version)
		}
		res, err := e.Perform(ctx, actor, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		queued := res.Notifications
		if queued == nil {
			queued = []domain.Notification{}
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: ActionResponse{Entity: entityResponse(res.Entity), From: res.From, To: res.To, Note: res.Note, Notifications: queued}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/entities/{id}/comments",
		Summary:       "Add a comment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body domain.Note `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note, err := e.Comment(ctx, actor, input.ID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Note `json:"body"`
		}{Body: note}, nil
	})
}

func registerLinks(api huma.API, e engine.Engine) {
	type linkInput struct {
		ID     string      `path:"id"`
		Link   string      `path:"link"`
		Target string      `path:"target"`
		Body   *LinkRequest `json:"body,omitempty" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "link-entity",
		Method:      http.MethodPut,
		Path:        "/entities/{id}/links/{link}/{target}",
		Summary:     "Link to an entity or control",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *linkInput) (*struct {
		Body domain.Link `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.LinkOptions{Name: input.Link, TargetID: input.Target}
		if input.Body != nil {
			opts.Comment = input.Body.Comment
			opts.Version = versionOf(input.Body.Version)
		}
		link, err := e.Link(ctx, actor, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Link `json:"body"`
		}{Body: link}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unlink-entity",
		Method:        http.MethodDelete,
		Path:          "/entities/{id}/links/{link}/{target}",
		Summary:       "Remove a link",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Link    string `path:"link"`
		Target  string `path:"target"`
		Comment string `query:"comment"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unlink(ctx, actor, input.ID, engine.LinkOptions{Name: input.Link, TargetID: input.Target, Comment: input.Comment}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerControls(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-control",
		Method:        http.MethodPost,
		Path:          "/controls",
		Summary:       "Add a control to the library",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateControlRequest `json:"body"`
	}) (*struct {
		Body domain.Control `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateControl(ctx, actor, engine.ControlOptions{
			ID:           stringOrEmpty(input.Body.ID),
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			BusinessUnit: input.Body.BusinessUnit,
			OwnerID:      stringOrEmpty(input.Body.OwnerID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Control `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-controls",
		Method:      http.MethodGet,
		Path:        "/controls",
		Summary:     "List controls",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []domain.Control `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListControls(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Control{}
		}
		return &struct {
			Body []domain.Control `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-control",
		Method:      http.MethodPatch,
		Path:        "/controls/{id}",
		Summary:     "Update or (de)activate a control",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateControlRequest `json:"body"`
	}) (*struct {
		Body domain.Control `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateControl(ctx, actor, input.ID, engine.ControlUpdate{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			BusinessUnit: input.Body.BusinessUnit,
			OwnerID:      input.Body.OwnerID,
			Active:       input.Body.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Control `json:"body"`
		}{Body: c}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register a directory user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.RegisterUser(ctx, actor, engine.UserOptions{
			ID:           input.Body.ID,
			Email:        input.Body.Email,
			Name:         input.Body.Name,
			Role:         input.Body.Role,
			ManagerID:    input.Body.ManagerID,
			BusinessUnit: input.Body.BusinessUnit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List directory users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var role domain.Role
		if input.Role != "" {
			r, err := domain.ParseRole(input.Role)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "role"})
			}
			role = r
		}
		users, err := e.Users(ctx, actor, role)
		if err != nil {
			return nil, handleError(err)
		}
		if users == nil {
			users = []domain.User{}
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated actor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: actor}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notification queue",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID  string `query:"entity_id"`
		EventType string `query:"event_type"`
		Status    string `query:"status" enum:"queued,sent,failed,canceled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Queue(ctx, actor, repo.NotificationFilter{
			EntityID:  input.EntityID,
			EventType: input.EventType,
			Status:    domain.DeliveryStatus(input.Status),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

// ListenAndServe runs h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{Addr: addr, Handler: h}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "component", "http", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
