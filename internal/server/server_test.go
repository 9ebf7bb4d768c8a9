package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/engine"
	"riskline/internal/logging"
	"riskline/internal/metrics"
	"riskline/internal/migrate"
	"riskline/internal/policy"
	"riskline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	e := engine.New(conn, db.SQLite, policy.NewCache(policy.StoreSource{Store: r, Fallback: config.Default()}))
	e.Logger = logging.Discard()
	e.Metrics = metrics.New()
	two := int64(2)
	for _, u := range []engine.UserOptions{
		{ID: "mgr", Role: "MANAGER", BusinessUnit: &two},
		{ID: "emp", Role: "EMPLOYEE", ManagerID: "mgr", BusinessUnit: &two},
		{ID: "ro", Role: "RISK_OFFICER", BusinessUnit: &two},
		{ID: "orm", Role: "GROUP_ORM"},
	} {
		if _, err := e.AddUser(context.Background(), u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(id string) map[string]string { return map[string]string{"X-Actor-Id": id} }

func signToken(t *testing.T, subject, role string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return body.Error.Code
}

func createIncident(t *testing.T, srv *testServer, fields map[string]any) EntityResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entities/incident", map[string]any{"fields": fields}, as("emp"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident status %d: %s", res.StatusCode, string(data))
	}
	var ent EntityResponse
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}
	return ent
}

func completeIncident() map[string]any {
	return map[string]any{
		"title":             "Wire transfer misrouted",
		"description":       "Payment sent to wrong beneficiary",
		"business_unit":     2,
		"discovered_at":     "2023-12-30T09:00:00Z",
		"gross_loss_amount": "1500.00",
		"currency_code":     "EUR",
	}
}

func TestRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/entities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public: %d %s", res.StatusCode, string(data))
	}
}

func TestJWTResolvesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// no role claim: taken from the directory
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + signToken(t, "ro", "")})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"RISK_OFFICER"`) {
		t.Fatalf("expected directory role, got %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + signToken(t, "emp", "CREATOR")})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("contextual role claim must be rejected, got %d %s", res.StatusCode, string(data))
	}
}

func TestCreateAndSubmitIncident(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inc := createIncident(t, srv, completeIncident())
	if inc.State != "DRAFT" || inc.Deadlines["draft"] == "" {
		t.Fatalf("unexpected created entity %+v", inc)
	}

	ctxRes, ctxBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/entities/"+inc.ID+"/context", nil, as("emp"))
	if ctxRes.StatusCode != http.StatusOK {
		t.Fatalf("context status %d: %s", ctxRes.StatusCode, string(ctxBody))
	}
	var c ContextResponse
	if err := json.Unmarshal(ctxBody, &c); err != nil {
		t.Fatalf("unmarshal context: %v", err)
	}
	if len(c.Actions) == 0 || c.Actions[0].Action != "submit" {
		t.Fatalf("expected submit to be offered, got %+v", c.Actions)
	}

	token := signToken(t, "emp", "EMPLOYEE")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entities/"+inc.ID+"/actions/submit", map[string]any{"version": inc.Version}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var out ActionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if out.From != "DRAFT" || out.To != "PENDING_REVIEW" || out.Entity.Assignee != "mgr" {
		t.Fatalf("unexpected transition %+v", out)
	}

	notesRes, notesBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/entities/"+inc.ID+"/notes", nil, as("mgr"))
	if notesRes.StatusCode != http.StatusOK {
		t.Fatalf("notes status %d: %s", notesRes.StatusCode, string(notesBody))
	}
	var notes paginatedNotes
	if err := json.Unmarshal(notesBody, &notes); err != nil {
		t.Fatalf("unmarshal notes: %v", err)
	}
	if len(notes.Items) != 2 {
		t.Fatalf("expected create and transition notes, got %d", len(notes.Items))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	sparse := createIncident(t, srv, map[string]any{"title": "Only a title"})
	full := createIncident(t, srv, completeIncident())

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		actor  string
		status int
		code   string
	}{
		{"wrong role", http.MethodPost, "/entities/" + full.ID + "/actions/submit", nil, "mgr", http.StatusForbidden, "forbidden"},
		{"undefined action", http.MethodPost, "/entities/" + full.ID + "/actions/validate", nil, "emp", http.StatusConflict, "invalid_transition"},
		{"missing fields", http.MethodPost, "/entities/" + sparse.ID + "/actions/submit", nil, "emp", http.StatusUnprocessableEntity, "required_fields"},
		{"unknown field", http.MethodPatch, "/entities/" + full.ID, map[string]any{"fields": map[string]any{"colour": "red"}}, "emp", http.StatusBadRequest, "bad_request"},
		{"stale version", http.MethodPatch, "/entities/" + full.ID, map[string]any{"version": 99, "fields": map[string]any{"title": "x"}}, "emp", http.StatusConflict, "conflict"},
		{"unknown entity", http.MethodGet, "/entities/missing", nil, "emp", http.StatusNotFound, "not_found"},
		{"policy needs permission", http.MethodGet, "/policy", nil, "emp", http.StatusForbidden, "forbidden"},
		{"queue needs permission", http.MethodGet, "/notifications", nil, "mgr", http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+"/v1"+tc.path, tc.body, as(tc.actor))
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, res.StatusCode, string(data))
			}
			if got := errorCode(t, data); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entities/"+sparse.ID+"/actions/submit", nil, as("emp"))
	if res.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(string(data), "discovered_at") {
		t.Fatalf("missing field list not reported: %s", string(data))
	}
}

func TestActionsAndLinksAcceptEmptyBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inc := createIncident(t, srv, completeIncident())
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entities/measure", map[string]any{"fields": map[string]any{"title": "Add callback step"}}, as("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create measure status %d: %s", res.StatusCode, string(data))
	}
	var m EntityResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal measure: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/entities/"+inc.ID+"/links/measures/"+m.ID, nil, as("emp"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bodyless link status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/entities/"+inc.ID+"/links/measures/nope", nil, as("emp"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("link to unknown target status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entities/"+inc.ID+"/actions/submit", nil, as("emp"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bodyless submit status %d: %s", res.StatusCode, string(data))
	}
	var out ActionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if out.From != "DRAFT" || out.To != "PENDING_REVIEW" {
		t.Fatalf("unexpected transition %s -> %s", out.From, out.To)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/policy", nil, as("orm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("policy status %d: %s", res.StatusCode, string(data))
	}
	var pol PolicyResponse
	if err := json.Unmarshal(data, &pol); err != nil {
		t.Fatalf("unmarshal policy: %v", err)
	}
	if len(pol.Entities) != 3 || pol.YAML == "" {
		t.Fatalf("unexpected policy %+v", pol.Entities)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/policy", map[string]any{"yaml": pol.YAML}, as("ro"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("risk officer cannot import, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/policy", map[string]any{"yaml": "entities: ["}, as("orm"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed yaml should be 400, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/policy", map[string]any{"yaml": pol.YAML}, as("orm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
	var imported PolicyResponse
	_ = json.Unmarshal(data, &imported)
	if imported.Version != 1 {
		t.Fatalf("expected first stored version, got %d", imported.Version)
	}
}

func TestControlsAndUsers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/controls", map[string]any{"title": "Dual approval"}, as("emp"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("employee cannot manage controls, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/controls", map[string]any{"id": "ctl-1", "title": "Dual approval"}, as("ro"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create control status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/controls/ctl-1", map[string]any{"active": false}, as("ro"))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"active":false`) {
		t.Fatalf("deactivate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{"id": "emp2", "role": "EMPLOYEE", "manager_id": "mgr"}, as("ro"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/users?role=EMPLOYEE", nil, as("mgr"))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "emp2") {
		t.Fatalf("list users status %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createIncident(t, srv, completeIncident())

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "riskline_operations_total") {
		t.Fatalf("operation counter not exported")
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "bearerAuth") || !strings.Contains(string(data), "/v1/entities/{id}/actions/{action}") {
		t.Fatalf("openapi document incomplete")
	}
}
