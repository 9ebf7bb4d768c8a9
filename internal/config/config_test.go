package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDocumentValidates(t *testing.T) {
	doc := Default()
	if err := doc.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	for _, et := range []string{"incident", "risk", "measure"} {
		if _, ok := doc.Entities[et]; !ok {
			t.Fatalf("default policy missing %s", et)
		}
	}
	if got := doc.Entities["incident"].SLA["review"].Days; got != 5 {
		t.Fatalf("expected review_days=5, got %d", got)
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	doc := Default()
	inc := doc.Entities["incident"]
	inc.Transitions = append([]TransitionConfig(nil), inc.Transitions...)
	inc.Transitions[0].Roles = []string{"JANITOR"}
	doc.Entities["incident"] = inc
	err := doc.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestValidateRejectsAmbiguousAction(t *testing.T) {
	doc, err := FromYAML([]byte(`
entities:
  thing:
    initial: A
    states: [{name: A}, {name: B}, {name: C}]
    create_roles: [EMPLOYEE]
    transitions:
      - {action: go, from: A, to: B, roles: [CREATOR]}
      - {action: go, from: A, to: C, roles: [CREATOR]}
`))
	if err == nil {
		t.Fatalf("expected error, got %+v", doc)
	}
}

func TestValidateRoutingNeedsDesignatedField(t *testing.T) {
	_, err := FromYAML([]byte(`
entities:
  thing:
    initial: A
    fields: [{name: amount, kind: amount}]
    states: [{name: A}]
    create_roles: [EMPLOYEE]
    routing:
      rules:
        - {id: big, min_amount: "10", target_role: GROUP_ORM, priority: 1}
`))
	if err == nil || !strings.Contains(err.Error(), "fields.amount") {
		t.Fatalf("expected missing designated field error, got %v", err)
	}
}

func TestSLAParse(t *testing.T) {
	d, err := SLAConfig{Days: 3}.Parse()
	if err != nil || d.Hours() != 72 {
		t.Fatalf("days: got %v err=%v", d, err)
	}
	d, err = SLAConfig{Duration: "90m"}.Parse()
	if err != nil || d.Minutes() != 90 {
		t.Fatalf("duration: got %v err=%v", d, err)
	}
	if _, err := (SLAConfig{Days: 1, Duration: "1h"}).Parse(); err == nil {
		t.Fatalf("expected error when both are set")
	}
}

func TestFromFileRoundTripsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := FromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := doc.YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again.Entities["risk"].Transitions) != len(doc.Entities["risk"].Transitions) {
		t.Fatalf("transitions lost in round trip")
	}
}

func TestSettingsValidate(t *testing.T) {
	if err := (Settings{DBDriver: "postgres"}).Validate(); err == nil {
		t.Fatalf("expected dsn error")
	}
	if err := (Settings{Sender: SenderSettings{Kind: "kafka", KafkaTopic: "n"}}).Validate(); err == nil {
		t.Fatalf("expected broker error")
	}
	if err := (Settings{Sender: SenderSettings{Kind: "redis", RedisAddr: "localhost:6379"}}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
