package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecodeValueNullUnsets(t *testing.T) {
	_, ok, err := DecodeValue(KindAmount, json.RawMessage("null"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok {
		t.Fatalf("expected null to report unset")
	}
}

func TestDecodeValueZeroIsSet(t *testing.T) {
	v, ok, err := DecodeValue(KindInt, json.RawMessage("0"))
	if err != nil || !ok {
		t.Fatalf("expected zero to be a set value, ok=%v err=%v", ok, err)
	}
	if v.Int != 0 {
		t.Fatalf("unexpected int %d", v.Int)
	}
	b, ok, err := DecodeValue(KindBool, json.RawMessage("false"))
	if err != nil || !ok || b.Bool {
		t.Fatalf("expected false to be set, got %+v ok=%v err=%v", b, ok, err)
	}
}

func TestDecodeValueAmountAcceptsStringAndNumber(t *testing.T) {
	for _, raw := range []string{`"1000000.00"`, `1000000`} {
		v, ok, err := DecodeValue(KindAmount, json.RawMessage(raw))
		if err != nil || !ok {
			t.Fatalf("decode %s: ok=%v err=%v", raw, ok, err)
		}
		if !v.Amount.Equal(decimal.NewFromInt(1000000)) {
			t.Fatalf("decode %s: got %s", raw, v.Amount)
		}
	}
}

func TestDecodeValueRejectsWrongKind(t *testing.T) {
	if _, _, err := DecodeValue(KindInt, json.RawMessage(`"five"`)); err == nil {
		t.Fatalf("expected error for string in int field")
	}
	if _, _, err := DecodeValue(KindTime, json.RawMessage(`"yesterday"`)); err == nil {
		t.Fatalf("expected error for unparsable time")
	}
}

func TestAttributesStoredFormKeepsKinds(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Attributes{
		"amount":    AmountValue(decimal.RequireFromString("12.50")),
		"near_miss": BoolValue(false),
		"when":      TimeValue(at),
		"owner":     UserValue("u-1"),
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Attributes
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, v := range in {
		if !out[k].Equal(v) {
			t.Fatalf("%s: got %+v want %+v", k, out[k], v)
		}
	}
}

func TestEntityAssigneeIsAField(t *testing.T) {
	e := Entity{}
	if _, ok := e.Lookup(FieldAssignee); ok {
		t.Fatalf("expected unset assignee")
	}
	e.Set(FieldAssignee, UserValue("u-2"))
	if e.Assignee != "u-2" {
		t.Fatalf("assignee not written through")
	}
	e.Unset(FieldAssignee)
	if e.Assignee != "" {
		t.Fatalf("assignee not cleared")
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Risk Officer")
	if err != nil || r != RoleRiskOfficer {
		t.Fatalf("got %q err=%v", r, err)
	}
	if _, err := ParseRole("janitor"); err == nil {
		t.Fatalf("expected unknown role error")
	}
	if !RoleCreator.Contextual() || RoleCreator.Primary() {
		t.Fatalf("creator should be contextual only")
	}
}
