package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type FieldKind string

const (
	KindText   FieldKind = "text"
	KindInt    FieldKind = "int"
	KindAmount FieldKind = "amount"
	KindBool   FieldKind = "bool"
	KindTime   FieldKind = "time"
	KindUser   FieldKind = "user"
)

func (k FieldKind) Valid() bool {
	switch k {
	case KindText, KindInt, KindAmount, KindBool, KindTime, KindUser:
		return true
	}
	return false
}

// Value is a set attribute. An unset attribute is represented by its absence
// from Attributes, never by a zero Value.
type Value struct {
	Kind   FieldKind
	Text   string
	Int    int64
	Amount decimal.Decimal
	Bool   bool
	Time   time.Time
}

func TextValue(s string) Value            { return Value{Kind: KindText, Text: s} }
func IntValue(n int64) Value              { return Value{Kind: KindInt, Int: n} }
func AmountValue(d decimal.Decimal) Value { return Value{Kind: KindAmount, Amount: d} }
func BoolValue(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func TimeValue(t time.Time) Value         { return Value{Kind: KindTime, Time: t.UTC()} }
func UserValue(id string) Value           { return Value{Kind: KindUser, Text: id} }

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindText, KindUser:
		return v.Text == o.Text
	case KindInt:
		return v.Int == o.Int
	case KindAmount:
		return v.Amount.Equal(o.Amount)
	case KindBool:
		return v.Bool == o.Bool
	case KindTime:
		return v.Time.Equal(o.Time)
	}
	return false
}

// Plain returns the value in the shape API clients send it.
func (v Value) Plain() any {
	switch v.Kind {
	case KindText, KindUser:
		return v.Text
	case KindInt:
		return v.Int
	case KindAmount:
		return v.Amount.String()
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano)
	}
	return nil
}

func (v Value) String() string { return fmt.Sprint(v.Plain()) }

type storedValue struct {
	Kind  FieldKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON writes a self-describing form so stored attributes can be read
// back without consulting the policy.
func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Plain())
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedValue{Kind: v.Kind, Value: raw})
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var sv storedValue
	if err := json.Unmarshal(b, &sv); err != nil {
		return err
	}
	decoded, ok, err := DecodeValue(sv.Kind, sv.Value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stored %s value is null", sv.Kind)
	}
	*v = decoded
	return nil
}

// DecodeValue parses a client-supplied JSON value for a field of the given
// kind. A JSON null reports ok=false, meaning the field should be unset.
func DecodeValue(kind FieldKind, raw json.RawMessage) (Value, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Value{}, false, nil
	}
	switch kind {
	case KindText, KindUser:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, false, fmt.Errorf("expected string: %w", err)
		}
		return Value{Kind: kind, Text: s}, true, nil
	case KindInt:
		var n int64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return Value{}, false, fmt.Errorf("expected integer: %w", err)
		}
		return IntValue(n), true, nil
	case KindAmount:
		var d decimal.Decimal
		if err := d.UnmarshalJSON(trimmed); err != nil {
			return Value{}, false, fmt.Errorf("expected decimal amount: %w", err)
		}
		return AmountValue(d), true, nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, false, fmt.Errorf("expected boolean: %w", err)
		}
		return BoolValue(b), true, nil
	case KindTime:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, false, fmt.Errorf("expected RFC3339 time: %w", err)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Value{}, false, fmt.Errorf("expected RFC3339 time: %w", err)
		}
		return TimeValue(t), true, nil
	}
	return Value{}, false, fmt.Errorf("unknown field kind %q", kind)
}

// Attributes holds the set domain attributes of an entity.
type Attributes map[string]Value

func (a Attributes) Plain() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.Plain()
	}
	return out
}
