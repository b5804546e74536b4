package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Payload is an opaque, already-rendered JSON value captured from an SDK call.
// Values that cannot be represented as JSON are kept as their string form.
type Payload struct {
	raw json.RawMessage
}

// NewPayload renders v into a Payload. It never fails and never panics.
func NewPayload(v any) Payload {
	if raw, ok := marshal(v); ok {
		return Payload{raw: raw}
	}
	raw, _ := json.Marshal(stringify(v))
	return Payload{raw: raw}
}

// NewObjectPayload renders v into a Payload that is guaranteed to be a JSON
// object. Non-object values are nested under a "value" key.
func NewObjectPayload(v any) Payload {
	if v == nil {
		return Payload{raw: json.RawMessage(`{}`)}
	}
	p := NewPayload(v)
	if p.IsObject() {
		return p
	}
	raw, _ := json.Marshal(map[string]json.RawMessage{"value": p.raw})
	return Payload{raw: raw}
}

// RawPayload wraps bytes that are known to be valid JSON.
func RawPayload(raw json.RawMessage) Payload {
	if !json.Valid(raw) {
		return NewPayload(string(raw))
	}
	return Payload{raw: append(json.RawMessage(nil), raw...)}
}

// IsObject reports whether the payload holds a JSON object.
func (p Payload) IsObject() bool {
	trimmed := bytes.TrimSpace(p.raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Bytes returns the JSON encoding of the payload.
func (p Payload) Bytes() []byte {
	if len(p.raw) == 0 {
		return []byte("null")
	}
	return p.raw
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	return json.Unmarshal(p.Bytes(), v)
}

func (p Payload) String() string {
	return string(p.Bytes())
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	p.raw = append(p.raw[:0], data...)
	return nil
}

func marshal(v any) (raw json.RawMessage, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			raw, ok = nil, false
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

func stringify(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("<%T>", v)
		}
	}()
	switch reflect.ValueOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("<%T>", v)
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
