// Package record defines the normalized call record emitted for every
// intercepted SDK invocation, and the builder that produces it.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed is returned by Validate for records that carry both or neither
// of a response and an error.
var ErrMalformed = errors.New("call record must carry exactly one of response or error")

// Request holds the captured inputs of an SDK call.
type Request struct {
	Args   []Payload `json:"args"`
	Kwargs Payload   `json:"kwargs"`
}

// CallRecord is one entry per SDK invocation.
type CallRecord struct {
	// CallID identifies the record across backends. It is not part of the
	// wire body.
	CallID string `json:"-"`

	SDKMethod      string   `json:"sdk_method"`
	Request        Request  `json:"request"`
	Response       *Payload `json:"response,omitempty"`
	Error          *string  `json:"error,omitempty"`
	LatencySeconds float64  `json:"latency_s"`
	RequestID      string   `json:"request_id,omitempty"`
	Streaming      bool     `json:"streaming,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

// Call describes the inputs of an intercepted invocation. Go SDKs take a
// request struct rather than keyword arguments, so Kwargs is usually that
// struct and Args carries any remaining positional inputs.
type Call struct {
	Args      []any
	Kwargs    any
	Streaming bool
}

// Outcome is either a success value or a captured failure.
type Outcome struct {
	Response  any
	Err       error
	RequestID string
}

// Build constructs a CallRecord. It never panics: anything that cannot be
// rendered as JSON is recorded as its string form.
func Build(method string, call Call, outcome Outcome, elapsed time.Duration) (rec CallRecord) {
	if elapsed < 0 {
		elapsed = 0
	}
	rec = CallRecord{
		CallID:         uuid.NewString(),
		SDKMethod:      method,
		LatencySeconds: elapsed.Seconds(),
		RequestID:      outcome.RequestID,
		Streaming:      call.Streaming,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("record build failed: %v", r)
			rec.Request = Request{Args: []Payload{}, Kwargs: NewObjectPayload(nil)}
			rec.Response = nil
			rec.Error = &msg
		}
	}()

	args := make([]Payload, 0, len(call.Args))
	for _, a := range call.Args {
		args = append(args, NewPayload(a))
	}
	rec.Request = Request{Args: args, Kwargs: NewObjectPayload(call.Kwargs)}

	if outcome.Err != nil {
		msg := outcome.Err.Error()
		rec.Error = &msg
		return rec
	}
	resp := NewPayload(outcome.Response)
	rec.Response = &resp
	return rec
}

// Validate checks the response/error invariant.
func (r CallRecord) Validate() error {
	if (r.Response == nil) == (r.Error == nil) {
		return ErrMalformed
	}
	if r.SDKMethod == "" {
		return fmt.Errorf("call record has no sdk_method")
	}
	return nil
}

// Failed reports whether the record captures an error.
func (r CallRecord) Failed() bool {
	return r.Error != nil
}

// Marshal returns the wire encoding of the record.
func (r CallRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses a wire-encoded record. The wire body does not carry a
// CallID, so one is derived from the bytes: the same line always maps to the
// same id.
func Unmarshal(data []byte) (CallRecord, error) {
	var rec CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CallRecord{}, fmt.Errorf("decode call record: %w", err)
	}
	if rec.Response == nil && rec.Error == nil {
		// A null response decodes to a nil pointer; keep it as present.
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err == nil {
			if _, ok := keys["response"]; ok {
				null := NewPayload(nil)
				rec.Response = &null
			}
		}
	}
	rec.CallID = uuid.NewSHA1(uuid.NameSpaceOID, data).String()
	return rec, nil
}
