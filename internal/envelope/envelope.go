// Package envelope defines the wire format exchanged between endpoints
// and the relay: a request/response frame correlated by id.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type distinguishes a request frame from a response frame.
type Type string

const (
	Request  Type = "request"
	Response Type = "response"
)

// Envelope is the only shape that travels over the wire in either
// direction. Request frames carry Payload; response frames additionally
// carry Success and, on failure, an advisory Payload.
type Envelope struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Success bool            `json:"success,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds a request envelope with a fresh correlation id,
// marshaling payload into the envelope's Payload field.
func NewRequest(payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:      uuid.New().String(),
		Type:    Request,
		Payload: raw,
	}, nil
}

// NewResponse builds a response envelope echoing id, carrying success and
// an optional payload.
func NewResponse(id string, success bool, payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:      id,
		Type:    Response,
		Success: success,
		Payload: raw,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return raw, nil
}

// UnmarshalPayload decodes the envelope's Payload into out.
func (e *Envelope) UnmarshalPayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("envelope: unmarshal payload: %w", err)
	}
	return nil
}

// Validate reports whether the envelope is structurally sound.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope: missing id")
	}
	switch e.Type {
	case Request, Response:
	default:
		return fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	return nil
}

// ToJSON marshals the envelope to a single line of JSON (no trailing
// newline). Response frames always carry "success", even when false.
func (e *Envelope) ToJSON() ([]byte, error) {
	var v interface{} = e
	if e.Type == Response {
		v = struct {
			ID      string          `json:"id"`
			Type    Type            `json:"type"`
			Success bool            `json:"success"`
			Payload json.RawMessage `json:"payload,omitempty"`
		}{e.ID, e.Type, e.Success, e.Payload}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return raw, nil
}

// FromJSON parses a single JSON line into an Envelope.
func FromJSON(line []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}
