// Package webhook models the chat platform's webhook documents.
//
// Every delivery is an Envelope whose Payload.Content is a nested, tagged
// structure. The "_t" discriminator selects one of a small set of typed
// variants (see DecodeContent); nothing downstream walks a generic map.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingEventID  = errors.New("webhook: missing EventId")
	ErrMissingContent  = errors.New("webhook: missing Payload.Content")
	ErrUnknownContent  = errors.New("webhook: unrecognised content variant")
	ErrInvalidEnvelope = errors.New("webhook: invalid envelope")
)

// Envelope is the outer document delivered on every webhook call.
type Envelope struct {
	Type      string  `json:"Type"`
	EventDate Time    `json:"EventDate"`
	EventID   string  `json:"EventId"`
	Payload   Payload `json:"Payload"`
}

// Payload wraps the polymorphic content.
type Payload struct {
	Type    string          `json:"Type"`
	Content json.RawMessage `json:"Content"`
}

// ParseEnvelope decodes the envelope and checks the fields the event store
// needs before anything else can happen.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.EventID = strings.TrimSpace(env.EventID)
	if env.EventID == "" {
		return nil, ErrMissingEventID
	}
	env.Type = strings.TrimSpace(env.Type)
	return &env, nil
}

// EventType returns the most specific type label available.
func (e *Envelope) EventType() string {
	if e.Type != "" {
		return e.Type
	}
	if e.Payload.Type != "" {
		return e.Payload.Type
	}
	return "unknown"
}
