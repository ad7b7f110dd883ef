package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType discriminates envelope payloads.
type EnvelopeType string

const (
	EnvelopeChat             EnvelopeType = "chat"
	EnvelopeNegotiationEvent EnvelopeType = "negotiation_event"
	EnvelopeControl          EnvelopeType = "control"

	// Transient envelopes, never committed to the log.
	EnvelopePartial EnvelopeType = "ai_partial"
	EnvelopeError   EnvelopeType = "error"
)

// Committed reports whether envelopes of this type belong to the room log.
func (t EnvelopeType) Committed() bool {
	switch t {
	case EnvelopeChat, EnvelopeNegotiationEvent, EnvelopeControl:
		return true
	}
	return false
}

// Envelope is the wire shape shared by inbound requests and outbound broadcasts.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	SessionID string          `json:"sessionId"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Audience  PartyRole       `json:"audience,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// VisibleTo reports whether viewer should receive the envelope.
func (e Envelope) VisibleTo(viewer PartyRole) bool {
	return e.Audience == "" || e.Audience == viewer
}

// ForViewer projects chat payloads onto the viewer's sender perspective.
func (e Envelope) ForViewer(viewer PartyRole) Envelope {
	if e.Type != EnvelopeChat {
		return e
	}
	var m NegotiationMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return e
	}
	raw, err := json.Marshal(m.ForViewer(viewer))
	if err != nil {
		return e
	}
	e.Payload = raw
	return e
}

// Entry is one committed record of a room's authoritative log.
type Entry struct {
	Sequence  uint64              `json:"sequence"`
	Type      EnvelopeType        `json:"type"`
	Event     *NegotiationEvent   `json:"event,omitempty"`
	Message   *NegotiationMessage `json:"message,omitempty"`
	Control   *Control            `json:"control,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Audience returns the only party allowed to see the entry, or "" for everyone.
func (e Entry) Audience() PartyRole {
	if e.Message != nil {
		return e.Message.Audience
	}
	return ""
}

// ForViewer returns a copy of the entry with its message projected for viewer.
func (e Entry) ForViewer(viewer PartyRole) Entry {
	if e.Message != nil {
		m := e.Message.ForViewer(viewer)
		e.Message = &m
	}
	return e
}

// Envelope serializes the entry for the wire.
func (e Entry) Envelope(sessionID string) (Envelope, error) {
	var payload any
	switch e.Type {
	case EnvelopeChat:
		payload = e.Message
	case EnvelopeNegotiationEvent:
		payload = e.Event
	case EnvelopeControl:
		payload = e.Control
	default:
		return Envelope{}, fmt.Errorf("entry %d: unsupported type %q", e.Sequence, e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal entry %d: %w", e.Sequence, err)
	}
	return Envelope{
		Type:      e.Type,
		SessionID: sessionID,
		Sequence:  e.Sequence,
		Audience:  e.Audience(),
		Payload:   raw,
	}, nil
}

// EntryFromEnvelope decodes a committed envelope back into an entry.
func EntryFromEnvelope(env Envelope) (Entry, error) {
	entry := Entry{Sequence: env.Sequence, Type: env.Type}
	switch env.Type {
	case EnvelopeChat:
		var m NegotiationMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return Entry{}, fmt.Errorf("failed to decode chat payload: %w", err)
		}
		entry.Message = &m
		entry.CreatedAt = m.Timestamp
	case EnvelopeNegotiationEvent:
		var ev NegotiationEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Entry{}, fmt.Errorf("failed to decode event payload: %w", err)
		}
		entry.Event = &ev
		entry.CreatedAt = ev.CreatedAt
	case EnvelopeControl:
		var c Control
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return Entry{}, fmt.Errorf("failed to decode control payload: %w", err)
		}
		entry.Control = &c
		entry.CreatedAt = c.CreatedAt
	default:
		return Entry{}, fmt.Errorf("envelope type %q is not a log entry", env.Type)
	}
	return entry, nil
}

// NewTransientEnvelope wraps a non-committed payload.
func NewTransientEnvelope(t EnvelopeType, sessionID string, audience PartyRole, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, SessionID: sessionID, Audience: audience, Payload: raw}, nil
}
