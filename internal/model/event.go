package model

import (
	"encoding/json"
	"time"
)

// EventType is the kind of negotiation move made on a section.
type EventType string

const (
	EventProposal   EventType = "proposal"
	EventAcceptance EventType = "acceptance"
	EventRejection  EventType = "rejection"
	EventCounter    EventType = "counter"
	EventComment    EventType = "comment"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventProposal, EventAcceptance, EventRejection, EventCounter, EventComment:
		return true
	}
	return false
}

// Data keys understood by the reducer.
const (
	DataProposalID = "proposalId"
	DataContent    = "content"
	DataKeyTerms   = "keyTerms"
)

// NegotiationEvent is an append-only move on a contract section.
type NegotiationEvent struct {
	ID          string         `json:"id"`
	SectionID   string         `json:"sectionId"`
	Type        EventType      `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	PerformedBy PartyRole      `json:"performedBy"`
	Message     string         `json:"message,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ProposalRef returns the proposal id an acceptance refers to.
func (e NegotiationEvent) ProposalRef() string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[DataProposalID].(string)
	return s
}

// ProposedContent returns the clause text carried by a proposal, if any.
func (e NegotiationEvent) ProposedContent() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	s, ok := e.Data[DataContent].(string)
	return s, ok
}

// ProposedKeyTerms decodes the key terms carried by a proposal, if any.
func (e NegotiationEvent) ProposedKeyTerms() ([]KeyTerm, bool) {
	if e.Data == nil {
		return nil, false
	}
	raw, ok := e.Data[DataKeyTerms]
	if !ok {
		return nil, false
	}
	if terms, ok := raw.([]KeyTerm); ok {
		return terms, true
	}
	// Terms arriving over JSON are []any of maps; round-trip them.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var terms []KeyTerm
	if err := json.Unmarshal(b, &terms); err != nil {
		return nil, false
	}
	return terms, true
}

// ControlAction is a session-level command recorded in the log.
type ControlAction string

const (
	ControlJoin    ControlAction = "join"
	ControlLeave   ControlAction = "leave"
	ControlAdvance ControlAction = "advance"
	ControlSign    ControlAction = "sign"
	ControlAbandon ControlAction = "abandon"
)

// Control is a logged session command.
type Control struct {
	Action    ControlAction `json:"action"`
	Role      PartyRole     `json:"role,omitempty"`
	PartyID   string        `json:"partyId,omitempty"`
	UserRef   string        `json:"userRef,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}
