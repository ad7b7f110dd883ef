package model

import (
	"strings"
	"time"
)

// AIRole identifies an AI participant in a room.
type AIRole string

const (
	AIMediator        AIRole = "ai_mediator"
	AILawyerClient    AIRole = "ai_lawyer_client"
	AILawyerFreelance AIRole = "ai_lawyer_freelancer"
)

// AIRoles lists every AI seat of a negotiation.
var AIRoles = []AIRole{AIMediator, AILawyerClient, AILawyerFreelance}

// LawyerFor returns the private lawyer seat advising party.
func LawyerFor(party PartyRole) AIRole {
	switch party {
	case RoleClient:
		return AILawyerClient
	case RoleFreelancer:
		return AILawyerFreelance
	}
	return ""
}

// Client returns the human party a lawyer advises, or "" for the mediator.
func (r AIRole) Client() PartyRole {
	switch r {
	case AILawyerClient:
		return RoleClient
	case AILawyerFreelance:
		return RoleFreelancer
	}
	return ""
}

// IsLawyer reports whether r is a private lawyer seat.
func (r AIRole) IsLawyer() bool {
	return r == AILawyerClient || r == AILawyerFreelance
}

// Sender is the author of a chat message relative to the party viewing it.
type Sender string

const (
	SenderUser          Sender = "user"
	SenderOtherParty    Sender = "other_party"
	SenderAIMediator    Sender = "ai_mediator"
	SenderAILawyerUser  Sender = "ai_lawyer_user"
	SenderAILawyerOther Sender = "ai_lawyer_other"
	SenderSystem        Sender = "system"
)

// AuthorSystem marks messages produced by the room itself.
const AuthorSystem = "system"

// NegotiationMessage is a conversational log entry. It never drives contract state.
type NegotiationMessage struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Sender    Sender    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SectionID string    `json:"sectionId,omitempty"`

	// Private messages are visible only to Audience and its lawyer.
	Private  bool      `json:"private,omitempty"`
	Audience PartyRole `json:"audience,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
}

// AuthorParty returns the human author of the message, or "".
func (m NegotiationMessage) AuthorParty() PartyRole {
	r := PartyRole(m.Author)
	if r.IsHuman() {
		return r
	}
	return ""
}

// AuthorAI returns the AI author of the message, or "".
func (m NegotiationMessage) AuthorAI() AIRole {
	if strings.HasPrefix(m.Author, "ai_") {
		return AIRole(m.Author)
	}
	return ""
}

// VisibleTo reports whether viewer may see the message.
func (m NegotiationMessage) VisibleTo(viewer PartyRole) bool {
	return m.Audience == "" || m.Audience == viewer
}

// ForViewer projects the message onto the viewer's perspective.
func (m NegotiationMessage) ForViewer(viewer PartyRole) NegotiationMessage {
	m.Sender = SenderFor(m.Author, viewer)
	return m
}

// SenderFor maps an author onto the sender label seen by viewer.
func SenderFor(author string, viewer PartyRole) Sender {
	switch author {
	case AuthorSystem:
		return SenderSystem
	case string(AIMediator):
		return SenderAIMediator
	case string(RoleClient), string(RoleFreelancer):
		if PartyRole(author) == viewer {
			return SenderUser
		}
		return SenderOtherParty
	}
	if r := AIRole(author); r.IsLawyer() {
		if r.Client() == viewer {
			return SenderAILawyerUser
		}
		return SenderAILawyerOther
	}
	return SenderSystem
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	Content string `json:"content"`
	Private bool   `json:"private,omitempty"`
}

// PartialEvent carries an incremental AI response that is not part of the log.
type PartialEvent struct {
	Role       AIRole `json:"role"`
	SectionID  string `json:"sectionId"`
	RequestID  string `json:"requestId"`
	Content    string `json:"content"`
	Index      int    `json:"index"`
	IsComplete bool   `json:"isComplete"`
}

// ErrorEvent is an error reported to a single sender.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent keeps idle streams open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
