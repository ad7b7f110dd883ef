// Package model defines data structures for the negotiation platform.
package model

import (
	"time"
)

// ContractType is the kind of engagement a contract covers.
type ContractType string

const (
	ContractTypeFreelancer ContractType = "freelancer"
	ContractTypeAgency     ContractType = "agency"
)

// ContractStatus is the externally visible lifecycle state of a contract.
type ContractStatus string

const (
	ContractStatusDraft            ContractStatus = "draft"
	ContractStatusInvitationSent   ContractStatus = "invitation_sent"
	ContractStatusInNegotiation    ContractStatus = "in_negotiation"
	ContractStatusSignaturePending ContractStatus = "signature_pending"
	ContractStatusCompleted        ContractStatus = "completed"
	ContractStatusExpired          ContractStatus = "expired"
)

// SectionStatus is the negotiation status of one contract section.
type SectionStatus string

const (
	SectionPending    SectionStatus = "pending"
	SectionDiscussing SectionStatus = "discussing"
	SectionAgreed     SectionStatus = "agreed"
	SectionConflicted SectionStatus = "conflicted"
)

// ParseSectionStatus accepts the canonical names plus the legacy "in_negotiation" alias.
func ParseSectionStatus(s string) (SectionStatus, bool) {
	switch s {
	case "pending":
		return SectionPending, true
	case "discussing", "in_negotiation":
		return SectionDiscussing, true
	case "agreed":
		return SectionAgreed, true
	case "conflicted":
		return SectionConflicted, true
	}
	return "", false
}

// PartyRole identifies a participant seat in a negotiation.
type PartyRole string

const (
	RoleClient     PartyRole = "client"
	RoleFreelancer PartyRole = "freelancer"
	RoleMediator   PartyRole = "mediator"
)

// HumanRoles are the two seats that must be filled before negotiation starts.
var HumanRoles = []PartyRole{RoleClient, RoleFreelancer}

// IsHuman reports whether the role is one of the two negotiating seats.
func (r PartyRole) IsHuman() bool {
	return r == RoleClient || r == RoleFreelancer
}

// Counterpart returns the other human seat.
func (r PartyRole) Counterpart() PartyRole {
	switch r {
	case RoleClient:
		return RoleFreelancer
	case RoleFreelancer:
		return RoleClient
	}
	return ""
}

// Contract is a contract instantiated from a template.
type Contract struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Type        ContractType   `json:"type"`
	Status      ContractStatus `json:"status"`
	TemplateID  string         `json:"templateId"`
	Sections    []Section      `json:"sections"`
	Parties     []Party        `json:"parties"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	SignedAt    *time.Time     `json:"signedAt,omitempty"`
}

// SectionContent is the clause text plus template variables.
type SectionContent struct {
	Text      string         `json:"text"`
	Variables map[string]any `json:"variables,omitempty"`
}

// KeyTerm is a labelled term extracted from a section.
type KeyTerm struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Section is one clause or topic negotiated independently.
type Section struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Order              int                `json:"order"`
	Status             SectionStatus      `json:"status"`
	Content            SectionContent     `json:"content"`
	KeyTerms           []KeyTerm          `json:"keyTerms"`
	LastModifiedBy     PartyRole          `json:"lastModifiedBy,omitempty"`
	NegotiationHistory []NegotiationEvent `json:"negotiationHistory"`
	AIMemoryWiped      bool               `json:"aiMemoryWiped"`
}

// Party is a seat taken by a user in a negotiation.
type Party struct {
	ID       string    `json:"id"`
	Role     PartyRole `json:"role"`
	UserRef  string    `json:"userRef"`
	JoinedAt time.Time `json:"joinedAt"`
	IsActive bool      `json:"isActive"`
}

// CreateContractRequest is the request to instantiate a contract from a template.
type CreateContractRequest struct {
	Title      string       `json:"title"`
	Type       ContractType `json:"type"`
	TemplateID string       `json:"templateId"`
}

// JoinRequest is the request to take a seat in a negotiation room.
type JoinRequest struct {
	Role PartyRole `json:"role"`
}
