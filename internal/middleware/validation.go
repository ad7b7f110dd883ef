package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

// ValidateMessageContent validates chat content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 20000 {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateContractID validates a contract ID.
func ValidateContractID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid contract ID format")
	}
	return nil
}

// ValidateTitle validates a contract title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateRole validates a seat requested by a human party.
func ValidateRole(role model.PartyRole) error {
	if !role.IsHuman() {
		return errors.New("role must be client or freelancer")
	}
	return nil
}
