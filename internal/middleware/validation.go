package middleware

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageBytes bounds an inbound lead message.
const MaxMessageBytes = 100 * 1024

var leadIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@+\-]{1,128}$`)

// ValidateMessageContent validates inbound lead message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message cannot be empty")
	}
	if len(content) > MaxMessageBytes {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateLeadID validates a lead ID. Channel adapters use phone numbers,
// e-mail addresses or opaque handles, so the check is syntactic only.
func ValidateLeadID(id string) error {
	if !leadIDPattern.MatchString(id) {
		return errors.New("invalid lead ID format")
	}
	return nil
}

// ValidateAgentID validates an agent profile ID.
func ValidateAgentID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid agent ID format")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}

// ValidateName validates an agent display name.
func ValidateName(name string) error {
	if len(name) > 256 {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}
