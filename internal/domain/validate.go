package domain

import (
	"strings"
	"unicode/utf8"
)

// ValidateContent enforces the ingress bounds on message content.
// Whitespace-only content counts as empty; length is measured in
// Unicode codepoints, not bytes.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}
