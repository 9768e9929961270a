package middleware

import (
	"fmt"
	"regexp"
	"strings"
)

// Input validation and sanitization utilities

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
	ticketCodePattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
)

// ValidateIdentifier checks ticket, event, operator and scan IDs taken from
// the URL before they reach the store.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("invalid %s format (letters, digits, '_', '-', '.', ':' only, max 128 chars)", field)
	}
	return nil
}

// ValidateTicketCode checks a printed ticket code
func ValidateTicketCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("ticket code cannot be empty")
	}
	if !ticketCodePattern.MatchString(code) {
		return fmt.Errorf("invalid ticket code format")
	}
	return nil
}

// SanitizeString removes control characters and surrounding space from
// identifiers supplied in a body.
func SanitizeString(input string) string {
	return strings.TrimSpace(StripControl(input))
}

// StripControl drops NUL and other control characters, keeping tabs. The rest
// of the value, spacing included, is left as sent.
func StripControl(input string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || (r >= 32 && r != 127) {
			return r
		}
		return -1
	}, input)
}

// ValidateLimit clamps a feed page size. Zero means the service default.
func ValidateLimit(limit, maxLimit int) int {
	if limit < 0 {
		return 0
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
