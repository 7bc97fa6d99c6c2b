package api

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxDestinationLen bounds a dial destination (a SIP URI or dialable number).
const maxDestinationLen = 256

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateDestination checks the shape of a dial destination. Blank input
// passes here: the coordinator rejects it and raises a notice for the agent.
func validateDestination(value string) string {
	if msg := validateStringLen("destination", value, maxDestinationLen); msg != "" {
		return msg
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return "destination contains control characters"
	}
	return ""
}
