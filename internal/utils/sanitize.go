package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateUUID checks that id is a canonical UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if !uuidPattern.MatchString(id) {
		return fmt.Errorf("invalid id format: %s", id)
	}
	return nil
}

// EscapeForLogging makes untrusted payload text safe for a single log line
func EscapeForLogging(text string, maxLen int) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	return TruncateText(text, maxLen)
}
