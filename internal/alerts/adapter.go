package alerts

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/akmatori/autopilot/internal/database"
)

// ErrInvalidSecret is returned when a webhook fails secret validation
var ErrInvalidSecret = errors.New("invalid webhook secret")

// NormalizedEvent is the common event format all adapters produce
type NormalizedEvent struct {
	Title       string
	Description string
	Severity    database.Severity

	// Services are the affected service names, not yet de-duplicated
	Services []string
	Host     string
	Labels   map[string]string

	// ErrorType is the class of failure (exception type, alert rule name, check name)
	ErrorType string
	// Signature is the most specific stable description of the failure
	Signature string

	Fingerprint string
	OccurredAt  *time.Time
	RawPayload  map[string]interface{}
}

// Adapter defines the interface for source-specific payload parsing
type Adapter interface {
	// GetSourceType returns the source name used in the webhook path (e.g. "datadog")
	GetSourceType() string

	// ValidateWebhookSecret checks the request against the configured secret.
	// An empty secret disables validation.
	ValidateWebhookSecret(r *http.Request, body []byte, secret string) error

	// ParsePayload parses a raw body into normalized events. Recovery
	// notifications are skipped, so a valid payload may yield no events.
	ParsePayload(body []byte) ([]NormalizedEvent, error)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	SourceType string
}

// GetSourceType returns the source type name
func (b *BaseAdapter) GetSourceType() string {
	return b.SourceType
}

// CheckSecret compares the first non-empty header among names against secret,
// accepting both the bare value and a Bearer token.
func CheckSecret(r *http.Request, secret string, headers ...string) error {
	if secret == "" {
		return nil
	}
	var got string
	for _, h := range headers {
		if got = r.Header.Get(h); got != "" {
			break
		}
	}
	got = strings.TrimPrefix(got, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// ExtractNestedValue extracts a value using dot notation (e.g., "labels.alertname")
func ExtractNestedValue(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	current := interface{}(data)
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case map[string]string:
			current = v[part]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}

// ExtractString extracts a string value using dot notation
func ExtractString(data map[string]interface{}, path string) string {
	if s, ok := ExtractNestedValue(data, path).(string); ok {
		return s
	}
	return ""
}

// FirstNonEmpty returns the first non-blank value
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// NormalizeSeverity maps source severity strings onto the four issue severities.
// Unknown values become medium.
func NormalizeSeverity(severity string, severityMapping map[string][]string) database.Severity {
	severity = strings.ToLower(strings.TrimSpace(severity))

	switch severity {
	case "critical":
		return database.SeverityCritical
	case "high":
		return database.SeverityHigh
	case "medium", "warning":
		return database.SeverityMedium
	case "low", "info", "informational":
		return database.SeverityLow
	}

	for normalized, aliases := range severityMapping {
		for _, alias := range aliases {
			if strings.ToLower(alias) == severity {
				return database.Severity(normalized)
			}
		}
	}

	return database.SeverityMedium
}

// IsRecovery reports whether a source status string denotes a recovery
func IsRecovery(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "resolved", "ok", "recovered", "recovery", "inactive", "closed", "success":
		return true
	}
	return false
}

// DefaultSeverityMapping provides default aliases for common severity values
var DefaultSeverityMapping = map[string][]string{
	"critical": {"critical", "disaster", "p1", "5", "emergency", "fatal", "sev1"},
	"high":     {"high", "major", "p2", "4", "error", "severe", "sev2"},
	"medium":   {"warning", "minor", "p3", "3", "average", "warn", "sev3"},
	"low":      {"info", "informational", "p4", "p5", "1", "2", "notice", "debug", "sev4"},
}

var (
	numberPattern = regexp.MustCompile(`\d+`)
	hexPattern    = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b|\b[0-9a-f]{8,}\b`)
)

// StableSignature strips volatile tokens (numbers, hex ids) so repeated
// occurrences of the same failure produce the same signature.
func StableSignature(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = hexPattern.ReplaceAllString(s, "<id>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	return strings.Join(strings.Fields(s), " ")
}
