package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/akmatori/autopilot/internal/alerts"
)

// GenericAdapter accepts events already in a flat, documented shape
type GenericAdapter struct {
	alerts.BaseAdapter
}

// NewGenericAdapter creates a new generic adapter
func NewGenericAdapter() *GenericAdapter {
	return &GenericAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "generic"},
	}
}

// GenericPayload is a single event or a batch under "events"
type GenericPayload struct {
	GenericEvent
	Events []GenericEvent `json:"events"`
}

// GenericEvent is the flat event shape
type GenericEvent struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    string            `json:"severity"`
	Status      string            `json:"status"`
	Services    []string          `json:"services"`
	Host        string            `json:"host"`
	Labels      map[string]string `json:"labels"`
	ErrorType   string            `json:"error_type"`
	Signature   string            `json:"signature"`
	Fingerprint string            `json:"fingerprint"`
	Timestamp   *time.Time        `json:"timestamp"`
}

// ValidateWebhookSecret validates the shared secret header
func (a *GenericAdapter) ValidateWebhookSecret(r *http.Request, _ []byte, secret string) error {
	return alerts.CheckSecret(r, secret, "X-Autopilot-Secret", "Authorization")
}

// ParsePayload parses one or many generic events; every event needs a title
func (a *GenericAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload GenericPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse generic payload: %w", err)
	}

	batch := payload.Events
	if len(batch) == 0 {
		batch = []GenericEvent{payload.GenericEvent}
	}

	events := make([]alerts.NormalizedEvent, 0, len(batch))
	for i, ev := range batch {
		if ev.Title == "" {
			return nil, fmt.Errorf("generic event %d has no title", i)
		}
		if alerts.IsRecovery(ev.Status) {
			continue
		}
		events = append(events, alerts.NormalizedEvent{
			Title:       ev.Title,
			Description: ev.Description,
			Severity:    alerts.NormalizeSeverity(ev.Severity, alerts.DefaultSeverityMapping),
			Services:    ev.Services,
			Host:        ev.Host,
			Labels:      ev.Labels,
			ErrorType:   alerts.FirstNonEmpty(ev.ErrorType, ev.Title),
			Signature:   alerts.FirstNonEmpty(ev.Signature, ev.Description, ev.Title),
			Fingerprint: ev.Fingerprint,
			OccurredAt:  ev.Timestamp,
			RawPayload: map[string]interface{}{
				"title":    ev.Title,
				"severity": ev.Severity,
				"status":   ev.Status,
			},
		})
	}
	return events, nil
}
