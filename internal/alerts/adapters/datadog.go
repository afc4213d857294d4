package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/akmatori/autopilot/internal/alerts"
	"github.com/akmatori/autopilot/internal/database"
)

// DatadogAdapter handles Datadog monitor webhooks
type DatadogAdapter struct {
	alerts.BaseAdapter
}

// NewDatadogAdapter creates a new Datadog adapter
func NewDatadogAdapter() *DatadogAdapter {
	return &DatadogAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "datadog"},
	}
}

// DatadogPayload represents the webhook payload from Datadog
type DatadogPayload struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	AlertType     string   `json:"alert_type"` // error, warning, info, success
	Priority      string   `json:"priority"`   // normal, low
	AlertID       string   `json:"alert_id"`
	AlertTitle    string   `json:"alert_title"`
	AlertStatus   string   `json:"alert_status"` // Triggered, Recovered, etc.
	AlertCycleKey string   `json:"alert_cycle_key"`
	AlertMetric   string   `json:"alert_metric"`
	AlertQuery    string   `json:"alert_query"`
	Hostname      string   `json:"hostname"`
	Date          int64    `json:"date"`
	Tags          []string `json:"tags"`
}

// ValidateWebhookSecret validates the Datadog webhook secret
func (a *DatadogAdapter) ValidateWebhookSecret(r *http.Request, _ []byte, secret string) error {
	return alerts.CheckSecret(r, secret, "X-Datadog-Signature", "DD-API-KEY", "Authorization")
}

// ParsePayload parses a Datadog webhook payload
func (a *DatadogAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload DatadogPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse datadog payload: %w", err)
	}
	if payload.AlertTitle == "" && payload.Title == "" {
		return nil, fmt.Errorf("datadog payload has no title")
	}
	if a.isRecovery(payload) {
		return nil, nil
	}
	return []alerts.NormalizedEvent{a.parseEvent(payload)}, nil
}

func (a *DatadogAdapter) parseEvent(payload DatadogPayload) alerts.NormalizedEvent {
	tags := parseTags(payload.Tags)

	var services []string
	for _, key := range []string{"service", "app"} {
		if v, ok := tags[key]; ok {
			services = append(services, v)
		}
	}

	var occurredAt *time.Time
	if payload.Date > 0 {
		t := time.Unix(payload.Date, 0).UTC()
		occurredAt = &t
	}

	title := alerts.FirstNonEmpty(payload.AlertTitle, payload.Title)

	return alerts.NormalizedEvent{
		Title:       title,
		Description: payload.Body,
		Severity:    a.mapAlertTypeToSeverity(payload.AlertType, payload.Priority, tags["severity"]),
		Services:    services,
		Host:        alerts.FirstNonEmpty(payload.Hostname, tags["host"]),
		Labels:      tags,
		ErrorType:   alerts.FirstNonEmpty(payload.AlertMetric, title),
		Signature:   alerts.FirstNonEmpty(payload.AlertQuery, title),
		Fingerprint: alerts.FirstNonEmpty(payload.AlertCycleKey, payload.AlertID, payload.ID),
		OccurredAt:  occurredAt,
		RawPayload: map[string]interface{}{
			"id":           payload.ID,
			"alert_id":     payload.AlertID,
			"alert_type":   payload.AlertType,
			"alert_status": payload.AlertStatus,
			"alert_query":  payload.AlertQuery,
			"tags":         payload.Tags,
		},
	}
}

func (a *DatadogAdapter) isRecovery(payload DatadogPayload) bool {
	status := strings.ToLower(payload.AlertStatus)
	return strings.Contains(status, "recovered") ||
		strings.Contains(status, "resolved") ||
		strings.EqualFold(payload.AlertType, "success")
}

// mapAlertTypeToSeverity maps Datadog alert_type (or an explicit severity tag) to a severity
func (a *DatadogAdapter) mapAlertTypeToSeverity(alertType, priority, severityTag string) database.Severity {
	if severityTag != "" {
		return alerts.NormalizeSeverity(severityTag, alerts.DefaultSeverityMapping)
	}

	switch strings.ToLower(alertType) {
	case "error":
		return database.SeverityHigh
	case "warning":
		return database.SeverityMedium
	case "info":
		return database.SeverityLow
	}

	if strings.EqualFold(priority, "low") {
		return database.SeverityLow
	}
	return database.SeverityMedium
}

// parseTags parses "key:value" tags into a map
func parseTags(tags []string) map[string]string {
	result := make(map[string]string)
	for _, tag := range tags {
		parts := strings.SplitN(tag, ":", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		} else {
			result[tag] = "true"
		}
	}
	return result
}
