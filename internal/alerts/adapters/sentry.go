package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/akmatori/autopilot/internal/alerts"
)

// SentryAdapter handles Sentry issue and event alert webhooks
type SentryAdapter struct {
	alerts.BaseAdapter
}

// NewSentryAdapter creates a new Sentry adapter
func NewSentryAdapter() *SentryAdapter {
	return &SentryAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "sentry"},
	}
}

// SentryPayload covers both the "issue" resource and event alert webhooks
type SentryPayload struct {
	Action string `json:"action"`
	Data   struct {
		Event         *SentryEvent `json:"event"`
		Issue         *SentryEvent `json:"issue"`
		TriggeredRule string       `json:"triggered_rule"`
	} `json:"data"`
}

// SentryEvent is the subset of a Sentry event or issue used for normalization
type SentryEvent struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id"`
	Title    string `json:"title"`
	Level    string `json:"level"`
	Culprit  string `json:"culprit"`
	Metadata struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"metadata"`
	Tags        [][]string `json:"tags"`
	Fingerprint []string   `json:"fingerprint"`
	Project     struct {
		Slug string `json:"slug"`
	} `json:"project"`
	Timestamp *float64 `json:"timestamp"`
	FirstSeen string   `json:"firstSeen"`
}

// ValidateWebhookSecret validates the Sentry client secret header
func (a *SentryAdapter) ValidateWebhookSecret(r *http.Request, _ []byte, secret string) error {
	return alerts.CheckSecret(r, secret, "X-Sentry-Token", "Authorization")
}

// ParsePayload parses a Sentry webhook payload
func (a *SentryAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload SentryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse sentry payload: %w", err)
	}

	ev := payload.Data.Event
	if ev == nil {
		ev = payload.Data.Issue
	}
	if ev == nil || ev.Title == "" {
		return nil, fmt.Errorf("sentry payload has neither event nor issue")
	}
	if payload.Action == "resolved" || payload.Action == "ignored" {
		return nil, nil
	}

	tags := make(map[string]string, len(ev.Tags))
	for _, pair := range ev.Tags {
		if len(pair) == 2 {
			tags[pair[0]] = pair[1]
		}
	}

	var services []string
	if s := alerts.FirstNonEmpty(tags["service"], ev.Project.Slug); s != "" {
		services = append(services, s)
	}

	var occurredAt *time.Time
	if ev.Timestamp != nil {
		t := time.Unix(int64(*ev.Timestamp), 0).UTC()
		occurredAt = &t
	} else if t, err := time.Parse(time.RFC3339, ev.FirstSeen); err == nil {
		occurredAt = &t
	}

	fingerprint := alerts.FirstNonEmpty(ev.ID, ev.EventID)
	if len(ev.Fingerprint) > 0 && ev.Fingerprint[0] != "{{ default }}" {
		fingerprint = ev.Fingerprint[0]
	}

	return []alerts.NormalizedEvent{{
		Title:       ev.Title,
		Description: alerts.FirstNonEmpty(ev.Metadata.Value, ev.Culprit),
		Severity:    alerts.NormalizeSeverity(ev.Level, alerts.DefaultSeverityMapping),
		Services:    services,
		Host:        tags["server_name"],
		Labels:      tags,
		ErrorType:   alerts.FirstNonEmpty(ev.Metadata.Type, ev.Title),
		Signature:   alerts.FirstNonEmpty(ev.Culprit, ev.Metadata.Value, ev.Title),
		Fingerprint: fingerprint,
		OccurredAt:  occurredAt,
		RawPayload: map[string]interface{}{
			"action":         payload.Action,
			"id":             alerts.FirstNonEmpty(ev.ID, ev.EventID),
			"culprit":        ev.Culprit,
			"level":          ev.Level,
			"triggered_rule": payload.Data.TriggeredRule,
		},
	}}, nil
}
