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

// NewRelicAdapter handles New Relic workflow webhooks
type NewRelicAdapter struct {
	alerts.BaseAdapter
}

// NewNewRelicAdapter creates a new New Relic adapter
func NewNewRelicAdapter() *NewRelicAdapter {
	return &NewRelicAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "newrelic"},
	}
}

// NewRelicPayload represents the default workflow webhook template
type NewRelicPayload struct {
	IssueID          string   `json:"issueId"`
	IssueURL         string   `json:"issueUrl"`
	Title            string   `json:"title"`
	Priority         string   `json:"priority"` // CRITICAL, HIGH, MEDIUM, LOW
	State            string   `json:"state"`    // CREATED, ACTIVATED, CLOSED
	ImpactedEntities []string `json:"impactedEntities"`
	CreatedAt        int64    `json:"createdAt"` // epoch millis
	Accumulations    struct {
		ConditionName []string `json:"conditionName"`
		PolicyName    []string `json:"policyName"`
	} `json:"accumulations"`
}

// ValidateWebhookSecret validates the New Relic webhook header
func (a *NewRelicAdapter) ValidateWebhookSecret(r *http.Request, _ []byte, secret string) error {
	return alerts.CheckSecret(r, secret, "X-NewRelic-Secret", "Authorization")
}

// ParsePayload parses a New Relic workflow payload
func (a *NewRelicAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload NewRelicPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse newrelic payload: %w", err)
	}
	if payload.Title == "" || payload.IssueID == "" {
		return nil, fmt.Errorf("newrelic payload requires issueId and title")
	}
	if strings.EqualFold(payload.State, "CLOSED") {
		return nil, nil
	}

	var occurredAt *time.Time
	if payload.CreatedAt > 0 {
		t := time.UnixMilli(payload.CreatedAt).UTC()
		occurredAt = &t
	}

	condition := ""
	if len(payload.Accumulations.ConditionName) > 0 {
		condition = payload.Accumulations.ConditionName[0]
	}

	return []alerts.NormalizedEvent{{
		Title:       payload.Title,
		Severity:    a.mapPriority(payload.Priority),
		Services:    payload.ImpactedEntities,
		ErrorType:   alerts.FirstNonEmpty(condition, payload.Title),
		Signature:   payload.Title,
		Fingerprint: payload.IssueID,
		OccurredAt:  occurredAt,
		RawPayload: map[string]interface{}{
			"issueId":  payload.IssueID,
			"issueUrl": payload.IssueURL,
			"priority": payload.Priority,
			"state":    payload.State,
		},
	}}, nil
}

func (a *NewRelicAdapter) mapPriority(priority string) database.Severity {
	switch strings.ToUpper(priority) {
	case "CRITICAL":
		return database.SeverityCritical
	case "HIGH":
		return database.SeverityHigh
	case "LOW":
		return database.SeverityLow
	}
	return database.SeverityMedium
}
