package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/akmatori/autopilot/internal/alerts"
)

// AlertmanagerAdapter handles Prometheus Alertmanager webhooks
type AlertmanagerAdapter struct {
	alerts.BaseAdapter
}

// NewAlertmanagerAdapter creates a new Alertmanager adapter
func NewAlertmanagerAdapter() *AlertmanagerAdapter {
	return &AlertmanagerAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "alertmanager"},
	}
}

// AlertmanagerPayload represents the webhook payload from Alertmanager
type AlertmanagerPayload struct {
	Alerts            []AlertmanagerAlert `json:"alerts"`
	Status            string              `json:"status"`
	GroupLabels       map[string]string   `json:"groupLabels"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
	ExternalURL       string              `json:"externalURL"`
	Version           string              `json:"version"`
	GroupKey          string              `json:"groupKey"`
}

// AlertmanagerAlert represents a single alert in the payload
type AlertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// ValidateWebhookSecret validates the webhook secret header
func (a *AlertmanagerAdapter) ValidateWebhookSecret(r *http.Request, _ []byte, secret string) error {
	return alerts.CheckSecret(r, secret, "X-Alertmanager-Secret", "Authorization")
}

// ParsePayload parses an Alertmanager group into one event per firing alert
func (a *AlertmanagerAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload AlertmanagerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse alertmanager payload: %w", err)
	}
	if payload.Alerts == nil {
		return nil, fmt.Errorf("alertmanager payload has no alerts array")
	}

	var events []alerts.NormalizedEvent
	for _, alert := range payload.Alerts {
		if alerts.IsRecovery(alert.Status) {
			continue
		}
		events = append(events, a.parseAlert(alert, payload.CommonLabels))
	}
	return events, nil
}

func (a *AlertmanagerAdapter) parseAlert(alert AlertmanagerAlert, common map[string]string) alerts.NormalizedEvent {
	labels := make(map[string]string, len(common)+len(alert.Labels))
	for k, v := range common {
		labels[k] = v
	}
	for k, v := range alert.Labels {
		labels[k] = v
	}

	var services []string
	for _, key := range []string{"service", "app", "job"} {
		if v := labels[key]; v != "" {
			services = append(services, v)
			break
		}
	}

	var occurredAt *time.Time
	if !alert.StartsAt.IsZero() {
		t := alert.StartsAt
		occurredAt = &t
	}

	alertName := labels["alertname"]
	summary := alerts.FirstNonEmpty(alert.Annotations["summary"], alertName)

	return alerts.NormalizedEvent{
		Title:       summary,
		Description: alert.Annotations["description"],
		Severity:    alerts.NormalizeSeverity(labels["severity"], alerts.DefaultSeverityMapping),
		Services:    services,
		Host:        labels["instance"],
		Labels:      labels,
		ErrorType:   alertName,
		Signature:   alerts.FirstNonEmpty(alertName, summary),
		Fingerprint: alert.Fingerprint,
		OccurredAt:  occurredAt,
		RawPayload: map[string]interface{}{
			"status":       alert.Status,
			"labels":       alert.Labels,
			"annotations":  alert.Annotations,
			"startsAt":     alert.StartsAt.Format(time.RFC3339),
			"generatorURL": alert.GeneratorURL,
			"fingerprint":  alert.Fingerprint,
		},
	}
}
