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

// CloudWatchAdapter handles CloudWatch alarms delivered through SNS HTTP subscriptions
type CloudWatchAdapter struct {
	alerts.BaseAdapter
}

// NewCloudWatchAdapter creates a new CloudWatch adapter
func NewCloudWatchAdapter() *CloudWatchAdapter {
	return &CloudWatchAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "cloudwatch"},
	}
}

// SNSEnvelope is the SNS HTTP notification wrapper
type SNSEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// CloudWatchAlarm is the alarm state change carried in the SNS message
type CloudWatchAlarm struct {
	AlarmName        string `json:"AlarmName"`
	AlarmDescription string `json:"AlarmDescription"`
	NewStateValue    string `json:"NewStateValue"` // ALARM, OK, INSUFFICIENT_DATA
	NewStateReason   string `json:"NewStateReason"`
	StateChangeTime  string `json:"StateChangeTime"`
	Region           string `json:"Region"`
	Trigger          struct {
		MetricName string `json:"MetricName"`
		Namespace  string `json:"Namespace"`
		Dimensions []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"Dimensions"`
	} `json:"Trigger"`
}

// ValidateWebhookSecret validates a shared secret header on the SNS subscription
func (a *CloudWatchAdapter) ValidateWebhookSecret(r *http.Request, _ []byte, secret string) error {
	return alerts.CheckSecret(r, secret, "X-Autopilot-Secret", "Authorization")
}

// ParsePayload parses an SNS notification. Subscription confirmations and
// non-ALARM states produce no events.
func (a *CloudWatchAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var envelope SNSEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse sns envelope: %w", err)
	}
	if envelope.Type != "Notification" {
		return nil, nil
	}

	var alarm CloudWatchAlarm
	if err := json.Unmarshal([]byte(envelope.Message), &alarm); err != nil {
		return nil, fmt.Errorf("failed to parse cloudwatch alarm: %w", err)
	}
	if alarm.AlarmName == "" {
		return nil, fmt.Errorf("cloudwatch alarm has no name")
	}
	if alarm.NewStateValue != "ALARM" {
		return nil, nil
	}

	labels := map[string]string{"namespace": alarm.Trigger.Namespace, "region": alarm.Region}
	var services []string
	for _, d := range alarm.Trigger.Dimensions {
		labels[d.Name] = d.Value
		switch d.Name {
		case "ServiceName", "FunctionName", "service":
			services = append(services, d.Value)
		}
	}

	var occurredAt *time.Time
	if t, err := time.Parse("2006-01-02T15:04:05.000-0700", alarm.StateChangeTime); err == nil {
		occurredAt = &t
	}

	return []alerts.NormalizedEvent{{
		Title:       alarm.AlarmName,
		Description: alerts.FirstNonEmpty(alarm.AlarmDescription, alarm.NewStateReason),
		Severity:    a.severityFromDescription(alarm.AlarmDescription),
		Services:    services,
		Labels:      labels,
		ErrorType:   alerts.FirstNonEmpty(alarm.Trigger.MetricName, alarm.AlarmName),
		Signature:   alarm.AlarmName,
		Fingerprint: envelope.TopicArn + "/" + alarm.AlarmName,
		OccurredAt:  occurredAt,
		RawPayload: map[string]interface{}{
			"messageId": envelope.MessageID,
			"alarmName": alarm.AlarmName,
			"reason":    alarm.NewStateReason,
			"metric":    alarm.Trigger.MetricName,
		},
	}}, nil
}

// severityFromDescription honours a "severity:<level>" token in the alarm
// description; alarms default to high.
func (a *CloudWatchAdapter) severityFromDescription(desc string) database.Severity {
	for _, field := range strings.Fields(desc) {
		if v, ok := strings.CutPrefix(strings.ToLower(field), "severity:"); ok {
			return alerts.NormalizeSeverity(v, alerts.DefaultSeverityMapping)
		}
	}
	return database.SeverityHigh
}
