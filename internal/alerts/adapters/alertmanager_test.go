package adapters

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akmatori/autopilot/internal/database"
)

func TestAlertmanagerAdapter_ParsePayload_FiringAndResolved(t *testing.T) {
	adapter := NewAlertmanagerAdapter()

	payload := []byte(`{
		"version": "4",
		"status": "firing",
		"commonLabels": {"env": "production"},
		"alerts": [
			{
				"status": "firing",
				"labels": {"alertname": "HighErrorRate", "severity": "critical", "service": "checkout", "instance": "10.0.0.1:9090"},
				"annotations": {"summary": "Error rate above 5%", "description": "checkout 5xx spike"},
				"startsAt": "2024-01-15T10:30:00Z",
				"fingerprint": "fp-1"
			},
			{
				"status": "resolved",
				"labels": {"alertname": "DiskFull", "severity": "warning"},
				"fingerprint": "fp-2"
			}
		]
	}`)

	events, err := adapter.ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 firing event, got %d", len(events))
	}

	ev := events[0]
	if ev.Title != "Error rate above 5%" {
		t.Errorf("Expected Title from summary, got '%s'", ev.Title)
	}
	if ev.Severity != database.SeverityCritical {
		t.Errorf("Expected critical, got %s", ev.Severity)
	}
	if len(ev.Services) != 1 || ev.Services[0] != "checkout" {
		t.Errorf("Expected Services [checkout], got %v", ev.Services)
	}
	if ev.ErrorType != "HighErrorRate" {
		t.Errorf("Expected ErrorType 'HighErrorRate', got '%s'", ev.ErrorType)
	}
	if ev.Labels["env"] != "production" {
		t.Error("Expected common labels to be merged")
	}
	if ev.Host != "10.0.0.1:9090" {
		t.Errorf("Expected Host from instance label, got '%s'", ev.Host)
	}
	if ev.OccurredAt == nil {
		t.Error("Expected OccurredAt from startsAt")
	}
}

func TestAlertmanagerAdapter_ServiceFallsBackToJob(t *testing.T) {
	adapter := NewAlertmanagerAdapter()
	payload := []byte(`{"alerts": [{"status": "firing", "labels": {"alertname": "Down", "job": "node-exporter"}}]}`)

	events, err := adapter.ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}
	if len(events[0].Services) != 1 || events[0].Services[0] != "node-exporter" {
		t.Errorf("Expected Services [node-exporter], got %v", events[0].Services)
	}
	if events[0].Severity != database.SeverityMedium {
		t.Errorf("Expected unknown severity to default to medium, got %s", events[0].Severity)
	}
}

func TestAlertmanagerAdapter_ParsePayload_Malformed(t *testing.T) {
	adapter := NewAlertmanagerAdapter()
	for _, body := range []string{`not json`, `{"status": "firing"}`} {
		if _, err := adapter.ParsePayload([]byte(body)); err == nil {
			t.Errorf("Expected error for %q", body)
		}
	}
}

func TestAlertmanagerAdapter_ValidateWebhookSecret(t *testing.T) {
	adapter := NewAlertmanagerAdapter()

	req := httptest.NewRequest(http.MethodPost, "/webhook/event/alertmanager", nil)
	req.Header.Set("X-Alertmanager-Secret", "abc")
	if err := adapter.ValidateWebhookSecret(req, nil, "abc"); err != nil {
		t.Errorf("Expected valid secret, got %v", err)
	}
	if err := adapter.ValidateWebhookSecret(req, nil, "xyz"); err == nil {
		t.Error("Expected mismatch to fail")
	}
}
