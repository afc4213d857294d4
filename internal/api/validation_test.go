package api

import (
	"strings"
	"testing"
)

func TestValidate_OutcomeRequest(t *testing.T) {
	tests := []struct {
		name string
		req  OutcomeRequest
		want map[string]string
	}{
		{
			name: "complete callback",
			req:  OutcomeRequest{EventType: "outcome.success", ExecutionID: "exec-1", WorkflowID: "wf-9"},
		},
		{
			name: "missing execution",
			req:  OutcomeRequest{EventType: "generation.completed"},
			want: map[string]string{"execution_id": "is required"},
		},
		{
			name: "missing everything",
			req:  OutcomeRequest{},
			want: map[string]string{"event_type": "is required", "execution_id": "is required"},
		},
		{
			name: "oversized workflow id",
			req:  OutcomeRequest{EventType: "review.completed", ExecutionID: "exec-1", WorkflowID: strings.Repeat("w", 256)},
			want: map[string]string{"workflow_id": "must be at most 255 characters"},
		},
		{
			name: "oversized event type",
			req:  OutcomeRequest{EventType: strings.Repeat("e", 65), ExecutionID: "exec-1"},
			want: map[string]string{"event_type": "must be at most 64 characters"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertFieldErrors(t, Validate(tt.req), tt.want)
		})
	}
}

func TestValidate_LoginRequest(t *testing.T) {
	tests := []struct {
		name string
		req  LoginRequest
		want map[string]string
	}{
		{"valid", LoginRequest{Username: "oncall", Password: "secret"}, nil},
		{"no password", LoginRequest{Username: "oncall"}, map[string]string{"password": "is required"}},
		{"long username", LoginRequest{Username: strings.Repeat("u", 129), Password: "secret"},
			map[string]string{"username": "must be at most 128 characters"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertFieldErrors(t, Validate(tt.req), tt.want)
		})
	}
}

func TestValidate_NonStruct(t *testing.T) {
	errs := Validate("not a request")
	if _, ok := errs["_"]; !ok {
		t.Errorf("errors = %v, want a general error", errs)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"executionId", "execution_id"},
		{"eventType", "event_type"},
		{"workflowId", "workflow_id"},
		{"Username", "username"},
		{"password", "password"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := toSnakeCase(tt.input); got != tt.expected {
			t.Errorf("toSnakeCase(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func assertFieldErrors(t *testing.T, got, want map[string]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("errors = %v, want %v", got, want)
	}
	for field, msg := range want {
		if got[field] != msg {
			t.Errorf("errors[%s] = %q, want %q", field, got[field], msg)
		}
	}
}
