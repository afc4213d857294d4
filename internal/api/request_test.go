package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhook/outcome", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestDecodeJSONLenient_OutcomeRequest(t *testing.T) {
	body := `{
		"eventType": "generation.completed",
		"workflowId": "wf-9",
		"executionId": "exec-1",
		"provider": "ci",
		"timestamp": "2026-03-04T10:00:00Z",
		"data": {"stage": "generation", "attempt": 2, "commit_ref": "abc123"}
	}`

	var req OutcomeRequest
	if err := DecodeJSONLenient(newRequest(body), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.EventType != "generation.completed" || req.ExecutionID != "exec-1" || req.WorkflowID != "wf-9" {
		t.Errorf("decoded = %+v", req)
	}
	if req.Timestamp == nil || !req.Timestamp.Equal(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", req.Timestamp)
	}
	// numbers in data arrive as float64
	if req.Data["attempt"] != float64(2) || req.Data["commit_ref"] != "abc123" {
		t.Errorf("data = %v", req.Data)
	}
}

func TestDecodeJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		lenient bool
		want    string
	}{
		{"empty body", "", false, "request body is empty"},
		{"malformed", `{"username" "oncall"}`, false, "malformed JSON"},
		{"truncated object", `{"username": "oncall"`, true, "invalid JSON"},
		{"wrong type", `{"username": 42}`, false, `invalid value for field "username"`},
		{"unknown field on login", `{"username":"a","password":"b","remember":true}`, false, `unknown field "remember"`},
		{"oversized callback", `{"eventType":"` + strings.Repeat("x", MaxBodySize) + `"}`, true, "exceeds maximum size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.lenient {
				var dst OutcomeRequest
				err = DecodeJSONLenient(newRequest(tt.body), &dst)
			} else {
				var dst LoginRequest
				err = DecodeJSON(newRequest(tt.body), &dst)
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	r := newRequest("")
	r.Body = nil

	var dst LoginRequest
	if err := DecodeJSON(r, &dst); err == nil || err.Error() != "request body is empty" {
		t.Errorf("error = %v, want request body is empty", err)
	}
}
