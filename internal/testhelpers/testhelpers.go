// Package testhelpers provides reusable testing utilities for the autopilot.
//
// This package contains:
// - HTTP test helpers (requests, recorders, assertions)
// - A mock source adapter
// - An in-memory database
// - Assertion helpers
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/akmatori/autopilot/internal/alerts"
	"github.com/akmatori/autopilot/internal/database"
)

// ========================================
// HTTP Test Helpers
// ========================================

// HTTPTestContext holds components for HTTP handler testing
type HTTPTestContext struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
	Request  *http.Request
}

// NewHTTPTestContext creates a new HTTP test context
func NewHTTPTestContext(t *testing.T, method, path string, body io.Reader) *HTTPTestContext {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	return &HTTPTestContext{
		T:        t,
		Recorder: httptest.NewRecorder(),
		Request:  req,
	}
}

// WithHeader adds a header to the request
func (ctx *HTTPTestContext) WithHeader(key, value string) *HTTPTestContext {
	ctx.Request.Header.Set(key, value)
	return ctx
}

// WithJSONBody sets JSON body on the request
func (ctx *HTTPTestContext) WithJSONBody(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		ctx.T.Fatalf("failed to marshal JSON body: %v", err)
	}
	header := ctx.Request.Header.Clone()
	ctx.Request = httptest.NewRequest(ctx.Request.Method, ctx.Request.URL.String(), bytes.NewReader(body))
	ctx.Request.Header = header
	ctx.Request.Header.Set("Content-Type", "application/json")
	return ctx
}

// WithWebhookSecret sets the shared secret checked on outcome callbacks
func (ctx *HTTPTestContext) WithWebhookSecret(secret string) *HTTPTestContext {
	return ctx.WithHeader("X-Webhook-Secret", secret)
}

// WithSourceSecret sets the per-source secret sent by monitoring systems
func (ctx *HTTPTestContext) WithSourceSecret(secret string) *HTTPTestContext {
	return ctx.WithHeader("X-Autopilot-Secret", secret)
}

// WithBearerToken adds Authorization Bearer header
func (ctx *HTTPTestContext) WithBearerToken(token string) *HTTPTestContext {
	return ctx.WithHeader("Authorization", "Bearer "+token)
}

// Execute runs the handler and returns the response
func (ctx *HTTPTestContext) Execute(handler http.Handler) *HTTPTestContext {
	handler.ServeHTTP(ctx.Recorder, ctx.Request)
	return ctx
}

// AssertStatus checks the response status code
func (ctx *HTTPTestContext) AssertStatus(expected int) *HTTPTestContext {
	ctx.T.Helper()
	if ctx.Recorder.Code != expected {
		ctx.T.Errorf("expected status %d, got %d. Body: %s", expected, ctx.Recorder.Code, ctx.Recorder.Body.String())
	}
	return ctx
}

// AssertBodyContains checks if response body contains substring
func (ctx *HTTPTestContext) AssertBodyContains(substr string) *HTTPTestContext {
	ctx.T.Helper()
	body := ctx.Recorder.Body.String()
	if !strings.Contains(body, substr) {
		ctx.T.Errorf("expected body to contain %q, got: %s", substr, body)
	}
	return ctx
}

// AssertHeader checks response header value
func (ctx *HTTPTestContext) AssertHeader(key, expected string) *HTTPTestContext {
	ctx.T.Helper()
	got := ctx.Recorder.Header().Get(key)
	if got != expected {
		ctx.T.Errorf("expected header %s=%q, got %q", key, expected, got)
	}
	return ctx
}

// DecodeJSON decodes response body as JSON
func (ctx *HTTPTestContext) DecodeJSON(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	if err := json.NewDecoder(ctx.Recorder.Body).Decode(v); err != nil {
		ctx.T.Fatalf("failed to decode JSON response: %v", err)
	}
	return ctx
}

// ========================================
// Mock Source Adapter
// ========================================

// MockAdapter implements alerts.Adapter for testing
type MockAdapter struct {
	SourceType        string
	Events            []alerts.NormalizedEvent
	ParseError        error
	ValidateSecretErr error

	ParsePayloadCalled   bool
	ValidateSecretCalled bool
}

// NewMockAdapter creates a new mock adapter
func NewMockAdapter(sourceType string) *MockAdapter {
	return &MockAdapter{SourceType: sourceType}
}

// GetSourceType implements alerts.Adapter
func (m *MockAdapter) GetSourceType() string {
	return m.SourceType
}

// ValidateWebhookSecret implements alerts.Adapter
func (m *MockAdapter) ValidateWebhookSecret(r *http.Request, body []byte, secret string) error {
	m.ValidateSecretCalled = true
	return m.ValidateSecretErr
}

// ParsePayload implements alerts.Adapter
func (m *MockAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	m.ParsePayloadCalled = true
	if m.ParseError != nil {
		return nil, m.ParseError
	}
	return m.Events, nil
}

// WithEvents sets the events returned by ParsePayload
func (m *MockAdapter) WithEvents(events ...alerts.NormalizedEvent) *MockAdapter {
	m.Events = events
	return m
}

// WithParseError makes ParsePayload fail
func (m *MockAdapter) WithParseError(err error) *MockAdapter {
	m.ParseError = err
	return m
}

// WithValidationError makes secret validation fail
func (m *MockAdapter) WithValidationError(err error) *MockAdapter {
	m.ValidateSecretErr = err
	return m
}

// ========================================
// Database
// ========================================

// NewTestDB opens a migrated in-memory sqlite database that is closed when
// the test ends.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite::memory:", logger.Silent)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

// ========================================
// Assertions
// ========================================

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}

// MustCompleteWithin fails the test if fn does not return within timeout
func MustCompleteWithin(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("operation did not complete within %v", timeout)
	}
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
