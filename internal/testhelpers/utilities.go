package testhelpers

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// ========================================
// JSON Assertion Helpers
// ========================================

// AssertJSONKeyValue checks if a JSON object has a specific key-value pair
func AssertJSONKeyValue(t *testing.T, jsonStr string, key string, expectedValue interface{}, msg string) {
	t.Helper()

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &obj); err != nil {
		t.Fatalf("%s: failed to parse JSON: %v", msg, err)
	}

	actualValue, exists := obj[key]
	if !exists {
		t.Errorf("%s: JSON does not contain key %q", msg, key)
		return
	}

	// Compare the encoded forms so 1 and 1.0 match
	expectedJSON, _ := json.Marshal(expectedValue)
	actualJSON, _ := json.Marshal(actualValue)

	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("%s: JSON key %q mismatch\nexpected: %v\nactual: %v", msg, key, expectedValue, actualValue)
	}
}

// ========================================
// Concurrent Testing Helpers
// ========================================

// ConcurrentTest runs a function concurrently multiple times and waits for completion
func ConcurrentTest(t *testing.T, goroutines int, fn func(workerID int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			fn(id)
		}(i)
	}

	wg.Wait()
}

// ConcurrentTestWithTimeout runs a function concurrently and fails if it doesn't complete in time
func ConcurrentTestWithTimeout(t *testing.T, timeout time.Duration, goroutines int, fn func(workerID int)) {
	t.Helper()
	MustCompleteWithin(t, timeout, func() {
		ConcurrentTest(t, goroutines, fn)
	})
}

// ========================================
// Time Helpers
// ========================================

// AssertTimeWithin checks if a time is within tolerance of a reference time
func AssertTimeWithin(t *testing.T, actual, reference time.Time, tolerance time.Duration, msg string) {
	t.Helper()
	diff := actual.Sub(reference)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("%s: time %v is not within %v of %v", msg, actual, tolerance, reference)
	}
}
