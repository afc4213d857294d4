// Package ratelimit bounds how many autonomous resolutions may start per window.
package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Window is a sliding-window counter with atomic check-and-reserve
type Window struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries []time.Time // ascending
}

// Usage is a point-in-time view of the window
type Usage struct {
	Used    int           `json:"used"`
	Limit   int           `json:"limit"`
	Window  time.Duration `json:"window"`
	ResetAt *time.Time    `json:"reset_at,omitempty"`
}

// NewWindow creates a window that allows limit reservations per window duration
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{limit: limit, window: window}
}

// prune drops reservations that fell out of the trailing window ending at now
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// Reserve takes a slot at now if the window is not full. It reports whether
// the slot was taken; check and reservation happen under one lock.
func (w *Window) Reserve(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.entries) >= w.limit {
		return false
	}
	i := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].After(now) })
	w.entries = append(w.entries, time.Time{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = now
	return true
}

// Release returns a slot taken at the given time, used when the action that
// reserved it could not be recorded.
func (w *Window) Release(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].Equal(at) {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// Seed loads reservations made before a restart
func (w *Window) Seed(times []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, times...)
	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].Before(w.entries[j]) })
}

// Full reports whether a reservation at now would be refused
func (w *Window) Full(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	return len(w.entries) >= w.limit
}

// Usage returns the reservations currently held in the window
func (w *Window) Usage(now time.Time) Usage {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	u := Usage{Used: len(w.entries), Limit: w.limit, Window: w.window}
	if len(w.entries) > 0 {
		reset := w.entries[0].Add(w.window)
		u.ResetAt = &reset
	}
	return u
}

// SetLimit updates the cap and window length
func (w *Window) SetLimit(limit int, window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.limit = limit
	w.window = window
}

// ErrRateLimited is returned by Acquire when the window is full
var ErrRateLimited = errors.New("auto-resolve budget exhausted")

// Acquire is Reserve with an error result
func (w *Window) Acquire(now time.Time) error {
	if !w.Reserve(now) {
		return fmt.Errorf("%w: %d per %s", ErrRateLimited, w.limitSnapshot(), w.window)
	}
	return nil
}

func (w *Window) limitSnapshot() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}
