package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWindow(t *testing.T) {
	w := NewWindow(5, time.Hour)
	if w == nil {
		t.Fatal("Expected window to not be nil")
	}
	if w.limit != 5 || w.window != time.Hour {
		t.Errorf("Expected limit 5/1h, got %d/%v", w.limit, w.window)
	}
}

func TestWindow_Reserve(t *testing.T) {
	w := NewWindow(5, time.Hour)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if !w.Reserve(now.Add(time.Duration(i) * time.Minute)) {
			t.Errorf("Expected Reserve() to succeed on attempt %d", i)
		}
	}

	if w.Reserve(now.Add(10 * time.Minute)) {
		t.Error("Expected Reserve() to fail when the window is full")
	}
	if !w.Full(now.Add(10 * time.Minute)) {
		t.Error("Expected Full() to be true")
	}
}

func TestWindow_Slides(t *testing.T) {
	w := NewWindow(2, time.Hour)
	start := time.Now()

	w.Reserve(start)
	w.Reserve(start.Add(30 * time.Minute))

	if w.Reserve(start.Add(59 * time.Minute)) {
		t.Error("window still holds two reservations")
	}
	// the first reservation leaves the window after exactly one hour
	if !w.Reserve(start.Add(60 * time.Minute)) {
		t.Error("Expected a slot once the oldest reservation expired")
	}
	if got := w.Usage(start.Add(60 * time.Minute)).Used; got != 2 {
		t.Errorf("Used = %d, want 2", got)
	}
}

func TestWindow_ReserveOutOfOrder(t *testing.T) {
	w := NewWindow(3, time.Hour)
	start := time.Now()

	w.Reserve(start.Add(10 * time.Minute))
	w.Reserve(start)
	w.Reserve(start.Add(5 * time.Minute))

	for i := 1; i < len(w.entries); i++ {
		if w.entries[i].Before(w.entries[i-1]) {
			t.Fatalf("entries not ascending: %v", w.entries)
		}
	}
	// only the reservation at start has expired
	if got := w.Usage(start.Add(62 * time.Minute)).Used; got != 2 {
		t.Errorf("Used = %d, want 2", got)
	}
	if !w.Reserve(start.Add(62 * time.Minute)) {
		t.Error("Expected a slot once the oldest reservation expired")
	}
}

func TestWindow_ReleaseAndSeed(t *testing.T) {
	w := NewWindow(2, time.Hour)
	now := time.Now()

	w.Seed([]time.Time{now.Add(-10 * time.Minute), now.Add(-2 * time.Hour)})
	if got := w.Usage(now).Used; got != 1 {
		t.Errorf("Used after seed = %d, want 1 (stale seed pruned)", got)
	}

	if !w.Reserve(now) {
		t.Fatal("Expected second slot")
	}
	if w.Reserve(now) {
		t.Fatal("Expected window to be full")
	}
	w.Release(now)
	if !w.Reserve(now) {
		t.Error("Expected released slot to be available")
	}
}

func TestWindow_Usage(t *testing.T) {
	w := NewWindow(5, time.Hour)
	now := time.Now()

	if u := w.Usage(now); u.Used != 0 || u.ResetAt != nil || u.Limit != 5 {
		t.Errorf("empty usage = %+v", u)
	}
	w.Reserve(now)
	u := w.Usage(now)
	if u.ResetAt == nil || !u.ResetAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ResetAt = %v", u.ResetAt)
	}
}

func TestWindow_ZeroLimitRefusesAll(t *testing.T) {
	w := NewWindow(0, time.Hour)
	if w.Reserve(time.Now()) {
		t.Error("zero limit must refuse every reservation")
	}
}

func TestWindow_ConcurrentReserveNeverExceedsLimit(t *testing.T) {
	w := NewWindow(5, time.Hour)
	now := time.Now()

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Reserve(now) {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Errorf("granted %d reservations, want exactly 5", granted)
	}
}

func TestWindow_SetLimit(t *testing.T) {
	w := NewWindow(1, time.Hour)
	now := time.Now()
	w.Reserve(now)

	w.SetLimit(3, time.Hour)
	if !w.Reserve(now) {
		t.Error("Expected raised limit to allow another reservation")
	}
}

func TestWindow_Acquire(t *testing.T) {
	w := NewWindow(1, time.Hour)
	now := time.Now()

	if err := w.Acquire(now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := w.Acquire(now)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}
