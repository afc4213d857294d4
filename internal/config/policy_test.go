package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultPolicy_Valid(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if p.RateLimit.MaxAutoResolves != 5 || p.RateLimit.Window != time.Hour {
		t.Errorf("rate limit defaults = %+v", p.RateLimit)
	}
	if p.Normalizer.DedupWindow != 10*time.Minute {
		t.Errorf("dedup window = %v", p.Normalizer.DedupWindow)
	}
	if !p.Services.IsCritical("payment-service") || p.Services.IsCritical("search") {
		t.Error("critical services defaults are wrong")
	}
}

func TestLoadPolicy_EmptyPath(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.Pipeline.StageTimeout != 300*time.Second {
		t.Errorf("StageTimeout = %v", p.Pipeline.StageTimeout)
	}
}

func TestLoadPolicy_OverridesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
rateLimit:
  maxAutoResolves: 2
  window: 30m
services:
  critical: [billing]
  dependencies:
    checkout: [billing, inventory]
changeWindow:
  enabled: true
  timezone: Europe/Berlin
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.RateLimit.MaxAutoResolves != 2 || p.RateLimit.Window != 30*time.Minute {
		t.Errorf("RateLimit = %+v", p.RateLimit)
	}
	if !p.Services.IsCritical("billing") || p.Services.IsCritical("payment-service") {
		t.Errorf("Critical = %v", p.Services.Critical)
	}
	if len(p.Services.Dependencies["checkout"]) != 2 {
		t.Errorf("Dependencies = %v", p.Services.Dependencies)
	}
	if p.Scoring.Weights.Analysis != 0.4 {
		t.Errorf("weights should keep defaults, got %+v", p.Scoring.Weights)
	}
	if !p.ChangeWindow.Enabled || p.ChangeWindow.StartHour != 9 {
		t.Errorf("ChangeWindow = %+v", p.ChangeWindow)
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Policy)
		wantErr string
	}{
		{
			name:    "weights do not sum to one",
			mutate:  func(p *Policy) { p.Scoring.Weights.Analysis = 0.5 },
			wantErr: "must sum to 1",
		},
		{
			name:    "threshold out of range",
			mutate:  func(p *Policy) { p.Decision.ScheduleMaintenance = 1.2 },
			wantErr: "decision.scheduleMaintenance",
		},
		{
			name:    "unknown weekday",
			mutate:  func(p *Policy) { p.ChangeWindow.Weekdays = []string{"funday"} },
			wantErr: "unknown day",
		},
		{
			name:    "bad timezone",
			mutate:  func(p *Policy) { p.ChangeWindow.Timezone = "Mars/Olympus" },
			wantErr: "changeWindow.timezone",
		},
		{
			name:    "zero alpha",
			mutate:  func(p *Policy) { p.Learning.Alpha = 0 },
			wantErr: "learning.alpha",
		},
		{
			name:    "inverted impact thresholds",
			mutate:  func(p *Policy) { p.Scoring.MediumImpactAt = 0.9 },
			wantErr: "impact thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseWeekday(t *testing.T) {
	for _, name := range []string{"Mon", "monday", " MONDAY "} {
		if d, ok := ParseWeekday(name); !ok || d != time.Monday {
			t.Errorf("ParseWeekday(%q) = %v, %v", name, d, ok)
		}
	}
	if _, ok := ParseWeekday("xyz"); ok {
		t.Error("unexpected match")
	}
}

func TestPolicy_MarshalRoundTrip(t *testing.T) {
	p := DefaultPolicy()
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if loaded.Jobs.ArchiveRetention != p.Jobs.ArchiveRetention {
		t.Errorf("ArchiveRetention = %v, want %v", loaded.Jobs.ArchiveRetention, p.Jobs.ArchiveRetention)
	}
}
