package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds every tunable of the decision core. Defaults apply to any field
// the policy file leaves out.
type Policy struct {
	Scoring      ScoringPolicy      `yaml:"scoring"`
	Decision     DecisionPolicy     `yaml:"decision"`
	Services     ServicesPolicy     `yaml:"services"`
	Normalizer   NormalizerPolicy   `yaml:"normalizer"`
	RateLimit    RateLimitPolicy    `yaml:"rateLimit"`
	ChangeWindow ChangeWindowPolicy `yaml:"changeWindow"`
	Pipeline     PipelinePolicy     `yaml:"pipeline"`
	Learning     LearningPolicy     `yaml:"learning"`
	Jobs         JobsPolicy         `yaml:"jobs"`
}

// ScoringWeights are the linear weights of the confidence score
type ScoringWeights struct {
	Analysis       float64 `yaml:"analysis"`
	History        float64 `yaml:"history"`
	Complexity     float64 `yaml:"complexity"`
	BusinessImpact float64 `yaml:"businessImpact"`
}

// Sum returns the total of all weights
func (w ScoringWeights) Sum() float64 {
	return w.Analysis + w.History + w.Complexity + w.BusinessImpact
}

// SeverityFactors maps a severity to a business impact factor in [0,1]
type SeverityFactors struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// ScoringPolicy controls the confidence scorer
type ScoringPolicy struct {
	Weights               ScoringWeights  `yaml:"weights"`
	DefaultSuccessRate    float64         `yaml:"defaultSuccessRate"`
	ServicePenalty        float64         `yaml:"servicePenalty"`
	DependencyPenalty     float64         `yaml:"dependencyPenalty"`
	ImpactBySeverity      SeverityFactors `yaml:"impactBySeverity"`
	CriticalServiceFactor float64         `yaml:"criticalServiceFactor"`
	LowImpactAt           float64         `yaml:"lowImpactAt"`
	MediumImpactAt        float64         `yaml:"mediumImpactAt"`
}

// DecisionPolicy holds the matrix thresholds
type DecisionPolicy struct {
	AutoResolveAnySeverity  float64  `yaml:"autoResolveAnySeverity"`
	AutoResolveLowSeverity  float64  `yaml:"autoResolveLowSeverity"`
	AutoResolveHighSeverity float64  `yaml:"autoResolveHighSeverity"`
	ScheduleMaintenance     float64  `yaml:"scheduleMaintenance"`
	CriticalServiceMinimum  float64  `yaml:"criticalServiceMinimum"`
	MonitorActions          []string `yaml:"monitorActions"`
}

// ServicesPolicy describes the service landscape
type ServicesPolicy struct {
	Critical     []string            `yaml:"critical"`
	Dependencies map[string][]string `yaml:"dependencies"`
}

// IsCritical reports whether the named service is critical
func (s ServicesPolicy) IsCritical(name string) bool {
	for _, c := range s.Critical {
		if c == name {
			return true
		}
	}
	return false
}

// NormalizerPolicy controls issue de-duplication
type NormalizerPolicy struct {
	DedupWindow time.Duration `yaml:"dedupWindow"`
}

// RateLimitPolicy bounds autonomous resolutions
type RateLimitPolicy struct {
	MaxAutoResolves int           `yaml:"maxAutoResolves"`
	Window          time.Duration `yaml:"window"`
}

// ChangeWindowPolicy restricts when autonomous production changes may happen
type ChangeWindowPolicy struct {
	Enabled    bool     `yaml:"enabled"`
	Timezone   string   `yaml:"timezone"`
	StartHour  int      `yaml:"startHour"`
	EndHour    int      `yaml:"endHour"`
	Weekdays   []string `yaml:"weekdays"`
	Severities []string `yaml:"severities"`
}

// PipelinePolicy controls stage execution
type PipelinePolicy struct {
	MaxRetries            int           `yaml:"maxRetries"`
	StageTimeout          time.Duration `yaml:"stageTimeout"`
	TestEnvironment       string        `yaml:"testEnvironment"`
	ProductionEnvironment string        `yaml:"productionEnvironment"`
}

// LearningPolicy controls the success-rate update
type LearningPolicy struct {
	Alpha float64 `yaml:"alpha"`
	Prior float64 `yaml:"prior"`
}

// JobsPolicy controls background jobs
type JobsPolicy struct {
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval"`
	MaintenanceBatch    int           `yaml:"maintenanceBatch"`
	ArchiveInterval     time.Duration `yaml:"archiveInterval"`
	ArchiveRetention    time.Duration `yaml:"archiveRetention"`
}

// DefaultPolicy returns the built-in policy
func DefaultPolicy() Policy {
	return Policy{
		Scoring: ScoringPolicy{
			Weights: ScoringWeights{
				Analysis:       0.4,
				History:        0.3,
				Complexity:     0.2,
				BusinessImpact: 0.1,
			},
			DefaultSuccessRate: 0.5,
			ServicePenalty:     0.25,
			DependencyPenalty:  0.1,
			ImpactBySeverity: SeverityFactors{
				Low:      1.0,
				Medium:   0.8,
				High:     0.6,
				Critical: 0.3,
			},
			CriticalServiceFactor: 0.5,
			LowImpactAt:           0.7,
			MediumImpactAt:        0.4,
		},
		Decision: DecisionPolicy{
			AutoResolveAnySeverity:  0.9,
			AutoResolveLowSeverity:  0.8,
			AutoResolveHighSeverity: 0.7,
			ScheduleMaintenance:     0.6,
			CriticalServiceMinimum:  0.95,
			MonitorActions:          []string{"monitor"},
		},
		Services: ServicesPolicy{
			Critical:     []string{"payment-service", "user-auth", "core-api"},
			Dependencies: map[string][]string{},
		},
		Normalizer: NormalizerPolicy{
			DedupWindow: 10 * time.Minute,
		},
		RateLimit: RateLimitPolicy{
			MaxAutoResolves: 5,
			Window:          60 * time.Minute,
		},
		ChangeWindow: ChangeWindowPolicy{
			Enabled:    false,
			Timezone:   "UTC",
			StartHour:  9,
			EndHour:    17,
			Weekdays:   []string{"mon", "tue", "wed", "thu", "fri"},
			Severities: []string{"high", "critical"},
		},
		Pipeline: PipelinePolicy{
			MaxRetries:            1,
			StageTimeout:          300 * time.Second,
			TestEnvironment:       "preview",
			ProductionEnvironment: "production",
		},
		Learning: LearningPolicy{
			Alpha: 0.2,
			Prior: 0.5,
		},
		Jobs: JobsPolicy{
			MaintenanceInterval: time.Minute,
			MaintenanceBatch:    10,
			ArchiveInterval:     time.Hour,
			ArchiveRetention:    7 * 24 * time.Hour,
		},
	}
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path yields the
// defaults. The result is validated.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("policy file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read policy: %w", err)
		}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("parse policy: %w", err)
		}
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekday accepts three-letter or full English weekday names
func ParseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) > 3 {
		name = name[:3]
	}
	d, ok := weekdayNames[name]
	return d, ok
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// Validate rejects inconsistent policies
func (p *Policy) Validate() error {
	var problems []string

	w := p.Scoring.Weights
	for name, v := range map[string]float64{
		"analysis": w.Analysis, "history": w.History,
		"complexity": w.Complexity, "businessImpact": w.BusinessImpact,
	} {
		if !inUnit(v) {
			problems = append(problems, fmt.Sprintf("scoring.weights.%s must be within [0,1]", name))
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		problems = append(problems, fmt.Sprintf("scoring.weights must sum to 1 (got %.4f)", w.Sum()))
	}
	if !inUnit(p.Scoring.DefaultSuccessRate) {
		problems = append(problems, "scoring.defaultSuccessRate must be within [0,1]")
	}
	if p.Scoring.ServicePenalty < 0 || p.Scoring.DependencyPenalty < 0 {
		problems = append(problems, "scoring penalties must not be negative")
	}
	f := p.Scoring.ImpactBySeverity
	if !inUnit(f.Low) || !inUnit(f.Medium) || !inUnit(f.High) || !inUnit(f.Critical) {
		problems = append(problems, "scoring.impactBySeverity factors must be within [0,1]")
	}
	if !inUnit(p.Scoring.CriticalServiceFactor) {
		problems = append(problems, "scoring.criticalServiceFactor must be within [0,1]")
	}
	if !inUnit(p.Scoring.LowImpactAt) || !inUnit(p.Scoring.MediumImpactAt) || p.Scoring.MediumImpactAt > p.Scoring.LowImpactAt {
		problems = append(problems, "scoring impact thresholds must satisfy 0 <= mediumImpactAt <= lowImpactAt <= 1")
	}

	d := p.Decision
	for name, v := range map[string]float64{
		"autoResolveAnySeverity": d.AutoResolveAnySeverity, "autoResolveLowSeverity": d.AutoResolveLowSeverity,
		"autoResolveHighSeverity": d.AutoResolveHighSeverity, "scheduleMaintenance": d.ScheduleMaintenance,
		"criticalServiceMinimum": d.CriticalServiceMinimum,
	} {
		if !inUnit(v) {
			problems = append(problems, fmt.Sprintf("decision.%s must be within [0,1]", name))
		}
	}

	if p.Normalizer.DedupWindow <= 0 {
		problems = append(problems, "normalizer.dedupWindow must be positive")
	}
	if p.RateLimit.MaxAutoResolves < 0 {
		problems = append(problems, "rateLimit.maxAutoResolves must not be negative")
	}
	if p.RateLimit.Window <= 0 {
		problems = append(problems, "rateLimit.window must be positive")
	}

	cw := p.ChangeWindow
	if cw.StartHour < 0 || cw.StartHour > 23 || cw.EndHour < 0 || cw.EndHour > 23 {
		problems = append(problems, "changeWindow hours must be within 0-23")
	}
	if _, err := time.LoadLocation(cw.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("changeWindow.timezone %q: %v", cw.Timezone, err))
	}
	for _, day := range cw.Weekdays {
		if _, ok := ParseWeekday(day); !ok {
			problems = append(problems, fmt.Sprintf("changeWindow.weekdays: unknown day %q", day))
		}
	}

	if p.Pipeline.MaxRetries < 0 {
		problems = append(problems, "pipeline.maxRetries must not be negative")
	}
	if p.Pipeline.StageTimeout <= 0 {
		problems = append(problems, "pipeline.stageTimeout must be positive")
	}
	if !inUnit(p.Learning.Alpha) || p.Learning.Alpha == 0 {
		problems = append(problems, "learning.alpha must be within (0,1]")
	}
	if !inUnit(p.Learning.Prior) {
		problems = append(problems, "learning.prior must be within [0,1]")
	}
	if p.Jobs.MaintenanceInterval <= 0 || p.Jobs.ArchiveInterval <= 0 {
		problems = append(problems, "jobs intervals must be positive")
	}
	if p.Jobs.MaintenanceBatch <= 0 {
		problems = append(problems, "jobs.maintenanceBatch must be positive")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Marshal renders the policy as YAML
func (p *Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
