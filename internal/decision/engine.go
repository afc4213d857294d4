// Package decision turns a scored issue into a remediation verdict.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/ratelimit"
	"github.com/akmatori/autopilot/internal/scoring"
)

// Override names recorded on a decision, in the order they are evaluated
const (
	OverrideMonitorAction   = "monitor_action"
	OverrideCriticalService = "critical_service"
	OverrideChangeWindow    = "change_window"
	OverrideRateLimit       = "rate_limit"
)

// Engine applies the decision matrix and its overrides. The auto-resolve budget
// is the only state it touches.
type Engine struct {
	policy config.DecisionPolicy
	budget *ratelimit.Window
	window *ChangeWindow
}

// NewEngine creates a decision engine. A nil change window never restricts.
func NewEngine(policy config.DecisionPolicy, budget *ratelimit.Window, window *ChangeWindow) *Engine {
	return &Engine{policy: policy, budget: budget, window: window}
}

// Budget exposes the auto-resolve window for reporting
func (e *Engine) Budget() *ratelimit.Window {
	return e.budget
}

// Matrix returns the matrix verdict alone; the first matching row wins
func (e *Engine) Matrix(confidence float64, severity database.Severity, impact database.ImpactLevel) database.DecisionOutcome {
	p := e.policy
	lowOrMedium := severity == database.SeverityLow || severity == database.SeverityMedium

	switch {
	case confidence >= p.AutoResolveAnySeverity && (impact == database.ImpactLow || impact == database.ImpactMedium):
		return database.OutcomeAutoResolve
	case confidence >= p.AutoResolveLowSeverity && lowOrMedium:
		return database.OutcomeAutoResolve
	case confidence >= p.AutoResolveHighSeverity && severity == database.SeverityHigh && impact == database.ImpactLow:
		return database.OutcomeAutoResolve
	case confidence >= p.ScheduleMaintenance && lowOrMedium && impact == database.ImpactMedium:
		return database.OutcomeScheduleMaintenance
	case severity == database.SeverityCritical && impact == database.ImpactHigh:
		return database.OutcomeEscalateHuman
	case confidence < p.ScheduleMaintenance:
		return database.OutcomeEscalateHuman
	}
	return database.OutcomeEscalateHuman
}

func (e *Engine) isMonitorAction(analysis *database.AnalysisResult) bool {
	if analysis == nil || analysis.RecommendedAction == "" {
		return false
	}
	action := strings.ToLower(strings.TrimSpace(analysis.RecommendedAction))
	for _, a := range e.policy.MonitorActions {
		if strings.ToLower(a) == action {
			return true
		}
	}
	return false
}

// Decide produces the decision for the issue's current analysis cycle. It never
// fails: anything the matrix does not match escalates. An auto_resolve verdict
// has already reserved its slot in the budget when Decide returns.
func (e *Engine) Decide(issue *database.Issue, analysis *database.AnalysisResult, score scoring.Score, now time.Time) *database.Decision {
	d := &database.Decision{
		UUID:       uuid.New().String(),
		IssueID:    issue.ID,
		Cycle:      issue.AnalysisCycle,
		Confidence: score.Confidence,
		Factors:    score.Factors,
		Severity:   issue.Severity,
		Pattern:    issue.Pattern,
		DecidedAt:  now,
		Overrides:  database.StringList{},
	}
	if analysis != nil {
		id := analysis.ID
		d.AnalysisID = &id
	}

	var notes []string
	outcome := e.Matrix(score.Confidence, issue.Severity, score.Factors.BusinessImpactLevel)

	if outcome != database.OutcomeEscalateHuman && e.isMonitorAction(analysis) {
		outcome = database.OutcomeMonitorOnly
		d.Overrides = append(d.Overrides, OverrideMonitorAction)
		notes = append(notes, fmt.Sprintf("analysis recommends %q", analysis.RecommendedAction))
	}
	d.MatrixOutcome = outcome

	if score.CriticalService && score.Confidence < e.policy.CriticalServiceMinimum && outcome != database.OutcomeEscalateHuman {
		outcome = database.OutcomeEscalateHuman
		d.Overrides = append(d.Overrides, OverrideCriticalService)
		notes = append(notes, fmt.Sprintf("critical service affected and confidence below %.2f", e.policy.CriticalServiceMinimum))
	}

	if outcome == database.OutcomeAutoResolve && e.budget.Full(now) {
		outcome = database.OutcomeScheduleMaintenance
		d.Overrides = append(d.Overrides, OverrideRateLimit)
		notes = append(notes, ratelimit.ErrRateLimited.Error())
	}

	if outcome == database.OutcomeAutoResolve && !e.window.Allows(issue.Severity, now) {
		outcome = database.OutcomeScheduleMaintenance
		d.Overrides = append(d.Overrides, OverrideChangeWindow)
		notes = append(notes, "outside the change window")
	}

	// Full is only a hint; the reservation itself is the atomic check.
	if outcome == database.OutcomeAutoResolve {
		if err := e.budget.Acquire(now); err != nil {
			outcome = database.OutcomeScheduleMaintenance
			d.Overrides = append(d.Overrides, OverrideRateLimit)
			notes = append(notes, err.Error())
		}
	}

	d.Outcome = outcome
	d.Reasoning = reasoning(issue, score, d.MatrixOutcome, outcome, notes)
	return d
}

// Release returns the budget slot held by an auto_resolve decision that could
// not be persisted.
func (e *Engine) Release(d *database.Decision) {
	if d != nil && d.Outcome == database.OutcomeAutoResolve {
		e.budget.Release(d.DecidedAt)
	}
}

func reasoning(issue *database.Issue, score scoring.Score, matrix, final database.DecisionOutcome, notes []string) string {
	f := score.Factors
	var b strings.Builder
	fmt.Fprintf(&b, "confidence %.2f (history %.2f, complexity %.2f, business impact %.2f/%s); severity %s; matrix %s",
		score.Confidence, f.HistoricalSuccess, f.TechnicalComplexity, f.BusinessImpact, f.BusinessImpactLevel,
		issue.Severity, matrix)
	if final != matrix {
		fmt.Fprintf(&b, "; final %s", final)
	}
	if len(notes) > 0 {
		b.WriteString("; ")
		b.WriteString(strings.Join(notes, "; "))
	}
	return b.String()
}
