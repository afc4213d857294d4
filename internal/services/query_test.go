package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/ratelimit"
)

func TestQueryService_GetIssue(t *testing.T) {
	h := newCoordinatorHarness(t, 0)
	svc := NewQueryService(h.db, h.engine.Budget(), h.orch)

	issue := h.ingest(t, `{"title": "docs render timeout", "severity": "low", "services": ["docs"]}`)

	detail, err := svc.GetIssue(context.Background(), issue.UUID)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if len(detail.Signals) != 1 {
		t.Errorf("signals = %d, want 1", len(detail.Signals))
	}
	if detail.Analysis == nil || detail.Analysis.Confidence != 0.95 {
		t.Errorf("analysis = %+v", detail.Analysis)
	}
	if detail.Decision == nil || detail.Decision.Outcome != database.OutcomeScheduleMaintenance {
		t.Errorf("decision = %+v, want schedule_maintenance", detail.Decision)
	}
	if detail.Execution == nil || !detail.Execution.Scheduled {
		t.Errorf("execution = %+v, want scheduled", detail.Execution)
	}

	d, err := svc.GetDecision(context.Background(), detail.Decision.UUID)
	if err != nil || d.ID != detail.Decision.ID {
		t.Errorf("GetDecision() = %v, %v", d, err)
	}
	exec, err := svc.GetExecution(context.Background(), detail.Execution.UUID)
	if err != nil || len(exec.Stages) != 5 {
		t.Errorf("GetExecution() = %v, %v; want 5 stages", exec, err)
	}

	if _, err := svc.GetIssue(context.Background(), "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("GetIssue(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestQueryService_Stats(t *testing.T) {
	db := setupTestDB(t)
	budget := ratelimit.NewWindow(5, time.Hour)
	budget.Reserve(time.Now())
	svc := NewQueryService(db, budget, nil)

	issue := &database.Issue{UUID: "stats-1", Title: "t", Severity: database.SeverityLow}
	if err := db.Create(issue).Error; err != nil {
		t.Fatalf("create issue: %v", err)
	}
	for i, o := range []database.DecisionOutcome{
		database.OutcomeAutoResolve,
		database.OutcomeAutoResolve,
		database.OutcomeEscalateHuman,
		database.OutcomeMonitorOnly,
	} {
		d := &database.Decision{UUID: "stats-d" + string(rune('a'+i)), IssueID: issue.ID, Outcome: o, Confidence: 0.5}
		if i == 0 {
			d.OutcomeState = database.OutcomeStateSuccess
		}
		if err := db.Create(d).Error; err != nil {
			t.Fatalf("create decision: %v", err)
		}
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalDecisions != 4 || stats.AutoApproved != 2 || stats.Escalations != 1 || stats.MonitorOnly != 1 || stats.Scheduled != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AverageConfidence != 0.5 {
		t.Errorf("AverageConfidence = %v, want 0.5", stats.AverageConfidence)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1", stats.SuccessRate)
	}
	if stats.Issues[database.IssueStatusDetected] != 1 {
		t.Errorf("Issues = %v", stats.Issues)
	}
	if stats.AutoResolveBudget.Used != 1 || stats.AutoResolveBudget.Limit != 5 {
		t.Errorf("AutoResolveBudget = %+v", stats.AutoResolveBudget)
	}
}
