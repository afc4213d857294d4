package api

import (
	"testing"
	"time"

	"github.com/akmatori/autopilot/internal/database"
)

func TestIssueToListItem(t *testing.T) {
	now := time.Now()
	resolved := now.Add(5 * time.Minute)
	issue := database.Issue{
		ID:               42,
		UUID:             "issue-uuid-123",
		Title:            "Connection pool exhausted",
		Description:      "long description that list views do not need",
		Severity:         database.SeverityHigh,
		Status:           database.IssueStatusResolved,
		Pattern:          "db-pool-exhausted",
		AffectedServices: database.StringList{"orders"},
		Sources:          database.StringList{"datadog", "sentry"},
		SignalCount:      3,
		AnalysisCycle:    1,
		DetectedAt:       now,
		LastSeenAt:       now,
		ResolvedAt:       &resolved,
	}

	item := IssueToListItem(issue)

	if item.ID != 42 || item.UUID != "issue-uuid-123" {
		t.Errorf("identity = %d/%q", item.ID, item.UUID)
	}
	if item.Severity != database.SeverityHigh || item.Status != database.IssueStatusResolved {
		t.Errorf("severity/status = %s/%s", item.Severity, item.Status)
	}
	if len(item.Sources) != 2 || item.AffectedServices[0] != "orders" {
		t.Errorf("sources = %v, services = %v", item.Sources, item.AffectedServices)
	}
	if item.SignalCount != 3 {
		t.Errorf("SignalCount = %d, want 3", item.SignalCount)
	}
	if item.ResolvedAt == nil || !item.ResolvedAt.Equal(resolved) {
		t.Errorf("ResolvedAt = %v, want %v", item.ResolvedAt, resolved)
	}
}

func TestIssueToListItem_NilListsBecomeEmpty(t *testing.T) {
	item := IssueToListItem(database.Issue{UUID: "bare"})
	if item.Sources == nil || item.AffectedServices == nil {
		t.Error("list fields should serialize as [] rather than null")
	}
}

func TestIssuesToListItems(t *testing.T) {
	issues := []database.Issue{
		{ID: 1, UUID: "a", Title: "First"},
		{ID: 2, UUID: "b", Title: "Second"},
	}

	items := IssuesToListItems(issues)
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].UUID != "a" || items[1].UUID != "b" {
		t.Errorf("UUIDs = %q, %q", items[0].UUID, items[1].UUID)
	}

	if empty := IssuesToListItems(nil); len(empty) != 0 {
		t.Errorf("len = %d, want 0", len(empty))
	}
}

func TestExecutionToView(t *testing.T) {
	conf := 0.91
	exec := database.PipelineExecution{
		UUID:      "exec-1",
		Status:    database.ExecutionRunning,
		CommitRef: "abc123",
		Stages: []database.PipelineStage{
			{Name: "analysis", Tool: database.ToolAnalysisEngine, Status: database.StageCompleted, Attempts: 1, Confidence: &conf},
			{Name: "generation", Tool: database.ToolCodeGenerator, Status: database.StageCompleted, Attempts: 2},
			{Name: "review", Tool: database.ToolCodeReview, Status: database.StageRunning, Attempts: 1},
			{Name: "test", Tool: database.ToolDeploymentPlatform, Status: database.StagePending},
			{Name: "deploy", Tool: database.ToolDeploymentPlatform, Status: database.StagePending, Production: true},
		},
	}

	view := ExecutionToView(exec)

	if view.CurrentStage != "review" {
		t.Errorf("CurrentStage = %q, want review", view.CurrentStage)
	}
	if len(view.Stages) != 5 || !view.Stages[4].Production {
		t.Errorf("stages = %+v", view.Stages)
	}
	if view.Stages[1].Attempts != 2 {
		t.Errorf("generation attempts = %d, want 2", view.Stages[1].Attempts)
	}
	if view.Stages[0].Confidence == nil || *view.Stages[0].Confidence != conf {
		t.Errorf("analysis confidence = %v", view.Stages[0].Confidence)
	}

	done := exec
	done.Stages = []database.PipelineStage{{Name: "analysis", Status: database.StageCompleted}}
	if v := ExecutionToView(done); v.CurrentStage != "" {
		t.Errorf("CurrentStage = %q, want empty when every stage completed", v.CurrentStage)
	}
}
