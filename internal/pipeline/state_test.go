package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/akmatori/autopilot/internal/database"
)

var t0 = time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

func newTestExecution() *database.PipelineExecution {
	decision := &database.Decision{ID: 2, IssueID: 1, Outcome: database.OutcomeAutoResolve}
	analysis := &database.AnalysisResult{ID: 5, Confidence: 0.8, StartedAt: t0.Add(-time.Minute), CompletedAt: t0}
	return NewExecution(decision, analysis, t0)
}

func TestNewExecution(t *testing.T) {
	exec := newTestExecution()

	if exec.UUID == "" {
		t.Error("expected UUID to be set")
	}
	if exec.Status != database.ExecutionPending {
		t.Errorf("expected pending, got %s", exec.Status)
	}
	if exec.Scheduled {
		t.Error("auto_resolve execution must not be scheduled")
	}
	if len(exec.Stages) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(exec.Stages))
	}

	analysis := exec.Stages[0]
	if analysis.Name != StageAnalysis || analysis.Status != database.StageCompleted || analysis.Tool != database.ToolAnalysisEngine {
		t.Errorf("analysis stage = %+v", analysis)
	}
	if analysis.DurationMs != 60000 {
		t.Errorf("expected analysis duration 60000ms, got %d", analysis.DurationMs)
	}
	if analysis.Confidence == nil || *analysis.Confidence != 0.8 {
		t.Errorf("expected analysis confidence 0.8, got %v", analysis.Confidence)
	}

	for i, name := range StageNames() {
		if exec.Stages[i].Name != name || exec.Stages[i].Position != i {
			t.Errorf("stage %d = %s/%d, want %s", i, exec.Stages[i].Name, exec.Stages[i].Position, name)
		}
	}
	if !exec.Stages[4].Production || exec.Stages[3].Production {
		t.Error("only the deploy stage is a production stage")
	}
}

func TestNewExecution_Scheduled(t *testing.T) {
	exec := NewExecution(&database.Decision{Outcome: database.OutcomeScheduleMaintenance}, nil, t0)
	if !exec.Scheduled {
		t.Error("schedule_maintenance execution must be scheduled")
	}
	if exec.Stages[0].Status != database.StageCompleted {
		t.Error("analysis stage must be completed even without an analysis row")
	}
}

func TestIsStage(t *testing.T) {
	if !IsStage("review") || IsStage("lint") {
		t.Error("IsStage mismatch")
	}
}

func mustAdvance(t *testing.T, exec *database.PipelineExecution, result *StageResult, maxRetries int) Transition {
	t.Helper()
	tr, err := Advance(exec, result, maxRetries, t0)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	return tr
}

func TestAdvance_HappyPath(t *testing.T) {
	exec := newTestExecution()

	for _, name := range []string{StageGeneration, StageReview, StageTest, StageDeploy} {
		tr := mustAdvance(t, exec, nil, 1)
		if tr.Kind != TransitionStageStarted || tr.Stage.Name != name {
			t.Fatalf("expected %s to start, got %s %+v", name, tr.Kind, tr.Stage)
		}
		if exec.Status != database.ExecutionRunning {
			t.Fatalf("expected running execution, got %s", exec.Status)
		}

		result := &StageResult{Stage: name, Tool: "custom_tool"}
		if name == StageGeneration {
			result.CommitRef = "abc123"
		}
		if name == StageDeploy {
			result.DeploymentID = "dep-1"
			result.DeploymentURL = "https://prod.example.com"
		}
		tr = mustAdvance(t, exec, result, 1)
		if tr.Kind != TransitionStageCompleted {
			t.Fatalf("expected %s to complete, got %s", name, tr.Kind)
		}
		if tr.Stage.Tool != "custom_tool" {
			t.Errorf("expected reporting tool to be recorded, got %s", tr.Stage.Tool)
		}
	}

	tr := mustAdvance(t, exec, nil, 1)
	if tr.Kind != TransitionCompleted || !tr.Terminal() {
		t.Fatalf("expected completion, got %s", tr.Kind)
	}
	if exec.Status != database.ExecutionCompleted || exec.FinishedAt == nil {
		t.Errorf("execution = %s finished %v", exec.Status, exec.FinishedAt)
	}
	if exec.CommitRef != "abc123" || exec.DeploymentID != "dep-1" || exec.DeploymentURL == "" {
		t.Errorf("execution refs not recorded: %+v", exec)
	}

	if _, err := Advance(exec, nil, 1, t0); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
}

func TestAdvance_RejectsOutOfOrder(t *testing.T) {
	exec := newTestExecution()

	if _, err := Advance(exec, &StageResult{Stage: StageGeneration}, 1, t0); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch with nothing running, got %v", err)
	}

	mustAdvance(t, exec, nil, 1)
	if _, err := Advance(exec, nil, 1, t0); !errors.Is(err, ErrStageRunning) {
		t.Errorf("expected ErrStageRunning, got %v", err)
	}
	if _, err := Advance(exec, &StageResult{Stage: StageReview}, 1, t0); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch for wrong stage, got %v", err)
	}
}

func TestAdvance_TransientRetry(t *testing.T) {
	exec := newTestExecution()
	mustAdvance(t, exec, nil, 1)

	tr := mustAdvance(t, exec, &StageResult{Stage: StageGeneration, Err: Transient(StageGeneration, errors.New("503"))}, 1)
	if tr.Kind != TransitionStageRetried {
		t.Fatalf("expected retry, got %s", tr.Kind)
	}
	stage := RunningStage(exec)
	if stage == nil || stage.Name != StageGeneration || stage.Attempts != 2 {
		t.Fatalf("expected generation running on attempt 2, got %+v", stage)
	}
	if stage.ErrorKind != string(KindTransient) {
		t.Errorf("expected transient error kind, got %s", stage.ErrorKind)
	}

	tr = mustAdvance(t, exec, &StageResult{Stage: StageGeneration, Err: Transient(StageGeneration, errors.New("503"))}, 1)
	if tr.Kind != TransitionFailed {
		t.Fatalf("expected failure after retries, got %s", tr.Kind)
	}
	if exec.Status != database.ExecutionFailed || exec.FailureReason == "" {
		t.Errorf("execution = %s reason %q", exec.Status, exec.FailureReason)
	}
}

func TestAdvance_TimeoutIsTransient(t *testing.T) {
	exec := newTestExecution()
	mustAdvance(t, exec, nil, 1)

	tr := mustAdvance(t, exec, &StageResult{Stage: StageGeneration, Err: fmt.Errorf("analyzer call: %w", context.DeadlineExceeded)}, 1)
	if tr.Kind != TransitionStageRetried {
		t.Errorf("expected timeout to be retried, got %s", tr.Kind)
	}
}

func TestAdvance_PermanentAndUnclassifiedDoNotRetry(t *testing.T) {
	for _, err := range []error{Permanent(StageGeneration, errors.New("bad")), errors.New("boom")} {
		exec := newTestExecution()
		mustAdvance(t, exec, nil, 3)
		tr := mustAdvance(t, exec, &StageResult{Stage: StageGeneration, Err: err}, 3)
		if tr.Kind != TransitionFailed {
			t.Errorf("%v: expected failure, got %s", err, tr.Kind)
		}
	}
}

func TestAdvance_ProductionFailureRollsBack(t *testing.T) {
	exec := newTestExecution()
	for _, name := range []string{StageGeneration, StageReview, StageTest} {
		mustAdvance(t, exec, nil, 0)
		mustAdvance(t, exec, &StageResult{Stage: name, CommitRef: "abc", DeploymentID: "dep-preview"}, 0)
	}
	if exec.DeploymentID != "" {
		t.Errorf("preview deployment must not be recorded as the production deployment")
	}

	mustAdvance(t, exec, nil, 0)
	tr := mustAdvance(t, exec, &StageResult{
		Stage:        StageDeploy,
		DeploymentID: "dep-prod",
		Err:          Permanent(StageDeploy, errors.New("health check failed")),
	}, 0)

	if tr.Kind != TransitionRolledBack {
		t.Fatalf("expected rollback, got %s", tr.Kind)
	}
	if tr.RollbackDeploymentID != "dep-prod" {
		t.Errorf("expected rollback of dep-prod, got %q", tr.RollbackDeploymentID)
	}
	if exec.Status != database.ExecutionRolledBack || exec.RollbackReason == "" {
		t.Errorf("execution = %s rollback reason %q", exec.Status, exec.RollbackReason)
	}
}

func TestAdvance_StagesAreMonotonic(t *testing.T) {
	rank := map[database.StageStatus]int{
		database.StagePending:   0,
		database.StageRunning:   1,
		database.StageCompleted: 2,
		database.StageFailed:    2,
	}

	exec := newTestExecution()
	prev := make([]database.StageStatus, len(exec.Stages))
	for i := range exec.Stages {
		prev[i] = exec.Stages[i].Status
	}
	check := func() {
		for i := range exec.Stages {
			if rank[exec.Stages[i].Status] < rank[prev[i]] {
				t.Fatalf("stage %s moved backwards %s -> %s", exec.Stages[i].Name, prev[i], exec.Stages[i].Status)
			}
			prev[i] = exec.Stages[i].Status
		}
	}

	results := []*StageResult{
		nil,
		{Stage: StageGeneration, Err: Transient(StageGeneration, errors.New("flaky"))},
		{Stage: StageGeneration, CommitRef: "abc"},
		nil,
		{Stage: StageReview},
		nil,
		{Stage: StageTest, Err: errors.New("unclassified")},
	}
	for _, r := range results {
		mustAdvance(t, exec, r, 1)
		check()
	}
	if exec.Status != database.ExecutionFailed {
		t.Errorf("expected failed execution, got %s", exec.Status)
	}
}

func TestCancel(t *testing.T) {
	exec := newTestExecution()
	mustAdvance(t, exec, nil, 1)

	tr, err := Cancel(exec, "escalated", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Kind != TransitionCancelled || tr.Stage == nil || tr.Stage.Status != database.StageFailed {
		t.Errorf("transition = %+v", tr)
	}
	if exec.Status != database.ExecutionFailed || exec.FailureReason != "escalated" {
		t.Errorf("execution = %s reason %q", exec.Status, exec.FailureReason)
	}
	if _, err := Cancel(exec, "again", t0); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{Transient("x", errors.New("a")), KindTransient},
		{Permanent("x", errors.New("a")), KindPermanent},
		{fmt.Errorf("analyzer call: %w", context.DeadlineExceeded), KindTransient},
		{errors.New("other"), KindUnclassified},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
