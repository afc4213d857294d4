package services

import (
	"context"
	"errors"
	"testing"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/pipeline"
)

type awaitingGenerator struct{}

func (awaitingGenerator) GenerateFix(_ context.Context, _ *database.Issue, _ *database.AnalysisResult) (*pipeline.Fix, error) {
	return nil, pipeline.ErrAwaitingCallback
}

func newOutcomeHarness(t *testing.T) (*coordinatorHarness, *OutcomeService) {
	t.Helper()
	h := newCoordinatorHarnessWith(t, 5, awaitingGenerator{})
	return h, NewOutcomeService(h.db, h.coord, h.learning, nil)
}

// awaitingExecution ingests a low-risk issue and returns its execution once the
// generation stage is waiting for a callback.
func awaitingExecution(t *testing.T, h *coordinatorHarness) *database.PipelineExecution {
	t.Helper()
	issue := h.ingest(t, `{"title": "docs render timeout", "severity": "low", "services": ["docs"]}`)
	var exec *database.PipelineExecution
	eventually(t, "generation stage running", func() bool {
		exec, _ = database.LatestExecutionForIssue(h.db, issue.ID)
		if exec == nil {
			return false
		}
		stage := pipeline.RunningStage(exec)
		return stage != nil && stage.Name == pipeline.StageGeneration
	})
	return exec
}

func TestOutcomeService_StageCallbackCompletesPipeline(t *testing.T) {
	h, svc := newOutcomeHarness(t)
	exec := awaitingExecution(t, h)

	wh := OutcomeWebhook{
		EventType:   "generation.completed",
		WorkflowID:  "wf-1",
		ExecutionID: exec.UUID,
		Data:        map[string]interface{}{"commitRef": "def456"},
	}
	var result *OutcomeResult
	eventually(t, "callback delivered", func() bool {
		var err error
		result, err = svc.Handle(context.Background(), wh)
		return err == nil
	})
	if result.Duplicate || result.Action != "delivered" {
		t.Errorf("result = %+v, want delivered", result)
	}

	eventually(t, "execution completed", func() bool {
		stored, err := database.GetExecutionByUUID(h.db, exec.UUID)
		return err == nil && stored.Status == database.ExecutionCompleted
	})
	stored, _ := database.GetExecutionByUUID(h.db, exec.UUID)
	if stored.CommitRef != "def456" {
		t.Errorf("CommitRef = %q, want def456", stored.CommitRef)
	}

	again, err := svc.Handle(context.Background(), wh)
	if err != nil {
		t.Fatalf("duplicate Handle() error = %v", err)
	}
	if !again.Duplicate {
		t.Error("second delivery of the same event must be a duplicate")
	}
}

func TestOutcomeService_TransientFailureRetries(t *testing.T) {
	h, svc := newOutcomeHarness(t)
	exec := awaitingExecution(t, h)

	wh := OutcomeWebhook{
		EventType:   "generation.failed",
		ExecutionID: exec.UUID,
		Data:        map[string]interface{}{"error": "rate limited by provider", "transient": true},
	}
	eventually(t, "failure delivered", func() bool {
		_, err := svc.Handle(context.Background(), wh)
		return err == nil
	})

	eventually(t, "second attempt", func() bool {
		stored, err := database.GetExecutionByUUID(h.db, exec.UUID)
		if err != nil {
			return false
		}
		stage := pipeline.RunningStage(stored)
		return stage != nil && stage.Name == pipeline.StageGeneration && stage.Attempts == 2
	})
}

func TestOutcomeService_RetriedStageAcceptsItsOwnFailure(t *testing.T) {
	h, svc := newOutcomeHarness(t)
	exec := awaitingExecution(t, h)

	transient := OutcomeWebhook{
		EventType:   "generation.failed",
		ExecutionID: exec.UUID,
		Data:        map[string]interface{}{"error": "rate limited by provider", "transient": true},
	}
	eventually(t, "first failure delivered", func() bool {
		_, err := svc.Handle(context.Background(), transient)
		return err == nil
	})
	eventually(t, "second attempt", func() bool {
		stored, err := database.GetExecutionByUUID(h.db, exec.UUID)
		if err != nil {
			return false
		}
		stage := pipeline.RunningStage(stored)
		return stage != nil && stage.Name == pipeline.StageGeneration && stage.Attempts == 2
	})

	permanent := OutcomeWebhook{
		EventType:   "generation.failed",
		ExecutionID: exec.UUID,
		Data:        map[string]interface{}{"error": "no viable patch"},
	}
	var result *OutcomeResult
	eventually(t, "second failure delivered", func() bool {
		var err error
		result, err = svc.Handle(context.Background(), permanent)
		return err == nil
	})
	if result.Duplicate || result.Action != "delivered" {
		t.Errorf("result = %+v, want delivered", result)
	}

	eventually(t, "execution failed", func() bool {
		stored, err := database.GetExecutionByUUID(h.db, exec.UUID)
		return err == nil && stored.Status == database.ExecutionFailed
	})

	var deliveries []database.OutcomeDelivery
	h.db.Where("execution_id = ?", exec.UUID).Order("attempt ASC").Find(&deliveries)
	if len(deliveries) != 2 || deliveries[0].Attempt != 1 || deliveries[1].Attempt != 2 {
		t.Errorf("deliveries = %+v, want attempts 1 and 2", deliveries)
	}

	again, err := svc.Handle(context.Background(), permanent)
	if err != nil {
		t.Fatalf("duplicate Handle() error = %v", err)
	}
	if !again.Duplicate {
		t.Error("a resent failure for the last attempt must be a duplicate")
	}
}

func TestOutcomeService_ExplicitAttemptInCallback(t *testing.T) {
	h, svc := newOutcomeHarness(t)
	exec := awaitingExecution(t, h)

	stale := OutcomeWebhook{
		EventType:   "generation.failed",
		ExecutionID: exec.UUID,
		Data:        map[string]interface{}{"error": "boom", "transient": true, "attempt": float64(1)},
	}
	eventually(t, "failure delivered", func() bool {
		_, err := svc.Handle(context.Background(), stale)
		return err == nil
	})
	eventually(t, "second attempt", func() bool {
		stored, err := database.GetExecutionByUUID(h.db, exec.UUID)
		if err != nil {
			return false
		}
		stage := pipeline.RunningStage(stored)
		return stage != nil && stage.Attempts == 2
	})

	// a resend of the first attempt's report must not fail the retry
	again, err := svc.Handle(context.Background(), stale)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !again.Duplicate {
		t.Error("resend naming attempt 1 must be a duplicate")
	}
}

func TestOutcomeService_EscalationCancelsRunner(t *testing.T) {
	h, svc := newOutcomeHarness(t)
	exec := awaitingExecution(t, h)

	result, err := svc.Handle(context.Background(), OutcomeWebhook{EventType: OutcomeEventEscalated, ExecutionID: exec.UUID})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Action != "escalated" {
		t.Errorf("Action = %q, want escalated", result.Action)
	}

	eventually(t, "issue escalated", func() bool {
		issue, err := database.GetIssueByID(h.db, exec.IssueID)
		return err == nil && issue.Status == database.IssueStatusEscalated
	})
	stored, _ := database.GetExecutionByUUID(h.db, exec.UUID)
	if stored.Status != database.ExecutionFailed || stored.FailureReason != "escalated" {
		t.Errorf("execution = %s %q, want failed \"escalated\"", stored.Status, stored.FailureReason)
	}
	d, _ := database.GetDecisionByID(h.db, exec.DecisionID)
	if d.OutcomeState != database.OutcomeStatePending {
		t.Errorf("OutcomeState = %s, escalation must not be learned from", d.OutcomeState)
	}
}

func TestOutcomeService_ExternalOutcomeIsIdempotent(t *testing.T) {
	h, svc := newOutcomeHarness(t)
	issue := h.ingest(t, `{"title": "card declines spike", "severity": "medium", "services": ["payment-service"]}`)
	d := activeDecision(t, h.db, issue.ID)

	first, err := svc.Handle(context.Background(), OutcomeWebhook{EventType: OutcomeEventSuccess, ExecutionID: d.UUID})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if first.Action != "recorded" {
		t.Errorf("Action = %q, want recorded", first.Action)
	}

	second, err := svc.Handle(context.Background(), OutcomeWebhook{EventType: OutcomeEventFailure, ExecutionID: d.UUID})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if second.Action != "already_recorded" {
		t.Errorf("Action = %q, want already_recorded", second.Action)
	}

	stored, _ := database.GetDecisionByID(h.db, d.ID)
	if stored.OutcomeState != database.OutcomeStateSuccess {
		t.Errorf("OutcomeState = %s, want success", stored.OutcomeState)
	}
	stat, _ := database.GetHistoricalStat(h.db, d.Pattern)
	if stat == nil || stat.Samples != 1 {
		t.Errorf("stat = %+v, want exactly one sample", stat)
	}
}

func TestOutcomeService_Rejections(t *testing.T) {
	h, svc := newOutcomeHarness(t)

	tests := []struct {
		name    string
		webhook OutcomeWebhook
		want    error
	}{
		{"unknown event type", OutcomeWebhook{EventType: "deploy.started", ExecutionID: "x"}, ErrUnknownEventType},
		{"unknown stage", OutcomeWebhook{EventType: "lint.completed", ExecutionID: "x"}, ErrUnknownEventType},
		{"unknown execution", OutcomeWebhook{EventType: "review.completed", ExecutionID: "missing"}, ErrUnknownTarget},
		{"unknown decision", OutcomeWebhook{EventType: OutcomeEventSuccess, ExecutionID: "missing"}, ErrUnknownTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Handle(context.Background(), tt.webhook)
			if !errors.Is(err, tt.want) {
				t.Errorf("Handle() error = %v, want %v", err, tt.want)
			}
		})
	}

	// rejected deliveries are forgotten so a corrected retry is not a duplicate
	var count int64
	h.db.Model(&database.OutcomeDelivery{}).Count(&count)
	if count != 0 {
		t.Errorf("deliveries = %d, want 0", count)
	}
}

func TestOutcomeService_CallbackWithoutWaitingStage(t *testing.T) {
	h := newCoordinatorHarness(t, 0)
	svc := NewOutcomeService(h.db, h.coord, h.learning, nil)

	issue := h.ingest(t, `{"title": "docs render timeout", "severity": "low", "services": ["docs"]}`)
	exec, _ := database.LatestExecutionForIssue(h.db, issue.ID)

	_, err := svc.Handle(context.Background(), OutcomeWebhook{EventType: "review.completed", ExecutionID: exec.UUID})
	if !errors.Is(err, ErrUnexpectedCallback) {
		t.Errorf("Handle() error = %v, want ErrUnexpectedCallback", err)
	}
}

func TestStageEvent(t *testing.T) {
	tests := []struct {
		in        string
		stage     string
		completed bool
		ok        bool
	}{
		{"generation.completed", pipeline.StageGeneration, true, true},
		{"deploy.failed", pipeline.StageDeploy, false, true},
		{"deploy.started", "", false, false},
		{"outcome.success", "", false, false},
		{"generation", "", false, false},
	}
	for _, tt := range tests {
		stage, completed, ok := stageEvent(tt.in)
		if stage != tt.stage || completed != tt.completed || ok != tt.ok {
			t.Errorf("stageEvent(%q) = %q, %v, %v", tt.in, stage, completed, ok)
		}
	}
}
