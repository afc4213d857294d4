package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/learning"
	"github.com/akmatori/autopilot/internal/metrics"
	"github.com/akmatori/autopilot/internal/observability"
	"github.com/akmatori/autopilot/internal/pipeline"
)

const (
	OutcomeEventEscalated = "execution.escalated"
	OutcomeEventSuccess   = "outcome.success"
	OutcomeEventFailure   = "outcome.failure"
)

var (
	// ErrUnknownEventType is returned for webhook event types nothing handles
	ErrUnknownEventType = errors.New("unknown outcome event type")

	// ErrUnknownTarget is returned when the webhook names no known execution or decision
	ErrUnknownTarget = errors.New("no execution or decision with this id")

	// ErrUnexpectedCallback is returned when no stage is waiting for the reported result
	ErrUnexpectedCallback = errors.New("no stage is waiting for this result")
)

// OutcomeWebhook is the payload external collaborators post back
type OutcomeWebhook struct {
	EventType   string                 `json:"eventType" validate:"required,max=64"`
	WorkflowID  string                 `json:"workflowId" validate:"max=255"`
	ExecutionID string                 `json:"executionId" validate:"required,max=64"`
	Data        map[string]interface{} `json:"data"`
	Timestamp   time.Time              `json:"timestamp"`
}

// OutcomeResult tells the caller what a webhook did
type OutcomeResult struct {
	Duplicate bool   `json:"duplicate"`
	Action    string `json:"action"`
}

// OutcomeService applies collaborator callbacks. Each executionId and event
// type pair is applied at most once, per attempt for stage callbacks.
type OutcomeService struct {
	db          *gorm.DB
	coordinator *Coordinator
	learning    *learning.Loop
	logger      *zap.Logger
	now         func() time.Time
}

// NewOutcomeService creates a new outcome service
func NewOutcomeService(db *gorm.DB, coordinator *Coordinator, loop *learning.Loop, logger *zap.Logger) *OutcomeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeService{
		db:          db,
		coordinator: coordinator,
		learning:    loop,
		logger:      logger.Named("outcomes"),
		now:         time.Now,
	}
}

// stageEvent splits "<stage>.completed" or "<stage>.failed"
func stageEvent(eventType string) (stage string, completed bool, ok bool) {
	name, verb, found := strings.Cut(eventType, ".")
	if !found || !pipeline.IsStage(name) {
		return "", false, false
	}
	switch verb {
	case "completed":
		return name, true, true
	case "failed":
		return name, false, true
	}
	return "", false, false
}

// Handle applies a webhook. A delivery that fails to apply is forgotten so the
// sender can retry it.
func (s *OutcomeService) Handle(ctx context.Context, wh OutcomeWebhook) (*OutcomeResult, error) {
	stage, _, isStage := stageEvent(wh.EventType)
	switch {
	case isStage, wh.EventType == OutcomeEventEscalated, wh.EventType == OutcomeEventSuccess, wh.EventType == OutcomeEventFailure:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, wh.EventType)
	}

	db := s.db.WithContext(ctx)
	delivery := &database.OutcomeDelivery{
		ExecutionID: wh.ExecutionID,
		EventType:   wh.EventType,
		WorkflowID:  wh.WorkflowID,
		Payload:     database.JSONB(wh.Data),
		ReceivedAt:  s.now(),
	}
	if isStage {
		attempt, err := s.stageAttempt(db, wh, stage)
		if err != nil {
			return nil, err
		}
		delivery.Attempt = attempt
	}

	fresh, err := database.RecordOutcomeDelivery(db, delivery)
	if err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}
	if !fresh {
		s.logger.Info("Ignoring duplicate outcome webhook",
			zap.String("event_type", wh.EventType), observability.ExecutionID(wh.ExecutionID))
		return &OutcomeResult{Duplicate: true, Action: "ignored"}, nil
	}

	action, err := s.apply(ctx, wh)
	if err != nil {
		if ferr := database.ForgetOutcomeDelivery(db, delivery); ferr != nil {
			s.logger.Error("Failed to forget outcome delivery", zap.Error(ferr))
		}
		return nil, err
	}
	s.logger.Info("Outcome webhook applied",
		zap.String("event_type", wh.EventType), zap.String("action", action),
		observability.ExecutionID(wh.ExecutionID))
	return &OutcomeResult{Action: action}, nil
}

// stageAttempt identifies which attempt of a stage a callback reports on. The
// collaborator may name it in data.attempt; otherwise it is the stage's latest
// persisted attempt, which a retry bumps before the collaborator is called again.
func (s *OutcomeService) stageAttempt(db *gorm.DB, wh OutcomeWebhook, stage string) (int, error) {
	if a, ok := wh.Data["attempt"].(float64); ok && a >= 1 {
		return int(a), nil
	}
	exec, err := s.execution(db, wh.ExecutionID)
	if err != nil {
		return 0, err
	}
	for _, st := range exec.Stages {
		if st.Name == stage {
			return st.Attempts, nil
		}
	}
	return 0, nil
}

func (s *OutcomeService) apply(ctx context.Context, wh OutcomeWebhook) (string, error) {
	db := s.db.WithContext(ctx)

	if stage, completed, ok := stageEvent(wh.EventType); ok {
		exec, err := s.execution(db, wh.ExecutionID)
		if err != nil {
			return "", err
		}
		err = s.coordinator.orchestrator.Deliver(exec.ID, stageResult(stage, completed, wh.Data, s.now()))
		if errors.Is(err, pipeline.ErrNotRunning) || errors.Is(err, pipeline.ErrNotAwaiting) {
			return "", fmt.Errorf("%w: %v", ErrUnexpectedCallback, err)
		}
		if err != nil {
			return "", err
		}
		return "delivered", nil
	}

	switch wh.EventType {
	case OutcomeEventEscalated:
		if _, err := s.execution(db, wh.ExecutionID); err != nil {
			return "", err
		}
		if err := s.coordinator.Escalate(ctx, wh.ExecutionID); err != nil {
			return "", err
		}
		return "escalated", nil

	default:
		decisionID, err := s.decisionFor(db, wh.ExecutionID)
		if err != nil {
			return "", err
		}
		state := database.OutcomeStateFailure
		if wh.EventType == OutcomeEventSuccess {
			state = database.OutcomeStateSuccess
		}
		recorded, err := s.learning.RecordOutcome(ctx, decisionID, state, wh.Data)
		if err != nil {
			return "", err
		}
		if !recorded {
			return "already_recorded", nil
		}
		metrics.ObserveOutcome(string(state))
		return "recorded", nil
	}
}

func (s *OutcomeService) execution(db *gorm.DB, id string) (*database.PipelineExecution, error) {
	exec, err := database.GetExecutionByUUID(db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return exec, err
}

// decisionFor resolves an execution id, or failing that a decision id, to the
// decision whose outcome is being reported.
func (s *OutcomeService) decisionFor(db *gorm.DB, id string) (uint, error) {
	exec, err := database.GetExecutionByUUID(db, id)
	if err == nil {
		return exec.DecisionID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	d, err := database.GetDecisionByUUID(db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

// stageResult turns callback data into a stage result. A failure is transient
// only when the collaborator says so.
func stageResult(stage string, completed bool, data map[string]interface{}, now time.Time) pipeline.StageResult {
	res := pipeline.StageResult{
		Stage:         stage,
		Output:        database.JSONB(data),
		CommitRef:     stringField(data, "commitRef", "commit_ref"),
		DeploymentID:  stringField(data, "deploymentId", "deployment_id"),
		DeploymentURL: stringField(data, "url", "deploymentUrl"),
		FinishedAt:    now,
	}
	if c, ok := data["confidence"].(float64); ok {
		res.Confidence = &c
	}
	if completed {
		if approved, ok := data["approved"].(bool); ok && !approved {
			res.Err = pipeline.Permanent(stage, errors.New("review rejected"))
		}
		if success, ok := data["success"].(bool); ok && !success {
			res.Err = pipeline.Permanent(stage, errors.New("collaborator reported failure"))
		}
		return res
	}

	msg := stringField(data, "error", "message")
	if msg == "" {
		msg = "collaborator reported failure"
	}
	if transient, _ := data["transient"].(bool); transient {
		res.Err = pipeline.Transient(stage, errors.New(msg))
	} else {
		res.Err = pipeline.Permanent(stage, errors.New(msg))
	}
	return res
}

func stringField(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
