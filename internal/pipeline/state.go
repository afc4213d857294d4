// Package pipeline drives remediation executions through their stages.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akmatori/autopilot/internal/database"
)

// Stage names, in execution order
const (
	StageAnalysis   = "analysis"
	StageGeneration = "generation"
	StageReview     = "review"
	StageTest       = "test"
	StageDeploy     = "deploy"
)

type stageSpec struct {
	name       string
	tool       database.Tool
	production bool
}

var plan = []stageSpec{
	{StageAnalysis, database.ToolAnalysisEngine, false},
	{StageGeneration, database.ToolCodeGenerator, false},
	{StageReview, database.ToolCodeReview, false},
	{StageTest, database.ToolDeploymentPlatform, false},
	{StageDeploy, database.ToolDeploymentPlatform, true},
}

// StageNames returns the stage names in order
func StageNames() []string {
	names := make([]string, len(plan))
	for i, s := range plan {
		names[i] = s.name
	}
	return names
}

// IsStage reports whether name is a known stage
func IsStage(name string) bool {
	for _, s := range plan {
		if s.name == name {
			return true
		}
	}
	return false
}

// NewExecution builds a pending execution for a decision. The analysis stage is
// recorded as already completed since the decision was made from it.
func NewExecution(decision *database.Decision, analysis *database.AnalysisResult, now time.Time) *database.PipelineExecution {
	exec := &database.PipelineExecution{
		UUID:       uuid.New().String(),
		IssueID:    decision.IssueID,
		DecisionID: decision.ID,
		Status:     database.ExecutionPending,
		Scheduled:  decision.Outcome == database.OutcomeScheduleMaintenance,
	}

	for i, spec := range plan {
		stage := database.PipelineStage{
			Position:   i,
			Name:       spec.name,
			Tool:       spec.tool,
			Production: spec.production,
			Status:     database.StagePending,
		}
		if spec.name == StageAnalysis {
			started, finished := now, now
			if analysis != nil {
				if !analysis.StartedAt.IsZero() {
					started = analysis.StartedAt
				}
				if !analysis.CompletedAt.IsZero() {
					finished = analysis.CompletedAt
				}
				confidence := analysis.Confidence
				stage.Confidence = &confidence
				stage.Output = database.JSONB{
					"recommended_action": analysis.RecommendedAction,
					"analysis_id":        analysis.ID,
				}
			}
			stage.Status = database.StageCompleted
			stage.Attempts = 1
			stage.StartedAt = &started
			stage.FinishedAt = &finished
			stage.DurationMs = finished.Sub(started).Milliseconds()
		}
		exec.Stages = append(exec.Stages, stage)
	}
	return exec
}

// StageResult is what a collaborator reported for a running stage
type StageResult struct {
	Stage         string
	Err           error
	Tool          database.Tool
	Output        database.JSONB
	Confidence    *float64
	CommitRef     string
	DeploymentID  string
	DeploymentURL string
	FinishedAt    time.Time
}

// TransitionKind describes what a call to Advance did
type TransitionKind string

const (
	TransitionStageStarted   TransitionKind = "stage_started"
	TransitionStageCompleted TransitionKind = "stage_completed"
	TransitionStageRetried   TransitionKind = "stage_retried"
	TransitionCompleted      TransitionKind = "execution_completed"
	TransitionFailed         TransitionKind = "execution_failed"
	TransitionRolledBack     TransitionKind = "execution_rolled_back"
	TransitionCancelled      TransitionKind = "execution_cancelled"
)

// Transition reports the effect of one Advance call
type Transition struct {
	Kind  TransitionKind
	Stage *database.PipelineStage
	// ErrorKind is set when the stage failed
	ErrorKind ErrorKind
	// RollbackDeploymentID is set when a production deployment must be undone
	RollbackDeploymentID string
}

// Terminal reports whether the execution finished with this transition
func (t Transition) Terminal() bool {
	switch t.Kind {
	case TransitionCompleted, TransitionFailed, TransitionRolledBack, TransitionCancelled:
		return true
	}
	return false
}

// RunningStage returns the running stage of an execution, or nil
func RunningStage(exec *database.PipelineExecution) *database.PipelineStage {
	for i := range exec.Stages {
		if exec.Stages[i].Status == database.StageRunning {
			return &exec.Stages[i]
		}
	}
	return nil
}

func nextPending(exec *database.PipelineExecution) *database.PipelineStage {
	for i := range exec.Stages {
		if exec.Stages[i].Status == database.StagePending {
			return &exec.Stages[i]
		}
	}
	return nil
}

// reachedProduction reports whether a production stage has started at or before stage
func reachedProduction(exec *database.PipelineExecution, stage *database.PipelineStage) bool {
	for i := range exec.Stages {
		s := &exec.Stages[i]
		if s.Position > stage.Position {
			break
		}
		if s.Production && s.Status != database.StagePending {
			return true
		}
	}
	return false
}

// Advance moves an execution one step. With a nil result it starts the next
// pending stage, or completes the execution when none is left. With a result it
// finalizes the running stage: success completes it, a transient failure within
// the retry budget keeps it running for another attempt, and any other failure
// ends the execution as failed, or rolled back once production was touched.
func Advance(exec *database.PipelineExecution, result *StageResult, maxRetries int, now time.Time) (Transition, error) {
	if exec.Status.IsTerminal() {
		return Transition{}, fmt.Errorf("%w: %s is %s", ErrTerminal, exec.UUID, exec.Status)
	}

	running := RunningStage(exec)
	if result == nil {
		if running != nil {
			return Transition{}, fmt.Errorf("%w: %s", ErrStageRunning, running.Name)
		}
		return start(exec, now), nil
	}

	if running == nil || running.Name != result.Stage {
		return Transition{}, fmt.Errorf("%w: got %s", ErrStageMismatch, result.Stage)
	}
	if result.Tool != "" {
		running.Tool = result.Tool
	}
	if result.Err == nil {
		return complete(exec, running, result, now), nil
	}
	return fail(exec, running, result, maxRetries, now), nil
}

func start(exec *database.PipelineExecution, now time.Time) Transition {
	next := nextPending(exec)
	if next == nil {
		exec.Status = database.ExecutionCompleted
		exec.FinishedAt = &now
		return Transition{Kind: TransitionCompleted}
	}

	if exec.Status == database.ExecutionPending {
		exec.Status = database.ExecutionRunning
		exec.StartedAt = &now
	}
	next.Status = database.StageRunning
	next.Attempts = 1
	next.StartedAt = &now
	return Transition{Kind: TransitionStageStarted, Stage: next}
}

func finishedAt(result *StageResult, now time.Time) time.Time {
	if result.FinishedAt.IsZero() {
		return now
	}
	return result.FinishedAt
}

func complete(exec *database.PipelineExecution, stage *database.PipelineStage, result *StageResult, now time.Time) Transition {
	at := finishedAt(result, now)
	stage.Status = database.StageCompleted
	stage.FinishedAt = &at
	if stage.StartedAt != nil {
		stage.DurationMs = at.Sub(*stage.StartedAt).Milliseconds()
	}
	stage.Error = ""
	stage.ErrorKind = ""
	stage.Output = result.Output
	stage.Confidence = result.Confidence

	if result.CommitRef != "" {
		exec.CommitRef = result.CommitRef
	}
	if result.DeploymentID != "" && stage.Production {
		exec.DeploymentID = result.DeploymentID
	}
	if result.DeploymentURL != "" && stage.Production {
		exec.DeploymentURL = result.DeploymentURL
	}
	return Transition{Kind: TransitionStageCompleted, Stage: stage}
}

func fail(exec *database.PipelineExecution, stage *database.PipelineStage, result *StageResult, maxRetries int, now time.Time) Transition {
	kind := Classify(result.Err)
	stage.Error = result.Err.Error()
	stage.ErrorKind = string(kind)

	if kind == KindTransient && stage.Attempts <= maxRetries {
		stage.Attempts++
		restarted := now
		stage.StartedAt = &restarted
		return Transition{Kind: TransitionStageRetried, Stage: stage, ErrorKind: kind}
	}

	at := finishedAt(result, now)
	stage.Status = database.StageFailed
	stage.FinishedAt = &at
	if stage.StartedAt != nil {
		stage.DurationMs = at.Sub(*stage.StartedAt).Milliseconds()
	}
	if result.DeploymentID != "" && stage.Production {
		exec.DeploymentID = result.DeploymentID
	}
	exec.FinishedAt = &at

	reason := fmt.Sprintf("%s stage failed: %v", stage.Name, result.Err)
	if reachedProduction(exec, stage) {
		exec.Status = database.ExecutionRolledBack
		exec.RollbackReason = reason
		return Transition{Kind: TransitionRolledBack, Stage: stage, ErrorKind: kind, RollbackDeploymentID: exec.DeploymentID}
	}
	exec.Status = database.ExecutionFailed
	exec.FailureReason = reason
	return Transition{Kind: TransitionFailed, Stage: stage, ErrorKind: kind}
}

// Cancel stops an execution that has not finished. The running stage, if any,
// fails with the given reason, and so does the execution.
func Cancel(exec *database.PipelineExecution, reason string, now time.Time) (Transition, error) {
	if exec.Status.IsTerminal() {
		return Transition{}, fmt.Errorf("%w: %s is %s", ErrTerminal, exec.UUID, exec.Status)
	}
	stage := RunningStage(exec)
	if stage != nil {
		stage.Status = database.StageFailed
		stage.Error = reason
		stage.ErrorKind = string(KindPermanent)
		stage.FinishedAt = &now
		if stage.StartedAt != nil {
			stage.DurationMs = now.Sub(*stage.StartedAt).Milliseconds()
		}
	}
	exec.Status = database.ExecutionFailed
	exec.FailureReason = reason
	exec.FinishedAt = &now
	return Transition{Kind: TransitionCancelled, Stage: stage}, nil
}
