// Package testhelpers provides additional data builders for testing
package testhelpers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/database"
)

// ========================================
// Issue Builder
// ========================================

// IssueBuilder builds Issue instances for testing
type IssueBuilder struct {
	issue database.Issue
}

// NewIssueBuilder creates a new issue builder with defaults
func NewIssueBuilder() *IssueBuilder {
	now := time.Now()
	return &IssueBuilder{
		issue: database.Issue{
			UUID:             uuid.New().String(),
			Title:            "checkout latency above SLO",
			Severity:         database.SeverityMedium,
			Status:           database.IssueStatusDetected,
			Sources:          database.NewStringList("generic"),
			AffectedServices: database.NewStringList("checkout"),
			Pattern:          "latency:checkout",
			SignalCount:      1,
			DetectedAt:       now,
			LastSeenAt:       now,
		},
	}
}

// WithUUID sets the issue UUID
func (b *IssueBuilder) WithUUID(id string) *IssueBuilder {
	b.issue.UUID = id
	return b
}

// WithTitle sets the title
func (b *IssueBuilder) WithTitle(title string) *IssueBuilder {
	b.issue.Title = title
	return b
}

// WithSeverity sets the severity
func (b *IssueBuilder) WithSeverity(severity database.Severity) *IssueBuilder {
	b.issue.Severity = severity
	return b
}

// WithStatus sets the lifecycle status
func (b *IssueBuilder) WithStatus(status database.IssueStatus) *IssueBuilder {
	b.issue.Status = status
	return b
}

// WithServices replaces the affected services
func (b *IssueBuilder) WithServices(services ...string) *IssueBuilder {
	b.issue.AffectedServices = database.NewStringList(services...)
	return b
}

// WithPattern sets the learning pattern key
func (b *IssueBuilder) WithPattern(pattern string) *IssueBuilder {
	b.issue.Pattern = pattern
	return b
}

// UpdatedAt backdates the issue's timestamps
func (b *IssueBuilder) UpdatedAt(at time.Time) *IssueBuilder {
	b.issue.CreatedAt = at
	b.issue.UpdatedAt = at
	return b
}

// Build returns the built issue
func (b *IssueBuilder) Build() database.Issue {
	return b.issue
}

// Create inserts the issue and returns it with its ID populated
func (b *IssueBuilder) Create(t *testing.T, db *gorm.DB) *database.Issue {
	t.Helper()
	issue := b.issue
	if err := db.Create(&issue).Error; err != nil {
		t.Fatalf("failed to create issue: %v", err)
	}
	return &issue
}

// ========================================
// Decision Builder
// ========================================

// DecisionBuilder builds Decision instances for testing
type DecisionBuilder struct {
	decision database.Decision
}

// NewDecisionBuilder creates a new decision builder for the given issue
func NewDecisionBuilder(issueID uint) *DecisionBuilder {
	return &DecisionBuilder{
		decision: database.Decision{
			UUID:          uuid.New().String(),
			IssueID:       issueID,
			Cycle:         1,
			Outcome:       database.OutcomeAutoResolve,
			MatrixOutcome: database.OutcomeAutoResolve,
			Confidence:    0.9,
			Severity:      database.SeverityMedium,
			Pattern:       "latency:checkout",
			Active:        true,
			OutcomeState:  database.OutcomeStatePending,
			DecidedAt:     time.Now(),
		},
	}
}

// WithOutcome sets both the final and the matrix outcome
func (b *DecisionBuilder) WithOutcome(outcome database.DecisionOutcome) *DecisionBuilder {
	b.decision.Outcome = outcome
	b.decision.MatrixOutcome = outcome
	return b
}

// WithConfidence sets the confidence
func (b *DecisionBuilder) WithConfidence(confidence float64) *DecisionBuilder {
	b.decision.Confidence = confidence
	return b
}

// WithPattern sets the pattern key
func (b *DecisionBuilder) WithPattern(pattern string) *DecisionBuilder {
	b.decision.Pattern = pattern
	return b
}

// DecidedAt sets the decision time
func (b *DecisionBuilder) DecidedAt(at time.Time) *DecisionBuilder {
	b.decision.DecidedAt = at
	return b
}

// Build returns the built decision
func (b *DecisionBuilder) Build() database.Decision {
	return b.decision
}

// Create inserts the decision and returns it with its ID populated
func (b *DecisionBuilder) Create(t *testing.T, db *gorm.DB) *database.Decision {
	t.Helper()
	d := b.decision
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("failed to create decision: %v", err)
	}
	return &d
}

// ========================================
// Execution Builder
// ========================================

// ExecutionBuilder builds PipelineExecution instances for testing
type ExecutionBuilder struct {
	exec database.PipelineExecution
}

// NewExecutionBuilder creates a pending execution with the five standard
// stages for the given issue and decision.
func NewExecutionBuilder(issueID, decisionID uint) *ExecutionBuilder {
	stages := []struct {
		name       string
		tool       database.Tool
		production bool
	}{
		{"analysis", database.ToolAnalysisEngine, false},
		{"generation", database.ToolCodeGenerator, false},
		{"review", database.ToolCodeReview, false},
		{"test", database.ToolDeploymentPlatform, false},
		{"deploy", database.ToolDeploymentPlatform, true},
	}

	b := &ExecutionBuilder{
		exec: database.PipelineExecution{
			UUID:       uuid.New().String(),
			IssueID:    issueID,
			DecisionID: decisionID,
			Status:     database.ExecutionPending,
		},
	}
	for i, s := range stages {
		b.exec.Stages = append(b.exec.Stages, database.PipelineStage{
			Position:   i,
			Name:       s.name,
			Tool:       s.tool,
			Production: s.production,
			Status:     database.StagePending,
		})
	}
	return b
}

// WithStatus sets the execution status
func (b *ExecutionBuilder) WithStatus(status database.ExecutionStatus) *ExecutionBuilder {
	b.exec.Status = status
	return b
}

// Scheduled marks the execution as waiting for a maintenance window
func (b *ExecutionBuilder) Scheduled() *ExecutionBuilder {
	b.exec.Scheduled = true
	return b
}

// CompletedThrough marks every stage up to and including name as completed
func (b *ExecutionBuilder) CompletedThrough(name string) *ExecutionBuilder {
	for i := range b.exec.Stages {
		b.exec.Stages[i].Status = database.StageCompleted
		b.exec.Stages[i].Attempts = 1
		if b.exec.Stages[i].Name == name {
			break
		}
	}
	return b
}

// Build returns the built execution
func (b *ExecutionBuilder) Build() database.PipelineExecution {
	exec := b.exec
	exec.Stages = append([]database.PipelineStage(nil), b.exec.Stages...)
	return exec
}

// Create inserts the execution with its stages
func (b *ExecutionBuilder) Create(t *testing.T, db *gorm.DB) *database.PipelineExecution {
	t.Helper()
	exec := b.Build()
	if err := db.Create(&exec).Error; err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
	return &exec
}
