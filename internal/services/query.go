package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/pipeline"
	"github.com/akmatori/autopilot/internal/ratelimit"
)

// IssueDetail is an issue with everything decided about it so far
type IssueDetail struct {
	Issue     database.Issue              `json:"issue"`
	Signals   []database.IssueSignal      `json:"signals"`
	Analysis  *database.AnalysisResult    `json:"analysis,omitempty"`
	Decision  *database.Decision          `json:"decision,omitempty"`
	Execution *database.PipelineExecution `json:"execution,omitempty"`
}

// Stats summarizes decisions, issues and pipelines
type Stats struct {
	TotalDecisions    int64                              `json:"total_decisions"`
	AutoApproved      int64                              `json:"auto_approved"`
	Scheduled         int64                              `json:"scheduled"`
	Escalations       int64                              `json:"escalations"`
	MonitorOnly       int64                              `json:"monitor_only"`
	AverageConfidence float64                            `json:"average_confidence"`
	SuccessRate       float64                            `json:"success_rate"`
	Issues            map[database.IssueStatus]int64     `json:"issues"`
	Executions        map[database.ExecutionStatus]int64 `json:"executions"`
	ActivePipelines   int                                `json:"active_pipelines"`
	AutoResolveBudget ratelimit.Usage                    `json:"auto_resolve_budget"`
}

// QueryService serves read-only snapshots to the dashboard
type QueryService struct {
	db           *gorm.DB
	budget       *ratelimit.Window
	orchestrator *pipeline.Orchestrator
	now          func() time.Time
}

// NewQueryService creates a new query service
func NewQueryService(db *gorm.DB, budget *ratelimit.Window, orchestrator *pipeline.Orchestrator) *QueryService {
	return &QueryService{db: db, budget: budget, orchestrator: orchestrator, now: time.Now}
}

// ListIssues returns a page of issues, newest first
func (s *QueryService) ListIssues(ctx context.Context, status database.IssueStatus, offset, limit int) ([]database.Issue, int64, error) {
	return database.ListIssues(s.db.WithContext(ctx), status, offset, limit)
}

// GetIssue returns an issue with its signals, latest analysis, active decision
// and latest execution.
func (s *QueryService) GetIssue(ctx context.Context, uuid string) (*IssueDetail, error) {
	db := s.db.WithContext(ctx)
	issue, err := database.GetIssueByUUID(db, uuid)
	if err != nil {
		return nil, err
	}
	detail := &IssueDetail{Issue: *issue}

	if detail.Signals, err = database.GetIssueSignals(db, issue.ID); err != nil {
		return nil, err
	}
	if detail.Analysis, err = database.LatestAnalysis(db, issue.ID); err != nil {
		return nil, err
	}
	if detail.Decision, err = database.ActiveDecision(db, issue.ID); err != nil {
		return nil, err
	}
	if detail.Execution, err = database.LatestExecutionForIssue(db, issue.ID); err != nil {
		return nil, err
	}
	return detail, nil
}

// GetDecision returns a decision by UUID
func (s *QueryService) GetDecision(ctx context.Context, uuid string) (*database.Decision, error) {
	return database.GetDecisionByUUID(s.db.WithContext(ctx), uuid)
}

// GetExecution returns an execution with its stages by UUID
func (s *QueryService) GetExecution(ctx context.Context, uuid string) (*database.PipelineExecution, error) {
	return database.GetExecutionByUUID(s.db.WithContext(ctx), uuid)
}

// Stats computes the dashboard summary
func (s *QueryService) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)

	summary, err := database.SummarizeDecisions(db)
	if err != nil {
		return nil, err
	}
	issues, err := database.CountIssuesByStatus(db)
	if err != nil {
		return nil, err
	}
	executions, err := database.CountExecutionsByStatus(db)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalDecisions:    summary.Total,
		AutoApproved:      summary.ByOutcome[database.OutcomeAutoResolve],
		Scheduled:         summary.ByOutcome[database.OutcomeScheduleMaintenance],
		Escalations:       summary.ByOutcome[database.OutcomeEscalateHuman],
		MonitorOnly:       summary.ByOutcome[database.OutcomeMonitorOnly],
		AverageConfidence: summary.AverageConfidence,
		SuccessRate:       summary.SuccessRate(),
		Issues:            issues,
		Executions:        executions,
	}
	if s.orchestrator != nil {
		stats.ActivePipelines = s.orchestrator.Active()
	}
	if s.budget != nil {
		stats.AutoResolveBudget = s.budget.Usage(s.now())
	}
	return stats, nil
}
