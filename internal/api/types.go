package api

import (
	"time"

	"github.com/akmatori/autopilot/internal/database"
)

// ========== Webhook Types ==========

// IngestResponse is the response body for POST /webhook/event/{source}.
// Ingestion is asynchronous, so the body only acknowledges receipt.
type IngestResponse struct {
	Status    string `json:"status"`
	Source    string `json:"source"`
	RequestID string `json:"request_id,omitempty"`
}

// OutcomeRequest is the request body for POST /webhook/outcome.
type OutcomeRequest struct {
	EventType   string                 `json:"eventType" validate:"required,max=64"`
	WorkflowID  string                 `json:"workflowId" validate:"omitempty,max=255"`
	ExecutionID string                 `json:"executionId" validate:"required,max=64"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   *time.Time             `json:"timestamp,omitempty"`
}

// OutcomeResponse is the response body for POST /webhook/outcome.
type OutcomeResponse struct {
	Duplicate bool   `json:"duplicate"`
	Action    string `json:"action"`
}

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// ========== Pagination Types ==========

// PaginationMeta contains pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a list response with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// ========== Mapper Output Types ==========

// IssueListItem is a compact representation of an issue for list views.
// It omits the description and error signature to reduce response size.
type IssueListItem struct {
	ID               uint                 `json:"id"`
	UUID             string               `json:"uuid"`
	Title            string               `json:"title"`
	Severity         database.Severity    `json:"severity"`
	Status           database.IssueStatus `json:"status"`
	StatusReason     string               `json:"status_reason,omitempty"`
	Pattern          string               `json:"pattern"`
	AffectedServices []string             `json:"affected_services"`
	Sources          []string             `json:"sources"`
	SignalCount      int                  `json:"signal_count"`
	AnalysisCycle    int                  `json:"analysis_cycle"`
	DetectedAt       time.Time            `json:"detected_at"`
	LastSeenAt       time.Time            `json:"last_seen_at"`
	ResolvedAt       *time.Time           `json:"resolved_at,omitempty"`
	EscalatedAt      *time.Time           `json:"escalated_at,omitempty"`
}

// StageView is a pipeline stage without its raw collaborator output.
type StageView struct {
	Name       string               `json:"name"`
	Tool       database.Tool        `json:"tool"`
	Production bool                 `json:"production"`
	Status     database.StageStatus `json:"status"`
	Attempts   int                  `json:"attempts"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	DurationMs int64                `json:"duration_ms"`
	Confidence *float64             `json:"confidence,omitempty"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`
}

// ExecutionView is the dashboard shape of a pipeline execution.
type ExecutionView struct {
	UUID           string                   `json:"uuid"`
	Status         database.ExecutionStatus `json:"status"`
	Scheduled      bool                     `json:"scheduled"`
	CurrentStage   string                   `json:"current_stage,omitempty"`
	CommitRef      string                   `json:"commit_ref,omitempty"`
	DeploymentURL  string                   `json:"deployment_url,omitempty"`
	FailureReason  string                   `json:"failure_reason,omitempty"`
	RollbackReason string                   `json:"rollback_reason,omitempty"`
	StartedAt      *time.Time               `json:"started_at,omitempty"`
	FinishedAt     *time.Time               `json:"finished_at,omitempty"`
	Stages         []StageView              `json:"stages"`
}

// IssueDetailResponse is the response body for GET /api/issues/{uuid}.
type IssueDetailResponse struct {
	Issue     database.Issue           `json:"issue"`
	Signals   []database.IssueSignal   `json:"signals"`
	Analysis  *database.AnalysisResult `json:"analysis,omitempty"`
	Decision  *database.Decision       `json:"decision,omitempty"`
	Execution *ExecutionView           `json:"execution,omitempty"`
}
