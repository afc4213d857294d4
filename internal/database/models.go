package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList is a set of strings stored as a JSON array.
// Values are kept sorted and de-duplicated so equal sets compare equal.
type StringList []string

// NewStringList builds a normalized list from arbitrary values
func NewStringList(values ...string) StringList {
	return StringList(nil).Union(values...)
}

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether v is in the list
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// Union returns a new normalized list containing the items of s and values
func (s StringList) Union(values ...string) StringList {
	seen := make(map[string]struct{}, len(s)+len(values))
	out := make(StringList, 0, len(s)+len(values))
	for _, v := range append(append([]string{}, s...), values...) {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Intersects reports whether any item of s is in other
func (s StringList) Intersects(other []string) bool {
	for _, v := range other {
		if s.Contains(v) {
			return true
		}
	}
	return false
}

// Severity is the normalized severity of an issue
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid returns true for the four known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IssueStatus represents the lifecycle status of an issue
type IssueStatus string

const (
	IssueStatusDetected  IssueStatus = "detected"
	IssueStatusAnalyzing IssueStatus = "analyzing"
	IssueStatusResolved  IssueStatus = "resolved"
	IssueStatusEscalated IssueStatus = "escalated"
)

// OpenIssueStatuses are the statuses an issue can still absorb new signals in
var OpenIssueStatuses = []IssueStatus{IssueStatusDetected, IssueStatusAnalyzing}

// IsTerminal returns true once an issue is resolved or escalated
func (s IssueStatus) IsTerminal() bool {
	return s == IssueStatusResolved || s == IssueStatusEscalated
}

// CanTransitionTo enforces forward-only issue transitions
func (s IssueStatus) CanTransitionTo(next IssueStatus) bool {
	switch s {
	case IssueStatusDetected:
		return next == IssueStatusAnalyzing || next == IssueStatusResolved || next == IssueStatusEscalated
	case IssueStatusAnalyzing:
		return next == IssueStatusResolved || next == IssueStatusEscalated
	}
	return false
}

// Issue is a normalized record of a detected production problem
type Issue struct {
	ID               uint        `gorm:"primaryKey" json:"id"`
	UUID             string      `gorm:"uniqueIndex;not null" json:"uuid"`
	Title            string      `gorm:"type:varchar(255);not null" json:"title"`
	Description      string      `gorm:"type:text" json:"description"`
	Severity         Severity    `gorm:"type:varchar(20);not null" json:"severity"`
	Sources          StringList  `gorm:"type:text" json:"sources"`
	AffectedServices StringList  `gorm:"type:text" json:"affected_services"`
	Pattern          string      `gorm:"type:varchar(255);index" json:"pattern"`
	ErrorSignature   string      `gorm:"type:text" json:"error_signature"`
	DedupKey         string      `gorm:"type:varchar(64);index" json:"dedup_key"`
	SignalCount      int         `json:"signal_count"`
	Status           IssueStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	StatusReason     string      `gorm:"type:text" json:"status_reason,omitempty"`
	AnalysisCycle    int         `json:"analysis_cycle"`
	DetectedAt       time.Time   `gorm:"not null" json:"detected_at"`
	LastSeenAt       time.Time   `gorm:"not null;index" json:"last_seen_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	EscalatedAt      *time.Time  `json:"escalated_at,omitempty"`
	ArchivedAt       *time.Time  `gorm:"index" json:"archived_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// BeforeCreate hook to default lifecycle fields
func (i *Issue) BeforeCreate(tx *gorm.DB) error {
	if i.Status == "" {
		i.Status = IssueStatusDetected
	}
	if i.DetectedAt.IsZero() {
		i.DetectedAt = time.Now()
	}
	if i.LastSeenAt.IsZero() {
		i.LastSeenAt = i.DetectedAt
	}
	return nil
}

// IssueSignal is a raw monitoring event attached to an issue
type IssueSignal struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IssueID     uint      `gorm:"not null;index" json:"issue_id"`
	Source      string    `gorm:"type:varchar(50);not null" json:"source"`
	Fingerprint string    `gorm:"type:varchar(255);index" json:"fingerprint"`
	Title       string    `gorm:"type:varchar(255)" json:"title"`
	Severity    Severity  `gorm:"type:varchar(20)" json:"severity"`
	Payload     JSONB     `gorm:"type:jsonb" json:"payload"`
	ObservedAt  time.Time `gorm:"not null" json:"observed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnalysisResult is the output of one analysis attempt; the latest row wins
type AnalysisResult struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	IssueID           uint      `gorm:"not null;index" json:"issue_id"`
	Cycle             int       `json:"cycle"`
	Confidence        float64   `json:"confidence"`
	Reasoning         string    `gorm:"type:text" json:"reasoning"`
	RecommendedAction string    `gorm:"type:varchar(64)" json:"recommended_action"`
	EstimatedImpact   string    `gorm:"type:text" json:"estimated_impact"`
	Analyzer          string    `gorm:"type:varchar(64)" json:"analyzer"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// DecisionOutcome is the verdict of the decision engine
type DecisionOutcome string

const (
	OutcomeAutoResolve         DecisionOutcome = "auto_resolve"
	OutcomeScheduleMaintenance DecisionOutcome = "schedule_maintenance"
	OutcomeEscalateHuman       DecisionOutcome = "escalate_human"
	OutcomeMonitorOnly         DecisionOutcome = "monitor_only"
)

// StartsPipeline returns true for outcomes that create a pipeline execution
func (o DecisionOutcome) StartsPipeline() bool {
	return o == OutcomeAutoResolve || o == OutcomeScheduleMaintenance
}

// OutcomeState is the eventual result of a decision
type OutcomeState string

const (
	OutcomeStatePending OutcomeState = "pending"
	OutcomeStateSuccess OutcomeState = "success"
	OutcomeStateFailure OutcomeState = "failure"
)

// ImpactLevel is the categorical business impact used by the decision matrix
type ImpactLevel string

const (
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// DecisionFactors are the named sub-scores behind a decision
type DecisionFactors struct {
	Severity            float64     `json:"severity"`
	BusinessImpact      float64     `json:"business_impact"`
	BusinessImpactLevel ImpactLevel `gorm:"type:varchar(10)" json:"business_impact_level"`
	TechnicalComplexity float64     `json:"technical_complexity"`
	HistoricalSuccess   float64     `json:"historical_success"`
}

// Decision is the authoritative verdict for one analysis cycle of an issue
type Decision struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UUID              string          `gorm:"uniqueIndex;not null" json:"uuid"`
	IssueID           uint            `gorm:"not null;index" json:"issue_id"`
	AnalysisID        *uint           `json:"analysis_id,omitempty"`
	Cycle             int             `json:"cycle"`
	Outcome           DecisionOutcome `gorm:"type:varchar(32);not null;index" json:"outcome"`
	MatrixOutcome     DecisionOutcome `gorm:"type:varchar(32)" json:"matrix_outcome"`
	Confidence        float64         `json:"confidence"`
	Factors           DecisionFactors `gorm:"embedded;embeddedPrefix:factor_" json:"factors"`
	Severity          Severity        `gorm:"type:varchar(20)" json:"severity"`
	Pattern           string          `gorm:"type:varchar(255);index" json:"pattern"`
	Reasoning         string          `gorm:"type:text" json:"reasoning"`
	Overrides         StringList      `gorm:"type:text" json:"overrides"`
	Active            bool            `gorm:"index" json:"active"`
	OutcomeState      OutcomeState    `gorm:"type:varchar(20);not null;index" json:"outcome_state"`
	DecidedAt         time.Time       `gorm:"not null;index" json:"decided_at"`
	SupersededAt      *time.Time      `json:"superseded_at,omitempty"`
	OutcomeRecordedAt *time.Time      `json:"outcome_recorded_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// BeforeCreate hook to default the outcome state
func (d *Decision) BeforeCreate(tx *gorm.DB) error {
	if d.OutcomeState == "" {
		d.OutcomeState = OutcomeStatePending
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	return nil
}

// ExecutionStatus is the global status of a pipeline execution
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// IsTerminal returns true for completed, failed and rolled back executions
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionRolledBack
}

// StageStatus is the status of a single pipeline stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Tool identifies the external collaborator that produced a stage result
type Tool string

const (
	ToolAnalysisEngine     Tool = "analysis_engine"
	ToolCodeGenerator      Tool = "code_generator"
	ToolCodeReview         Tool = "code_review"
	ToolDeploymentPlatform Tool = "deployment_platform"
)

// PipelineExecution is the ordered run of remediation stages for one decision
type PipelineExecution struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UUID           string          `gorm:"uniqueIndex;not null" json:"uuid"`
	IssueID        uint            `gorm:"not null;index" json:"issue_id"`
	DecisionID     uint            `gorm:"not null;index" json:"decision_id"`
	Status         ExecutionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Scheduled      bool            `gorm:"index" json:"scheduled"`
	CommitRef      string          `gorm:"type:varchar(255)" json:"commit_ref,omitempty"`
	DeploymentID   string          `gorm:"type:varchar(255)" json:"deployment_id,omitempty"`
	DeploymentURL  string          `gorm:"type:text" json:"deployment_url,omitempty"`
	FailureReason  string          `gorm:"type:text" json:"failure_reason,omitempty"`
	RollbackReason string          `gorm:"type:text" json:"rollback_reason,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Stages []PipelineStage `gorm:"foreignKey:ExecutionID" json:"stages"`
}

// PipelineStage is one step of a pipeline execution
type PipelineStage struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	ExecutionID uint        `gorm:"not null;index" json:"execution_id"`
	Position    int         `gorm:"not null" json:"position"`
	Name        string      `gorm:"type:varchar(64);not null" json:"name"`
	Tool        Tool        `gorm:"type:varchar(64);not null" json:"tool"`
	Production  bool        `json:"production"`
	Status      StageStatus `gorm:"type:varchar(20);not null" json:"status"`
	Attempts    int         `json:"attempts"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
	Confidence  *float64    `json:"confidence,omitempty"`
	Error       string      `gorm:"type:text" json:"error,omitempty"`
	ErrorKind   string      `gorm:"type:varchar(20)" json:"error_kind,omitempty"`
	Output      JSONB       `gorm:"type:jsonb" json:"output,omitempty"`
}

// HistoricalStat is the rolling success rate for an issue pattern
type HistoricalStat struct {
	Pattern     string       `gorm:"primaryKey;type:varchar(255)" json:"pattern"`
	SuccessRate float64      `json:"success_rate"`
	Samples     int          `json:"samples"`
	Successes   int          `json:"successes"`
	Failures    int          `json:"failures"`
	LastOutcome OutcomeState `gorm:"type:varchar(20)" json:"last_outcome"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// OutcomeDelivery records processed outcome webhooks for de-duplication
type OutcomeDelivery struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_outcome_delivery" json:"execution_id"`
	EventType   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_outcome_delivery" json:"event_type"`
	Attempt     int       `gorm:"not null;default:0;uniqueIndex:idx_outcome_delivery" json:"attempt"`
	WorkflowID  string    `gorm:"type:varchar(255)" json:"workflow_id"`
	Payload     JSONB     `gorm:"type:jsonb" json:"payload"`
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`
}

// TableName overrides for explicit table naming
func (Issue) TableName() string {
	return "issues"
}

func (IssueSignal) TableName() string {
	return "issue_signals"
}

func (AnalysisResult) TableName() string {
	return "analysis_results"
}

func (Decision) TableName() string {
	return "decisions"
}

func (PipelineExecution) TableName() string {
	return "pipeline_executions"
}

func (PipelineStage) TableName() string {
	return "pipeline_stages"
}

func (HistoricalStat) TableName() string {
	return "historical_stats"
}

func (OutcomeDelivery) TableName() string {
	return "outcome_deliveries"
}

// AllModels lists every table managed by AutoMigrate
func AllModels() []interface{} {
	return []interface{}{
		&Issue{},
		&IssueSignal{},
		&AnalysisResult{},
		&Decision{},
		&PipelineExecution{},
		&PipelineStage{},
		&HistoricalStat{},
		&OutcomeDelivery{},
	}
}
