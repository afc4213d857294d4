package observability

import "go.uber.org/zap"

// Audit field keys shared by every component that touches an issue
const (
	FieldIssueID     = "issue_id"
	FieldDecisionID  = "decision_id"
	FieldExecutionID = "execution_id"
	FieldStage       = "stage"
	FieldTool        = "tool"
	FieldSource      = "source"
)

func IssueID(id string) zap.Field     { return zap.String(FieldIssueID, id) }
func DecisionID(id string) zap.Field  { return zap.String(FieldDecisionID, id) }
func ExecutionID(id string) zap.Field { return zap.String(FieldExecutionID, id) }
func Stage(name string) zap.Field     { return zap.String(FieldStage, name) }
func Tool(name string) zap.Field      { return zap.String(FieldTool, name) }
func Source(name string) zap.Field    { return zap.String(FieldSource, name) }
