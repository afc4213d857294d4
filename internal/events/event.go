// Package events fans lifecycle events out to the configured sinks.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event
type Type string

const (
	TypeIssueCreated      Type = "issue.created"
	TypeIssueMerged       Type = "issue.merged"
	TypeDecisionMade      Type = "decision.made"
	TypeStageChanged      Type = "pipeline.stage"
	TypeExecutionFinished Type = "pipeline.finished"
	TypeIssueResolved     Type = "issue.resolved"
	TypeIssueEscalated    Type = "issue.escalated"
)

// Event is the wire form shared by every sink
type Event struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	IssueID     string                 `json:"issue_id,omitempty"`
	DecisionID  string                 `json:"decision_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Stage       string                 `json:"stage,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Severity    string                 `json:"severity,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// New creates an event with a fresh id
func New(t Type, at time.Time) Event {
	return Event{ID: uuid.New().String(), Type: t, Timestamp: at}
}

// Key returns the partitioning key: events of one issue stay ordered
func (e Event) Key() string {
	if e.IssueID != "" {
		return e.IssueID
	}
	return e.ID
}
