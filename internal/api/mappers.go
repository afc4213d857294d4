package api

import "github.com/akmatori/autopilot/internal/database"

// IssueToListItem converts a database Issue to a compact list representation.
func IssueToListItem(i database.Issue) IssueListItem {
	return IssueListItem{
		ID:               i.ID,
		UUID:             i.UUID,
		Title:            i.Title,
		Severity:         i.Severity,
		Status:           i.Status,
		StatusReason:     i.StatusReason,
		Pattern:          i.Pattern,
		AffectedServices: nonNil(i.AffectedServices),
		Sources:          nonNil(i.Sources),
		SignalCount:      i.SignalCount,
		AnalysisCycle:    i.AnalysisCycle,
		DetectedAt:       i.DetectedAt,
		LastSeenAt:       i.LastSeenAt,
		ResolvedAt:       i.ResolvedAt,
		EscalatedAt:      i.EscalatedAt,
	}
}

// IssuesToListItems converts a slice of database Issues to list items.
func IssuesToListItems(issues []database.Issue) []IssueListItem {
	items := make([]IssueListItem, len(issues))
	for i, issue := range issues {
		items[i] = IssueToListItem(issue)
	}
	return items
}

// ExecutionToView converts a pipeline execution to its dashboard shape. The
// current stage is the first stage that has not completed.
func ExecutionToView(e database.PipelineExecution) ExecutionView {
	view := ExecutionView{
		UUID:           e.UUID,
		Status:         e.Status,
		Scheduled:      e.Scheduled,
		CommitRef:      e.CommitRef,
		DeploymentURL:  e.DeploymentURL,
		FailureReason:  e.FailureReason,
		RollbackReason: e.RollbackReason,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
		Stages:         make([]StageView, len(e.Stages)),
	}
	for i, s := range e.Stages {
		view.Stages[i] = StageView{
			Name:       s.Name,
			Tool:       s.Tool,
			Production: s.Production,
			Status:     s.Status,
			Attempts:   s.Attempts,
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
			DurationMs: s.DurationMs,
			Confidence: s.Confidence,
			Error:      s.Error,
			ErrorKind:  s.ErrorKind,
		}
		if view.CurrentStage == "" && s.Status != database.StageCompleted {
			view.CurrentStage = s.Name
		}
	}
	return view
}

func nonNil(list database.StringList) []string {
	if list == nil {
		return []string{}
	}
	return list
}
