package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition is returned when a status change would move backwards
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleState is returned when a conditional update lost a race
	ErrStaleState = errors.New("record changed concurrently")
)

// FindOpenIssueByDedupKey returns the open issue with the given dedup key that was
// last seen at or after since, or nil if there is none.
func FindOpenIssueByDedupKey(db *gorm.DB, dedupKey string, since time.Time) (*Issue, error) {
	var issue Issue
	err := db.Where("dedup_key = ? AND status IN ? AND last_seen_at >= ?",
		dedupKey, OpenIssueStatuses, since).
		Order("last_seen_at DESC").
		First(&issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssueWithSignal creates a new issue together with its first signal
func CreateIssueWithSignal(db *gorm.DB, issue *Issue, signal *IssueSignal) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(issue).Error; err != nil {
			return err
		}
		signal.IssueID = issue.ID
		return tx.Create(signal).Error
	})
}

// AttachSignal merges a signal into an existing issue, persisting the issue's
// merged fields (sources, severity, last seen, signal count) in the same transaction.
func AttachSignal(db *gorm.DB, issue *Issue, signal *IssueSignal) error {
	signal.IssueID = issue.ID
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(signal).Error; err != nil {
			return err
		}
		return tx.Model(&Issue{}).Where("id = ?", issue.ID).Updates(map[string]interface{}{
			"sources":      issue.Sources,
			"severity":     issue.Severity,
			"last_seen_at": issue.LastSeenAt,
			"signal_count": gorm.Expr("signal_count + 1"),
		}).Error
	})
}

// GetIssueByID returns an issue by primary key
func GetIssueByID(db *gorm.DB, id uint) (*Issue, error) {
	var issue Issue
	if err := db.First(&issue, id).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetIssueByUUID returns an issue by UUID
func GetIssueByUUID(db *gorm.DB, uuid string) (*Issue, error) {
	var issue Issue
	if err := db.Where("uuid = ?", uuid).First(&issue).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}

// TransitionIssue moves an issue to the next status. The update is conditional on
// the status the caller observed so concurrent writers cannot skip a transition.
func TransitionIssue(db *gorm.DB, issue *Issue, next IssueStatus, reason string, at time.Time) error {
	if issue.Status == next {
		return nil
	}
	if !issue.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: issue %s %s -> %s", ErrInvalidTransition, issue.UUID, issue.Status, next)
	}

	updates := map[string]interface{}{
		"status":        next,
		"status_reason": reason,
	}
	switch next {
	case IssueStatusResolved:
		updates["resolved_at"] = at
	case IssueStatusEscalated:
		updates["escalated_at"] = at
	}

	res := db.Model(&Issue{}).Where("id = ? AND status = ?", issue.ID, issue.Status).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: issue %s", ErrStaleState, issue.UUID)
	}

	issue.Status = next
	issue.StatusReason = reason
	switch next {
	case IssueStatusResolved:
		issue.ResolvedAt = &at
	case IssueStatusEscalated:
		issue.EscalatedAt = &at
	}
	return nil
}

// IncrementAnalysisCycle bumps and returns the issue's analysis cycle counter
func IncrementAnalysisCycle(db *gorm.DB, issue *Issue) (int, error) {
	next := issue.AnalysisCycle + 1
	if err := db.Model(&Issue{}).Where("id = ?", issue.ID).Update("analysis_cycle", next).Error; err != nil {
		return 0, err
	}
	issue.AnalysisCycle = next
	return next, nil
}

// ListIssues returns issues newest first, optionally filtered by status
func ListIssues(db *gorm.DB, status IssueStatus, offset, limit int) ([]Issue, int64, error) {
	query := db.Model(&Issue{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var issues []Issue
	err := query.Order("detected_at DESC").Offset(offset).Limit(limit).Find(&issues).Error
	return issues, total, err
}

// GetIssueSignals returns all signals attached to an issue, oldest first
func GetIssueSignals(db *gorm.DB, issueID uint) ([]IssueSignal, error) {
	var signals []IssueSignal
	err := db.Where("issue_id = ?", issueID).Order("observed_at ASC").Find(&signals).Error
	return signals, err
}

// CountIssuesByStatus returns the number of issues per status
func CountIssuesByStatus(db *gorm.DB) (map[IssueStatus]int64, error) {
	var rows []struct {
		Status IssueStatus
		Count  int64
	}
	if err := db.Model(&Issue{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[IssueStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ArchiveTerminalIssues stamps archived_at on terminal issues last updated before cutoff
func ArchiveTerminalIssues(db *gorm.DB, cutoff, at time.Time) (int64, error) {
	res := db.Model(&Issue{}).
		Where("status IN ? AND archived_at IS NULL AND updated_at < ?",
			[]IssueStatus{IssueStatusResolved, IssueStatusEscalated}, cutoff).
		Update("archived_at", at)
	return res.RowsAffected, res.Error
}
