package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SaveAnalysis stores an analysis attempt
func SaveAnalysis(db *gorm.DB, analysis *AnalysisResult) error {
	return db.Create(analysis).Error
}

// LatestAnalysis returns the most recent analysis for an issue, or nil
func LatestAnalysis(db *gorm.DB, issueID uint) (*AnalysisResult, error) {
	var analysis AnalysisResult
	err := db.Where("issue_id = ?", issueID).Order("id DESC").First(&analysis).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// RecordDecision supersedes the issue's active decision (if any) and stores the new
// one as active. The previous decision's verdict is left untouched.
func RecordDecision(db *gorm.DB, decision *Decision) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Decision{}).
			Where("issue_id = ? AND active = ?", decision.IssueID, true).
			Updates(map[string]interface{}{
				"active":        false,
				"superseded_at": decision.DecidedAt,
			}).Error; err != nil {
			return err
		}
		decision.Active = true
		return tx.Create(decision).Error
	})
}

// ActiveDecision returns the active decision for an issue, or nil
func ActiveDecision(db *gorm.DB, issueID uint) (*Decision, error) {
	var decision Decision
	err := db.Where("issue_id = ? AND active = ?", issueID, true).First(&decision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

// GetDecisionByID returns a decision by primary key
func GetDecisionByID(db *gorm.DB, id uint) (*Decision, error) {
	var decision Decision
	if err := db.First(&decision, id).Error; err != nil {
		return nil, err
	}
	return &decision, nil
}

// GetDecisionByUUID returns a decision by UUID
func GetDecisionByUUID(db *gorm.DB, uuid string) (*Decision, error) {
	var decision Decision
	if err := db.Where("uuid = ?", uuid).First(&decision).Error; err != nil {
		return nil, err
	}
	return &decision, nil
}

// MarkDecisionOutcome sets the outcome state of a pending decision. It reports
// false when the decision already carries an outcome.
func MarkDecisionOutcome(db *gorm.DB, decisionID uint, state OutcomeState, at time.Time) (bool, error) {
	res := db.Model(&Decision{}).
		Where("id = ? AND outcome_state = ?", decisionID, OutcomeStatePending).
		Updates(map[string]interface{}{
			"outcome_state":       state,
			"outcome_recorded_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AutoResolveTimesSince returns decision times of auto_resolve decisions made at or
// after since, oldest first.
func AutoResolveTimesSince(db *gorm.DB, since time.Time) ([]time.Time, error) {
	var times []time.Time
	err := db.Model(&Decision{}).
		Where("outcome = ? AND decided_at >= ?", OutcomeAutoResolve, since).
		Order("decided_at ASC").
		Pluck("decided_at", &times).Error
	return times, err
}

// DecisionSummary aggregates decisions for the presentation layer
type DecisionSummary struct {
	Total             int64                     `json:"total_decisions"`
	ByOutcome         map[DecisionOutcome]int64 `json:"by_outcome"`
	AverageConfidence float64                   `json:"average_confidence"`
	Successes         int64                     `json:"successes"`
	Failures          int64                     `json:"failures"`
}

// SuccessRate returns successes over recorded outcomes, or 0 when nothing is recorded
func (s *DecisionSummary) SuccessRate() float64 {
	recorded := s.Successes + s.Failures
	if recorded == 0 {
		return 0
	}
	return float64(s.Successes) / float64(recorded)
}

// SummarizeDecisions computes totals, per-outcome counts, average confidence and
// recorded outcomes across all decisions.
func SummarizeDecisions(db *gorm.DB) (*DecisionSummary, error) {
	summary := &DecisionSummary{ByOutcome: make(map[DecisionOutcome]int64)}

	var byOutcome []struct {
		Outcome DecisionOutcome
		Count   int64
	}
	if err := db.Model(&Decision{}).Select("outcome, COUNT(*) AS count").Group("outcome").Scan(&byOutcome).Error; err != nil {
		return nil, err
	}
	for _, r := range byOutcome {
		summary.ByOutcome[r.Outcome] = r.Count
		summary.Total += r.Count
	}

	var avg struct{ Avg *float64 }
	if err := db.Model(&Decision{}).Select("AVG(confidence) AS avg").Scan(&avg).Error; err != nil {
		return nil, err
	}
	if avg.Avg != nil {
		summary.AverageConfidence = *avg.Avg
	}

	if err := db.Model(&Decision{}).Where("outcome_state = ?", OutcomeStateSuccess).Count(&summary.Successes).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Decision{}).Where("outcome_state = ?", OutcomeStateFailure).Count(&summary.Failures).Error; err != nil {
		return nil, err
	}
	return summary, nil
}

// GetHistoricalStat returns the stat for a pattern, or nil when none exists
func GetHistoricalStat(db *gorm.DB, pattern string) (*HistoricalStat, error) {
	var stat HistoricalStat
	err := db.Where("pattern = ?", pattern).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stat, nil
}
