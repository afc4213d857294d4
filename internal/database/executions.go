package database

import (
	"errors"

	"gorm.io/gorm"
)

func orderedStages(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

// CreateExecution stores an execution together with its stages
func CreateExecution(db *gorm.DB, exec *PipelineExecution) error {
	return db.Create(exec).Error
}

// SaveExecution persists the execution row and every stage row in one transaction
func SaveExecution(db *gorm.DB, exec *PipelineExecution) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Stages").Save(exec).Error; err != nil {
			return err
		}
		for i := range exec.Stages {
			exec.Stages[i].ExecutionID = exec.ID
			if err := tx.Save(&exec.Stages[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetExecutionByID returns an execution with its stages in order
func GetExecutionByID(db *gorm.DB, id uint) (*PipelineExecution, error) {
	var exec PipelineExecution
	if err := db.Preload("Stages", orderedStages).First(&exec, id).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecutionByUUID returns an execution with its stages in order
func GetExecutionByUUID(db *gorm.DB, uuid string) (*PipelineExecution, error) {
	var exec PipelineExecution
	if err := db.Preload("Stages", orderedStages).Where("uuid = ?", uuid).First(&exec).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// LatestExecutionForIssue returns the newest execution for an issue, or nil
func LatestExecutionForIssue(db *gorm.DB, issueID uint) (*PipelineExecution, error) {
	var exec PipelineExecution
	err := db.Preload("Stages", orderedStages).Where("issue_id = ?", issueID).Order("id DESC").First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ActiveExecutionForIssue returns the pending or running execution of an issue, or nil
func ActiveExecutionForIssue(db *gorm.DB, issueID uint) (*PipelineExecution, error) {
	var exec PipelineExecution
	err := db.Preload("Stages", orderedStages).
		Where("issue_id = ? AND status IN ?", issueID, []ExecutionStatus{ExecutionPending, ExecutionRunning}).
		Order("id DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// PendingScheduledExecutions returns scheduled executions that have not started, oldest first
func PendingScheduledExecutions(db *gorm.DB, limit int) ([]PipelineExecution, error) {
	var execs []PipelineExecution
	err := db.Preload("Stages", orderedStages).
		Where("scheduled = ? AND status = ?", true, ExecutionPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// UnfinishedExecutions returns non-scheduled executions that are pending or running,
// used to resume work after a restart.
func UnfinishedExecutions(db *gorm.DB) ([]PipelineExecution, error) {
	var execs []PipelineExecution
	err := db.Preload("Stages", orderedStages).
		Where("status = ? OR (status = ? AND scheduled = ?)", ExecutionRunning, ExecutionPending, false).
		Order("created_at ASC").
		Find(&execs).Error
	return execs, err
}

// CountExecutionsByStatus returns the number of executions per status
func CountExecutionsByStatus(db *gorm.DB) (map[ExecutionStatus]int64, error) {
	var rows []struct {
		Status ExecutionStatus
		Count  int64
	}
	if err := db.Model(&PipelineExecution{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[ExecutionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
