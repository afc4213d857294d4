package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordOutcomeDelivery stores a webhook delivery keyed on execution id, event
// type and stage attempt. It reports false when the same delivery was already
// recorded.
func RecordOutcomeDelivery(db *gorm.DB, delivery *OutcomeDelivery) (bool, error) {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(delivery)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ForgetOutcomeDelivery removes a recorded delivery so the sender may retry it
func ForgetOutcomeDelivery(db *gorm.DB, delivery *OutcomeDelivery) error {
	return db.Where("execution_id = ? AND event_type = ? AND attempt = ?", delivery.ExecutionID, delivery.EventType, delivery.Attempt).
		Delete(&OutcomeDelivery{}).Error
}
