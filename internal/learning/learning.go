// Package learning feeds remediation outcomes back into per-pattern success rates.
package learning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/observability"
	"github.com/akmatori/autopilot/internal/utils"
)

// Loop records decision outcomes. Each decision is counted at most once.
type Loop struct {
	db     *gorm.DB
	policy config.LearningPolicy
	locks  *utils.KeyedMutex
	logger *zap.Logger
	now    func() time.Time
}

// New creates a learning loop
func New(db *gorm.DB, policy config.LearningPolicy, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		db:     db,
		policy: policy,
		locks:  utils.NewKeyedMutex(),
		logger: logger.Named("learning"),
		now:    time.Now,
	}
}

// EWMA applies one observation to a rate: alpha*x + (1-alpha)*rate
func EWMA(rate float64, success bool, alpha float64) float64 {
	x := 0.0
	if success {
		x = 1
	}
	return alpha*x + (1-alpha)*rate
}

// RecordOutcome stores the outcome of a decision and updates the success rate
// of its pattern. It reports false, without error, when the decision already
// has an outcome.
func (l *Loop) RecordOutcome(ctx context.Context, decisionID uint, state database.OutcomeState, metrics map[string]interface{}) (bool, error) {
	if state != database.OutcomeStateSuccess && state != database.OutcomeStateFailure {
		return false, fmt.Errorf("outcome must be success or failure, got %q", state)
	}

	decision, err := database.GetDecisionByID(l.db.WithContext(ctx), decisionID)
	if err != nil {
		return false, fmt.Errorf("load decision %d: %w", decisionID, err)
	}
	log := l.logger.With(
		observability.DecisionID(decision.UUID),
		zap.String("pattern", decision.Pattern),
		zap.String("outcome", string(state)),
	)

	unlock := l.locks.Lock(decision.Pattern)
	defer unlock()

	var stat *database.HistoricalStat
	recorded := false
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := database.MarkDecisionOutcome(tx, decision.ID, state, l.now())
		if err != nil || !ok {
			return err
		}
		recorded = true
		if decision.Pattern == "" {
			return nil
		}

		stat, err = database.GetHistoricalStat(tx, decision.Pattern)
		if err != nil {
			return err
		}
		if stat == nil {
			stat = &database.HistoricalStat{Pattern: decision.Pattern, SuccessRate: l.policy.Prior}
		}
		success := state == database.OutcomeStateSuccess
		stat.SuccessRate = EWMA(stat.SuccessRate, success, l.policy.Alpha)
		stat.Samples++
		if success {
			stat.Successes++
		} else {
			stat.Failures++
		}
		stat.LastOutcome = state
		return tx.Save(stat).Error
	})
	if err != nil {
		return false, fmt.Errorf("record outcome for decision %s: %w", decision.UUID, err)
	}

	if !recorded {
		log.Info("Outcome already recorded, ignoring")
		return false, nil
	}
	if stat != nil {
		log.Info("Outcome recorded",
			zap.Float64("success_rate", stat.SuccessRate),
			zap.Int("samples", stat.Samples),
			zap.Any("metrics", metrics))
	}
	return true, nil
}

// SuccessRate returns the current rate for a pattern, or the prior without history
func (l *Loop) SuccessRate(pattern string) (float64, error) {
	stat, err := database.GetHistoricalStat(l.db, pattern)
	if err != nil {
		return 0, err
	}
	if stat == nil || stat.Samples == 0 {
		return l.policy.Prior, nil
	}
	return stat.SuccessRate, nil
}
