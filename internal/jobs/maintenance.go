package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/metrics"
)

// ScheduledStarter starts pending scheduled executions
type ScheduledStarter interface {
	StartScheduled(ctx context.Context, limit int) (int, error)
}

// MaintenanceScheduler starts executions deferred to a maintenance window
// once the change window admits them.
type MaintenanceScheduler struct {
	starter ScheduledStarter
	batch   int
	logger  *zap.Logger
}

// NewMaintenanceScheduler creates a new maintenance scheduler
func NewMaintenanceScheduler(starter ScheduledStarter, batch int, logger *zap.Logger) *MaintenanceScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 10
	}
	return &MaintenanceScheduler{starter: starter, batch: batch, logger: logger.Named("maintenance")}
}

// RunOnce starts up to one batch of scheduled executions
func (m *MaintenanceScheduler) RunOnce(ctx context.Context) (int, error) {
	started, err := m.starter.StartScheduled(ctx, m.batch)
	metrics.ObserveJobRun("maintenance", err)
	if err != nil {
		return started, err
	}
	if started > 0 {
		m.logger.Info("Started scheduled executions", zap.Int("count", started))
	}
	return started, nil
}

// Start runs the scheduler every interval until ctx is cancelled
func (m *MaintenanceScheduler) Start(ctx context.Context, interval time.Duration) {
	every(ctx, interval, func() {
		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.Error("Maintenance scheduler error", zap.Error(err))
		}
	})
	m.logger.Info("Maintenance scheduler stopped")
}

// Archiver stamps archived_at on issues that have been terminal for longer
// than the retention period, hiding them from the default dashboard views.
type Archiver struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewArchiver creates a new archiver
func NewArchiver(db *gorm.DB, retention time.Duration, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{db: db, retention: retention, now: time.Now, logger: logger.Named("archiver")}
}

// RunOnce archives every eligible issue and returns how many were archived
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	now := a.now()
	archived, err := database.ArchiveTerminalIssues(a.db.WithContext(ctx), now.Add(-a.retention), now)
	metrics.ObserveJobRun("archiver", err)
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		a.logger.Info("Archived terminal issues", zap.Int64("count", archived))
	}
	return archived, nil
}

// Start runs the archiver every interval until ctx is cancelled
func (a *Archiver) Start(ctx context.Context, interval time.Duration) {
	every(ctx, interval, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.logger.Error("Archiver error", zap.Error(err))
		}
	})
	a.logger.Info("Archiver stopped")
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
