// Package scheduler wires gocron to the job orchestrator for unattended
// full-scope backups. Each schedule maps to one gocron job in singleton
// mode: if the previous backup is still running when the next tick fires,
// the tick is skipped instead of stacking a second backup.
package scheduler

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler wraps the gocron scheduler.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

// New creates a Scheduler. Call Start after registering schedules.
func New(logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{cron: s, logger: logger.Named("scheduler")}, nil
}

// ScheduleBackup registers a cron-expression-driven backup trigger.
// enqueue is called on every tick; its error is logged, not retried —
// the next tick will try again.
func (s *Scheduler) ScheduleBackup(cronExpr string, enqueue func() error) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			if err := enqueue(); err != nil {
				s.logger.Error("scheduled backup enqueue failed", zap.Error(err))
				return
			}
			s.logger.Info("scheduled backup enqueued", zap.String("cron", cronExpr))
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register backup schedule %q: %w", cronExpr, err)
	}
	return nil
}

// Start begins firing registered schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop shuts the scheduler down, waiting for running tasks.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}
