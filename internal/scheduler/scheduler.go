// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner whose jobs all share one base context.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *slog.Logger
}

func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		ctx:    ctx,
		logger: logger,
	}
}

// Add registers fn under a cron spec (standard 5-field syntax, or @every).
func (s *Scheduler) Add(spec, name string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Debug("scheduled job running", "job", name)
		fn(s.ctx)
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled job registered", "job", name, "spec", spec)
	return nil
}

// Start launches the cron loop and stops it when the base context ends.
func (s *Scheduler) Start() {
	s.cron.Start()
	go func() {
		<-s.ctx.Done()
		<-s.cron.Stop().Done()
	}()
}
