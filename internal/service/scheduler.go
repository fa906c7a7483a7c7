package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers the periodic expiry sweep and retention purge.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// NewScheduler registers the expiry sweep (queued as an ExpireCommand so it
// runs on the worker pool) and the retention purge.
func NewScheduler(c *Coordinator, expireSpec, purgeSpec string, log *zap.Logger) (*Scheduler, error) {
	cr := cron.New(
		cron.WithLocation(c.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := cr.AddFunc(expireSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.queue.Publish(ctx, domain.ExpireCommand{}); err != nil {
			log.Warn("expire sweep not queued, running inline", zap.Error(err))
			if _, err := c.Expire(ctx); err != nil {
				log.Error("expire sweep failed", zap.Error(err))
			}
		}
	}); err != nil {
		return nil, err
	}

	if _, err := cr.AddFunc(purgeSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := c.PurgeTerminal(ctx); err != nil {
			log.Error("retention purge failed", zap.Error(err))
		}
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: cr, log: log}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}
