package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

// Sweeper marks sessions abandoned once they have been idle longer than
// the inactivity window.
type Sweeper struct {
	dispatcher *Dispatcher
	sessions   SessionRepository
	window     time.Duration
	batchSize  int
	logger     *logger.Logger
	cron       *cron.Cron
}

// NewSweeper creates a sweeper. It does nothing until Start is called.
func NewSweeper(d *Dispatcher, sessions SessionRepository, window time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		dispatcher: d,
		sessions:   sessions,
		window:     window,
		batchSize:  200,
		logger:     log,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start runs Sweep on the given cron schedule (for example "@every 1m").
func (s *Sweeper) Start(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
			s.logger.Error("inactivity sweep failed", zap.Error(err))
		}
	}))
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep abandons every session idle since before now minus the window and
// returns how many were abandoned.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.window)
	abandoned := 0
	for {
		idle, err := s.sessions.ListIdle(ctx, cutoff, s.batchSize)
		if err != nil {
			return abandoned, fmt.Errorf("list idle sessions: %w", err)
		}
		progressed := 0
		for _, sess := range idle {
			reason := fmt.Sprintf("no activity since %s", sess.LastActivityAt.Format(time.RFC3339))
			stillIdle := func(cur *model.LeadSession) bool { return cur.LastActivityAt.Before(cutoff) }

			resolved, err := s.dispatcher.resolve(ctx, sess.Key(), model.StatusAbandoned, reason, stillIdle)
			switch {
			case err == nil && resolved.Status == model.StatusAbandoned:
				abandoned++
				progressed++
			case err == nil, errors.Is(err, model.ErrSessionTerminated), errors.Is(err, model.ErrNotFound):
			case ctx.Err() != nil:
				return abandoned, ctx.Err()
			default:
				s.logger.Warn("failed to abandon idle session",
					zap.String("session", sess.Key().String()), zap.Error(err))
			}
		}
		if len(idle) < s.batchSize || progressed == 0 {
			break
		}
	}
	if abandoned > 0 {
		s.logger.Info("abandoned idle sessions", zap.Int("count", abandoned), zap.Duration("window", s.window))
	}
	return abandoned, nil
}
