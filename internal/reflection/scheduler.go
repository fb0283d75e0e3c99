package reflection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner runs one reflection pass.
type Runner interface {
	RunPass(ctx context.Context) (*PassResult, error)
}

// Scheduler runs reflection passes on a fixed interval.
//
// Passes are never queued. A tick that arrives while a pass is still running
// is dropped, and a pass that fails or panics is logged without affecting
// the next one.
//
// Thread Safety: Start and Stop are safe for concurrent use.
type Scheduler struct {
	// runner performs the passes
	runner Runner

	// interval is the time between passes (default: 1 hour)
	interval time.Duration

	// passTimeout bounds a single pass (default: 5 minutes)
	passTimeout time.Duration

	// mu protects running, stopCh and done
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	logger *zap.Logger
}

// NewScheduler creates a scheduler. Non-positive durations use the defaults.
// The scheduler does not start until Start is called.
func NewScheduler(runner Runner, interval, passTimeout time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if passTimeout <= 0 {
		passTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:      runner,
		interval:    interval,
		passTimeout: passTimeout,
		logger:      logger,
	}
}

// Start begins scheduled passes. Passes derive their context from ctx, so
// cancelling ctx also ends the loop. Starting a running scheduler is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("reflection scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("reflection scheduler started", zap.Duration("interval", s.interval))
	go s.run(ctx, s.stopCh, s.done)
	return nil
}

// Stop ends the loop and waits for an in-flight pass to return. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("reflection scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRunPass(ctx)
			// Drop a tick that fired during the pass.
			select {
			case <-ticker.C:
				s.logger.Debug("reflection tick skipped, previous pass overran")
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// safeRunPass runs one pass, recovering from panics.
func (s *Scheduler) safeRunPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reflection pass panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	res, err := s.runner.RunPass(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		s.logger.Debug("reflection tick skipped, pass already running")
	case err != nil:
		s.logger.Error("scheduled reflection pass failed", zap.Error(err))
	default:
		s.logger.Debug("scheduled reflection pass completed",
			zap.Int("insights_created", len(res.Insights)),
		)
	}
}
