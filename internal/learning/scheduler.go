package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultDecaySchedule runs the decay sweep once a day at midnight UTC.
const DefaultDecaySchedule = "@daily"

// Sweeper applies time-based decay. *Engine implements it.
type Sweeper interface {
	OnTimeElapsed(ctx context.Context) (DecayReport, error)
}

// DecayScheduler runs the decay sweep on a cron schedule in the background.
// Missed runs are harmless: a sweep charges every whole day elapsed since
// a rule's last decay.
type DecayScheduler struct {
	sweeper Sweeper
	spec    string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
}

// SchedulerOption configures a DecayScheduler.
type SchedulerOption func(*DecayScheduler)

// WithSchedule sets the cron expression. Defaults to DefaultDecaySchedule.
func WithSchedule(spec string) SchedulerOption {
	return func(s *DecayScheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// WithSweepTimeout bounds a single sweep. Defaults to 10 minutes.
func WithSweepTimeout(d time.Duration) SchedulerOption {
	return func(s *DecayScheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewDecayScheduler creates a scheduler. It does not start until Start is
// called.
func NewDecayScheduler(sweeper Sweeper, logger *zap.Logger, opts ...SchedulerOption) (*DecayScheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DecayScheduler{
		sweeper: sweeper,
		spec:    DefaultDecaySchedule,
		timeout: 10 * time.Minute,
		logger:  logger.Named("decay"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := cron.ParseStandard(s.spec); err != nil {
		return nil, fmt.Errorf("invalid decay schedule %q: %w", s.spec, err)
	}
	return s, nil
}

// Start schedules the sweep. Calling Start on a running scheduler is an
// error.
func (s *DecayScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("decay scheduler is already running")
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.spec, s.safeSweep); err != nil {
		return fmt.Errorf("schedule decay sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	s.logger.Info("decay scheduler started", zap.String("schedule", s.spec))
	return nil
}

// Stop unschedules the sweep and waits for a sweep in progress to finish
// or ctx to end. Stopping a stopped scheduler is a no-op.
func (s *DecayScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.cron.Stop()
	s.mu.Unlock()

	s.logger.Info("stopping decay scheduler")
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduler is started.
func (s *DecayScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// safeSweep runs one sweep; a panicking sweep is logged and the schedule
// continues.
func (s *DecayScheduler) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("decay sweep panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.sweeper.OnTimeElapsed(ctx)
	if err != nil {
		s.logger.Error("decay sweep failed", zap.Error(err))
		return
	}
	s.logger.Debug("scheduled decay sweep done",
		zap.Int("decayed", report.Decayed),
		zap.Int("cooled_down", report.CooledDown),
	)
}
