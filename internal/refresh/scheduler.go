package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/metrics"
	"carbon-scribe/ledger-reconciler/internal/mirror"
)

// Trigger reasons.
const (
	ReasonInterval = "interval"
	ReasonVisible  = "visible"
	ReasonManual   = "manual"
	ReasonStartup  = "startup"
)

// Outcome says what a trigger did.
type Outcome string

const (
	OutcomeRan       Outcome = "ran"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeThrottled Outcome = "throttled"
)

// Reconciler is the reconciliation path every trigger funnels into.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (mirror.Snapshot, error)
}

// Config controls the schedule.
type Config struct {
	Interval    time.Duration `json:"interval"`
	MinInterval time.Duration `json:"min_interval"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:    12 * time.Second,
		MinInterval: 2 * time.Second,
	}
}

// Scheduler runs reconciliation on an interval and on visibility regain.
// All triggers share one entry point; a trigger that arrives while a run is
// in flight, or sooner than MinInterval after the last run started, is
// coalesced into it.
type Scheduler struct {
	target  Reconciler
	config  Config
	logger  *zap.Logger
	metrics *metrics.ReconcilerMetrics
	now     func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	running  bool
	inFlight bool
	lastRun  time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for target.
func NewScheduler(target Reconciler, config Config, logger *zap.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Scheduler{
		target:  target,
		config:  config,
		logger:  logger,
		metrics: metrics.Reconciler(),
		now:     time.Now,
	}
}

// Start schedules the interval trigger and runs one reconciliation right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("refresh scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.config.Interval)
	if _, err := c.AddFunc(spec, func() { s.fire(runCtx, ReasonInterval) }); err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	s.cron = c
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Starting refresh scheduler",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("min_interval", s.config.MinInterval))
	c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(runCtx, ReasonStartup)
	}()
	return nil
}

// Stop stops the schedule and waits for a running reconciliation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, c := s.cancel, s.cron
	s.mu.Unlock()

	s.logger.Info("Stopping refresh scheduler")
	cancel()
	done := c.Stop()
	<-done.Done()
	s.wg.Wait()
}

// Visible is called when the presentation layer regains the foreground.
func (s *Scheduler) Visible(ctx context.Context) (Outcome, error) {
	return s.Trigger(ctx, ReasonVisible)
}

// Trigger reconciles unless a run is in flight or the last one started less
// than MinInterval ago.
func (s *Scheduler) Trigger(ctx context.Context, reason string) (Outcome, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.metrics.ObserveCoalesced("in_flight")
		s.logger.Debug("Refresh coalesced", zap.String("reason", reason))
		return OutcomeCoalesced, nil
	}
	started := s.now()
	if !s.lastRun.IsZero() && started.Sub(s.lastRun) < s.config.MinInterval {
		s.mu.Unlock()
		s.metrics.ObserveCoalesced("min_interval")
		s.logger.Debug("Refresh throttled", zap.String("reason", reason))
		return OutcomeThrottled, nil
	}
	s.inFlight = true
	s.lastRun = started
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	_, err := s.target.ReconcileAll(ctx)
	return OutcomeRan, err
}

// fire runs a scheduled trigger. Failures are logged and the schedule continues.
func (s *Scheduler) fire(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	outcome, err := s.Trigger(ctx, reason)
	if err != nil {
		s.logger.Warn("Scheduled refresh failed",
			zap.String("reason", reason),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
}
