// Package schedule runs the intake and contact sweeps on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/monitor"
	"github.com/linnemanlabs/guardian/internal/postgres"
)

// Sweeper is the subset of monitor.Service the scheduler drives.
type Sweeper interface {
	RunIntakeSweep(ctx context.Context, batchLimit int) (monitor.IntakeStats, error)
	RunContactAlertSweep(ctx context.Context, threshold float64) (monitor.ContactSweepStats, error)
}

// Config holds the cron specs. An empty spec disables that sweep.
type Config struct {
	IntakeSpec  string
	ContactSpec string
	BatchLimit  int
}

// Scheduler owns the cron runner and the context handed to every sweep.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	cfg     Config
	logger  log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the configured sweeps. Overlapping runs of the same sweep are skipped.
func New(sweeper Sweeper, cfg Config, logger log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sweeper: sweeper,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	cl := cronLogger{l: logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.IntakeSpec != "" {
		if _, err := s.cron.AddFunc(cfg.IntakeSpec, s.runIntake); err != nil {
			cancel()
			return nil, fmt.Errorf("intake schedule %q: %w", cfg.IntakeSpec, err)
		}
	}
	if cfg.ContactSpec != "" {
		if _, err := s.cron.AddFunc(cfg.ContactSpec, s.runContacts); err != nil {
			cancel()
			return nil, fmt.Errorf("contact sweep schedule %q: %w", cfg.ContactSpec, err)
		}
	}
	return s, nil
}

// Jobs reports how many sweeps are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info(s.ctx, "sweep scheduler started",
		"intake_schedule", s.cfg.IntakeSpec,
		"contact_schedule", s.cfg.ContactSpec,
		"jobs", s.Jobs(),
	)
}

// Stop cancels running sweeps and waits for them to return, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info(ctx, "sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweeps: %w", ctx.Err())
	}
}

func (s *Scheduler) runIntake() {
	ctx := postgres.WithOperation(s.ctx, "sweep/intake")
	start := time.Now()
	if _, err := s.sweeper.RunIntakeSweep(ctx, s.cfg.BatchLimit); err != nil && s.ctx.Err() == nil {
		s.logger.Error(ctx, err, "scheduled intake sweep failed", "elapsed", time.Since(start))
	}
}

func (s *Scheduler) runContacts() {
	ctx := postgres.WithOperation(s.ctx, "sweep/contacts")
	start := time.Now()
	if _, err := s.sweeper.RunContactAlertSweep(ctx, 0); err != nil && s.ctx.Err() == nil {
		s.logger.Error(ctx, err, "scheduled contact sweep failed", "elapsed", time.Since(start))
	}
}

// cronLogger adapts log.Logger to cron.Logger. cron's Info is chatty
// (every schedule/wake), so it is dropped.
type cronLogger struct {
	l log.Logger
}

func (c cronLogger) Info(string, ...any) {}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(context.Background(), err, "cron: "+msg, kv...)
}
