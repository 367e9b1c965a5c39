// Package schedule runs the reconciler's periodic jobs: reconciliation runs,
// event-index cleanup, and bloom filter rotation. Every job is an interval
// tick; a failed tick is logged and counted, never fatal to the loop.
package schedule

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/pkg/config"
	"github.com/cloudparity/parity/pkg/metrics"
	"github.com/cloudparity/parity/pkg/resilience"
)

const defaultJobTimeout = 2 * time.Minute

// Runner triggers one reconciliation pass. Satisfied by *recon.Engine.
type Runner interface {
	Run(ctx context.Context, win recon.Window, expected ...string) (*recon.Summary, error)
}

// Cleaner removes expired entries from the event index.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type Scheduler struct {
	runner   Runner
	cleaner  Cleaner
	filter   *bloom.TimeWindowedFilter
	cfg      config.SchedulerConfig
	rotation time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithJobTimeout bounds how long a single job tick may run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// New creates a Scheduler. cleaner and filter may be nil, which disables the
// corresponding job. rotation is the span one bloom sub-filter covers.
func New(runner Runner, cleaner Cleaner, filter *bloom.TimeWindowedFilter, cfg config.SchedulerConfig, rotation time.Duration, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if rotation <= 0 {
		rotation = time.Hour
	}
	s := &Scheduler{
		runner:   runner,
		cleaner:  cleaner,
		filter:   filter,
		cfg:      cfg,
		rotation: rotation,
		timeout:  defaultJobTimeout,
		logger:   slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches one goroutine per job. It returns immediately; Stop waits
// for the loops to drain.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.every(ctx, "reconciliation", s.cfg.Interval, s.runReconciliation)
	if s.cleaner != nil {
		s.every(ctx, "index_cleanup", s.cfg.CleanupInterval, s.runCleanup)
	}
	if s.filter != nil {
		s.every(ctx, "bloom_rotation", s.rotation, s.rotateBloom)
	}

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"cleanup_interval", s.cfg.CleanupInterval,
		"bloom_rotation", s.rotation,
	)
}

// Stop cancels the job loops and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// every runs fn once after a jittered delay and then at the given cadence
// until ctx is cancelled. The jitter keeps multiple instances from firing in
// lockstep against shared backends.
func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var jitter time.Duration
		if span := interval / 10; span > 0 {
			jitter = time.Duration(rand.Int63n(int64(span)))
		}
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.runJob(ctx, name, fn)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	if ctx.Err() != nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			"job", name,
			"error", err,
			"elapsed", time.Since(start),
		)
	} else {
		s.logger.Debug("scheduled job completed",
			"job", name,
			"elapsed", time.Since(start),
		)
	}
	if s.metrics != nil {
		s.metrics.SchedulerJobsTotal.WithLabelValues(name, status).Inc()
	}
}

func (s *Scheduler) runReconciliation(ctx context.Context) error {
	retryCfg := resilience.RetryConfig{MaxAttempts: s.cfg.MaxRetries}
	return resilience.Retry(ctx, "reconciliation-run", retryCfg, func() error {
		return resilience.WithTimeout(ctx, s.timeout, "reconciliation-run", func(runCtx context.Context) error {
			_, err := s.runner.Run(runCtx, recon.Window{})
			return err
		})
	})
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	return resilience.WithTimeout(ctx, s.timeout, "index-cleanup", func(runCtx context.Context) error {
		removed, err := s.cleaner.CleanupExpired(runCtx)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.Info("expired index entries removed", "count", removed)
		}
		return nil
	})
}

func (s *Scheduler) rotateBloom(context.Context) error {
	s.filter.Rotate()
	if s.metrics != nil {
		s.metrics.BloomRotationsTotal.Inc()
	}
	s.logger.Debug("bloom filter rotated")
	return nil
}
