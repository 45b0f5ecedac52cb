// Package maintenance runs periodic background jobs (cache sweeps, storage
// garbage collection) on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/knowledge-retrieval/internal/cache"
)

// Job is one periodic task. Run receives a context that is cancelled on Stop
// and bounded by Timeout when it is positive.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:   jobs,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers every job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	for _, job := range s.jobs {
		if job.Run == nil {
			return fmt.Errorf("maintenance job %q has no run func", job.Name)
		}
		if _, err := s.cron.AddFunc(everySpec(job.Interval), func() { s.run(s.ctx, job) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("maintenance_started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("maintenance_stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop maintenance: %w", ctx.Err())
	}
}

// RunOnce executes every job synchronously in registration order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	started := time.Now()
	err := job.Run(ctx)
	if err != nil {
		s.logger.Warn("maintenance_job_failed", "job", job.Name, "error", err)
		return err
	}
	s.logger.Debug("maintenance_job_done", "job", job.Name, "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// everySpec builds an "@every" schedule; cron cannot fire more than once a second.
func everySpec(interval time.Duration) string {
	if interval < time.Second {
		interval = time.Second
	}
	return "@every " + interval.String()
}

// CacheMaintainer is the cache surface the maintenance job drives.
type CacheMaintainer interface {
	RunMaintenance(ctx context.Context) (cache.MaintenanceReport, error)
}

// CacheJob sweeps expired entries, enforces tier capacity and rebalances
// per-type strategies.
func CacheJob(c CacheMaintainer, interval time.Duration, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     "cache_maintenance",
		Interval: interval,
		Timeout:  interval,
		Run: func(ctx context.Context) error {
			report, err := c.RunMaintenance(ctx)
			if report.L1Expired+report.L3Expired+report.L1Evicted+report.L3Evicted > 0 {
				logger.Info("cache_maintenance",
					"l1_expired", report.L1Expired,
					"l3_expired", report.L3Expired,
					"l1_evicted", report.L1Evicted,
					"l3_evicted", report.L3Evicted,
					"l3_size", report.L3Size,
				)
			}
			return err
		},
	}
}

// GarbageCollector reclaims space in a persistent store.
type GarbageCollector interface {
	CollectGarbage(discardRatio float64) error
}

func GarbageCollectionJob(gc GarbageCollector, interval time.Duration) Job {
	return Job{
		Name:     "l3_garbage_collection",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return gc.CollectGarbage(0.5)
		},
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron_"+msg, append([]any{"error", err}, keysAndValues...)...)
}
