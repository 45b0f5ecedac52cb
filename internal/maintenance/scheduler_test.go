package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMaintainer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeMaintainer) RunMaintenance(context.Context) (cache.MaintenanceReport, error) {
	f.calls.Add(1)
	return cache.MaintenanceReport{L1Expired: 2}, f.err
}

type fakeGC struct {
	ratio float64
}

func (f *fakeGC) CollectGarbage(ratio float64) error {
	f.ratio = ratio
	return nil
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	maintainer := &fakeMaintainer{}
	gc := &fakeGC{}
	s := New(discardLogger(),
		CacheJob(maintainer, time.Minute, discardLogger()),
		GarbageCollectionJob(gc, time.Hour),
	)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if maintainer.calls.Load() != 1 {
		t.Fatalf("expected one maintenance call, got %d", maintainer.calls.Load())
	}
	if gc.ratio != 0.5 {
		t.Fatalf("expected gc ratio 0.5, got %v", gc.ratio)
	}
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	boom := errors.New("boom")
	maintainer := &fakeMaintainer{err: boom}
	s := New(discardLogger(), CacheJob(maintainer, time.Minute, discardLogger()))

	err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined job error, got %v", err)
	}
	if !strings.Contains(err.Error(), "cache_maintenance") {
		t.Fatalf("expected job name in error, got %v", err)
	}
}

func TestJobTimeoutBoundsRun(t *testing.T) {
	s := New(discardLogger(), Job{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err := s.RunOnce(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStartAndStopCancelsJobs(t *testing.T) {
	s := New(discardLogger(), Job{Name: "noop", Interval: time.Hour, Run: func(context.Context) error { return nil }})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.ctx.Err() == nil {
		t.Fatalf("expected job context cancelled after Stop")
	}
}

func TestStartRejectsJobWithoutRun(t *testing.T) {
	s := New(discardLogger(), Job{Name: "broken", Interval: time.Minute})
	if err := s.Start(); err == nil {
		t.Fatalf("expected error for job without run func")
	}
}

func TestEverySpecClampsToOneSecond(t *testing.T) {
	if got := everySpec(100 * time.Millisecond); got != "@every 1s" {
		t.Fatalf("everySpec() = %q", got)
	}
	if got := everySpec(30 * time.Second); got != "@every 30s" {
		t.Fatalf("everySpec() = %q", got)
	}
}
