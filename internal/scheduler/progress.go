package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/openwind/constraintbuilder/internal/observability"
)

// progress logs the remaining job count of a running stage on an interval.
// The count itself is owned by the scheduler's counter goroutine; progress
// only reads the published snapshot.
type progress struct {
	scheduler gocron.Scheduler
	remaining atomic.Int64
	total     int
}

func startProgress(ctx context.Context, stage string, total int, interval time.Duration) (*progress, error) {
	p := &progress{total: total}
	p.remaining.Store(int64(total))
	if interval <= 0 {
		return p, nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create progress scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(p.report, ctx),
		gocron.WithName(stage+"-progress"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create progress job: %w", err)
	}
	p.scheduler = s
	s.Start()
	return p, nil
}

func (p *progress) report(ctx context.Context) {
	left := p.remaining.Load()
	observability.InfoContext(ctx, "Stage progress",
		slog.Int64("remaining", left),
		slog.Int64("done", int64(p.total)-left),
		slog.Int("total", p.total))
}

func (p *progress) stop() {
	if p.scheduler == nil {
		return
	}
	if err := p.scheduler.Shutdown(); err != nil {
		slog.Warn("Stopping progress scheduler failed", slog.String("error", err.Error()))
	}
}
