package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/observability"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// Session is a store connection owned by one worker.
type Session interface {
	spatial.Store
	Close() error
}

// Opener hands out a new dedicated session.
type Opener func(ctx context.Context) (Session, error)

// Executor performs a single job on the calling worker's session.
type Executor interface {
	Execute(ctx context.Context, st spatial.Store, job Job) error
}

// Options configures a Scheduler.
type Options struct {
	Workers          int // 0 means runtime.NumCPU()
	ChunksPerWorker  int
	ProgressInterval time.Duration
	Recorder         metrics.Recorder
}

// Scheduler runs stages.
type Scheduler struct {
	workers          int
	chunksPerWorker  int
	progressInterval time.Duration
	open             Opener
	exec             Executor
	recorder         metrics.Recorder
}

// New returns a scheduler; the worker count is fixed for its lifetime.
func New(open Opener, exec Executor, opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	rec.SetWorkers(workers)
	return &Scheduler{
		workers:          workers,
		chunksPerWorker:  max(opts.ChunksPerWorker, 1),
		progressInterval: opts.ProgressInterval,
		open:             open,
		exec:             exec,
		recorder:         rec,
	}
}

// Workers is the pool size.
func (s *Scheduler) Workers() int { return s.workers }

// Stats summarizes one stage.
type Stats struct {
	Jobs     int
	Done     int
	Failed   int
	Duration time.Duration
}

type completion struct {
	job      Job
	worker   int
	err      error
	duration time.Duration
}

// Run executes jobs and returns only after every started job has finished.
// The first failure stops further dispatch and is returned.
func (s *Scheduler) Run(ctx context.Context, stage string, jobs []Job) (Stats, error) {
	start := time.Now()
	stats := Stats{Jobs: len(jobs)}
	if len(jobs) == 0 {
		return stats, nil
	}
	ctx = observability.WithStage(ctx, stage)

	chunks := Plan(jobs, s.workers, s.chunksPerWorker)
	queue := make(chan []Job, len(chunks))
	for _, c := range chunks {
		queue <- c
	}
	close(queue)

	prog, err := startProgress(ctx, stage, len(jobs), s.progressInterval)
	if err != nil {
		return stats, err
	}
	defer prog.stop()

	done := make(chan completion)
	counted := make(chan Stats)
	go func() {
		var st Stats
		remaining := len(jobs)
		for c := range done {
			remaining--
			prog.remaining.Store(int64(remaining))
			if c.err != nil {
				st.Failed++
				continue
			}
			st.Done++
		}
		counted <- st
	}()

	workers := min(s.workers, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for w := 1; w <= workers; w++ {
		g.Go(func() error {
			return s.work(observability.WithWorker(gctx, w), w, queue, done)
		})
	}
	err = g.Wait()
	close(done)
	st := <-counted

	stats.Done, stats.Failed = st.Done, st.Failed
	stats.Duration = time.Since(start)
	s.recorder.ObserveStageDuration(stage, stats.Duration)
	observability.InfoContext(ctx, "Stage finished",
		slog.Int("jobs", stats.Jobs),
		slog.Int("done", stats.Done),
		slog.Int("failed", stats.Failed),
		logfields.DurationMS(float64(stats.Duration.Milliseconds())))
	return stats, err
}

func (s *Scheduler) work(ctx context.Context, worker int, queue <-chan []Job, done chan<- completion) error {
	sess, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("worker %d: %w", worker, err)
	}
	defer func() { _ = sess.Close() }()

	for chunk := range queue {
		for _, job := range chunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.runJob(ctx, worker, sess, job, done); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, worker int, sess Session, job Job, done chan<- completion) error {
	observability.DebugContext(ctx, "Job started",
		logfields.JobID(job.ID()), logfields.JobKind(string(job.Kind())), logfields.Table(job.Output()))
	start := time.Now()
	err := s.exec.Execute(ctx, sess, job)
	d := time.Since(start)
	s.recorder.ObserveJobDuration(string(job.Kind()), d, err == nil)
	done <- completion{job: job, worker: worker, err: err, duration: d}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		observability.ErrorContext(ctx, "Job failed",
			logfields.JobID(job.ID()), logfields.Worker(worker), logfields.Error(err))
		return fmt.Errorf("%s: %w", job.ID(), err)
	}
	observability.DebugContext(ctx, "Job finished",
		logfields.JobID(job.ID()), logfields.DurationMS(float64(d.Milliseconds())))
	return nil
}
