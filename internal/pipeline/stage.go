package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/observability"
)

// StageName identifies one pipeline stage.
type StageName string

const (
	StageCatalog    StageName = "catalog"
	StageConnect    StageName = "connect"
	StageInvalidate StageName = "invalidate"
	StageAcquire    StageName = "acquire"
	StagePrepare    StageName = "prepare"
	StageImport     StageName = "import"
	StageBuffer     StageName = "buffer"
	StageProcess    StageName = "process"
	StageParents    StageName = "amalgamate_parents"
	StageGroups     StageName = "amalgamate_groups"
	StageOverall    StageName = "amalgamate_overall"
	StageExport     StageName = "export"
	StagePublish    StageName = "publish"
	StageFonts      StageName = "fonts"
)

// ErrStopped is returned when a stop was requested between stages.
var ErrStopped = errors.New("build stopped")

// StageErrorKind enumerates structured stage error categories.
type StageErrorKind string

const (
	StageErrorFatal    StageErrorKind = "fatal"    // Build must abort.
	StageErrorWarning  StageErrorKind = "warning"  // Non-fatal; record and continue.
	StageErrorCanceled StageErrorKind = "canceled" // Context cancellation.
	StageErrorStopped  StageErrorKind = "stopped"  // Stop requested before the stage.
)

// StageError is a structured error carrying category and underlying cause.
type StageError struct {
	Kind  StageErrorKind
	Stage StageName
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s stage %s: %v", e.Kind, e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// stageDef pairs a stage with its work. Optional stages fail with a warning.
type stageDef struct {
	Name     StageName
	Fn       func(ctx context.Context) error
	Optional bool
}

// runner executes stages in order, timing each and stopping on the first
// fatal error. The stop request is only consulted between stages.
type runner struct {
	report    *Report
	recorder  metrics.Recorder
	stopped   func() bool
	completed func(ctx context.Context, stage StageName, result metrics.ResultLabel)
}

func (r *runner) run(ctx context.Context, stages []stageDef) error {
	for _, st := range stages {
		select {
		case <-ctx.Done():
			se := &StageError{Kind: StageErrorCanceled, Stage: st.Name, Err: ctx.Err()}
			r.record(ctx, st.Name, metrics.ResultCanceled, se)
			return se
		default:
		}
		if r.stopped != nil && r.stopped() {
			se := &StageError{Kind: StageErrorStopped, Stage: st.Name, Err: ErrStopped}
			r.record(ctx, st.Name, metrics.ResultCanceled, se)
			return se
		}

		sctx := observability.WithStage(ctx, string(st.Name))
		observability.DebugContext(sctx, "Stage started")
		t0 := time.Now()
		err := st.Fn(sctx)
		dur := time.Since(t0)
		r.report.StageDurations[st.Name] = dur
		r.recorder.ObserveStageDuration(string(st.Name), dur)

		se := classify(st, err)
		result := resultFor(se)
		r.record(sctx, st.Name, result, se)
		observability.InfoContext(sctx, "Stage finished",
			logfields.DurationMS(float64(dur.Milliseconds())),
			slog.String("result", string(result)))
		if se != nil && se.Kind != StageErrorWarning {
			return se
		}
	}
	return nil
}

func (r *runner) record(ctx context.Context, stage StageName, result metrics.ResultLabel, se *StageError) {
	r.report.addStage(stage, result)
	if se != nil {
		r.report.StageErrorKinds[stage] = se.Kind
		if se.Kind == StageErrorWarning {
			observability.WarnContext(ctx, "Stage failed, continuing", logfields.Error(se.Err))
		}
	}
	r.recorder.IncStageResult(string(stage), result)
	if r.completed != nil {
		r.completed(ctx, stage, result)
	}
}

func classify(st stageDef, err error) *StageError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return &StageError{Kind: StageErrorCanceled, Stage: st.Name, Err: err}
	case st.Optional:
		return &StageError{Kind: StageErrorWarning, Stage: st.Name, Err: err}
	default:
		return &StageError{Kind: StageErrorFatal, Stage: st.Name, Err: err}
	}
}

func resultFor(se *StageError) metrics.ResultLabel {
	if se == nil {
		return metrics.ResultSuccess
	}
	switch se.Kind {
	case StageErrorWarning:
		return metrics.ResultWarning
	case StageErrorCanceled, StageErrorStopped:
		return metrics.ResultCanceled
	default:
		return metrics.ResultFatal
	}
}
