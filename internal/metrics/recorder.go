package metrics

import "time"

// ResultLabel enumerates stage and job result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultCached   ResultLabel = "cached"
	ResultWarning  ResultLabel = "warning"
	ResultFatal    ResultLabel = "fatal"
	ResultCanceled ResultLabel = "canceled"
)

// BuildOutcomeLabel is the final status of a run.
type BuildOutcomeLabel string

const (
	BuildOutcomeSuccess BuildOutcomeLabel = "success"
	BuildOutcomeFailed  BuildOutcomeLabel = "failed"
	BuildOutcomeStopped BuildOutcomeLabel = "stopped"
)

// Recorder defines observability hooks for build, stage and job metrics.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncBuildOutcome(outcome BuildOutcomeLabel)
	ObserveJobDuration(kind string, d time.Duration, success bool)
	IncCacheResult(stage string, hit bool)
	IncDownloadRetry(format string)
	IncAcquisitionPass()
	IncCorruptDownload()
	SetWorkers(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)     {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)             {}
func (NoopRecorder) IncStageResult(string, ResultLabel)             {}
func (NoopRecorder) IncBuildOutcome(BuildOutcomeLabel)              {}
func (NoopRecorder) ObserveJobDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncCacheResult(string, bool)                    {}
func (NoopRecorder) IncDownloadRetry(string)                        {}
func (NoopRecorder) IncAcquisitionPass()                            {}
func (NoopRecorder) IncCorruptDownload()                            {}
func (NoopRecorder) SetWorkers(int)                                 {}
