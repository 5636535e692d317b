package pipeline

import (
	"errors"
	"time"

	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/params"
)

// JobCounts tallies a job stage: jobs executed against jobs skipped because
// their output already existed.
type JobCounts struct {
	Run    int
	Cached int
}

// Report summarizes one build run.
type Report struct {
	RunID      string
	Parameters string
	Prefix     string
	Bucket     string
	Start      time.Time
	End        time.Time

	Datasets    int
	Downloaded  int
	Reused      int // download files already on disk
	Passes      int // acquisition passes until no corrupt file remained
	Invalidated int // tables dropped by purge or regenerate
	Exported    int // artifacts materialized to files

	Stages          []StageName
	StageDurations  map[StageName]time.Duration
	StageResults    map[StageName]metrics.ResultLabel
	StageErrorKinds map[StageName]StageErrorKind
	Jobs            map[StageName]JobCounts

	Outcome metrics.BuildOutcomeLabel
	Error   string
}

func newReport(runID string, p params.BuildParameters) *Report {
	return &Report{
		RunID:           runID,
		Parameters:      p.String(),
		Prefix:          p.Prefix(),
		Bucket:          p.Bucket(),
		Start:           time.Now(),
		StageDurations:  map[StageName]time.Duration{},
		StageResults:    map[StageName]metrics.ResultLabel{},
		StageErrorKinds: map[StageName]StageErrorKind{},
		Jobs:            map[StageName]JobCounts{},
	}
}

func (r *Report) addStage(stage StageName, result metrics.ResultLabel) {
	if _, ok := r.StageResults[stage]; !ok {
		r.Stages = append(r.Stages, stage)
	}
	r.StageResults[stage] = result
}

func (r *Report) finish(err error) {
	r.End = time.Now()
	switch {
	case err == nil:
		r.Outcome = metrics.BuildOutcomeSuccess
	case errors.Is(err, ErrStopped):
		r.Outcome = metrics.BuildOutcomeStopped
		r.Error = err.Error()
	default:
		r.Outcome = metrics.BuildOutcomeFailed
		r.Error = err.Error()
	}
}

// Duration is the wall time of the run so far.
func (r *Report) Duration() time.Duration {
	if r.End.IsZero() {
		return time.Since(r.Start)
	}
	return r.End.Sub(r.Start)
}

// Counts flattens the report for event payloads.
func (r *Report) Counts() map[string]int {
	out := map[string]int{
		"datasets":    r.Datasets,
		"downloaded":  r.Downloaded,
		"reused":      r.Reused,
		"invalidated": r.Invalidated,
		"exported":    r.Exported,
	}
	for stage, c := range r.Jobs {
		out[string(stage)+"_run"] = c.Run
		out[string(stage)+"_cached"] = c.Cached
	}
	return out
}
