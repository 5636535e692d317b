package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "constraintbuilder"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration *prom.HistogramVec
	buildDuration prom.Histogram
	stageResults  *prom.CounterVec
	buildOutcome  *prom.CounterVec
	jobDuration   *prom.HistogramVec
	cacheResults  *prom.CounterVec
	retries       *prom.CounterVec
	passes        prom.Counter
	corrupt       prom.Counter
	workers       prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.ExponentialBuckets(1, 2, 14),
		}, []string{"stage"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.ExponentialBuckets(10, 2, 12),
		}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		jobDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled jobs by kind",
			Buckets:   prom.ExponentialBuckets(0.1, 2, 16),
		}, []string{"kind", "result"}),
		cacheResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Artifact existence checks by stage and result",
		}, []string{"stage", "result"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Transient acquisition failures that were retried",
		}, []string{"format"}),
		passes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_passes_total",
			Help:      "Acquisition passes run, including repeats after corrupt downloads",
		}),
		corrupt: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_downloads_total",
			Help:      "Downloaded files that failed validation and were deleted",
		}),
		workers: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Worker pool size of the current run",
		}),
	}
	reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.stageResults, pr.buildOutcome,
		pr.jobDuration, pr.cacheResults, pr.retries, pr.passes, pr.corrupt, pr.workers)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcomeLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveJobDuration(kind string, d time.Duration, success bool) {
	if p == nil || p.jobDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.jobDuration.WithLabelValues(kind, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCacheResult(stage string, hit bool) {
	if p == nil || p.cacheResults == nil {
		return
	}
	res := "miss"
	if hit {
		res = "hit"
	}
	p.cacheResults.WithLabelValues(stage, res).Inc()
}

func (p *PrometheusRecorder) IncDownloadRetry(format string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(format).Inc()
}

func (p *PrometheusRecorder) IncAcquisitionPass() {
	if p == nil || p.passes == nil {
		return
	}
	p.passes.Inc()
}

func (p *PrometheusRecorder) IncCorruptDownload() {
	if p == nil || p.corrupt == nil {
		return
	}
	p.corrupt.Inc()
}

func (p *PrometheusRecorder) SetWorkers(n int) {
	if p == nil || p.workers == nil {
		return
	}
	p.workers.Set(float64(n))
}
