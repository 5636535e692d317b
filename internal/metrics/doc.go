// Package metrics provides the observability hooks for constraint builds.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites:
//
//	type Scheduler struct {
//	    recorder metrics.Recorder
//	}
//
// PrometheusRecorder registers its collectors on a caller-supplied registry;
// HTTPHandler exposes that registry when the CLI is started with
// --metrics-addr.
package metrics
