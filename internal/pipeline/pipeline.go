// Package pipeline orchestrates a constraint build: parameters, catalog,
// acquisition, the bottom-up job stages, export and publish.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/openwind/constraintbuilder/internal/acquire"
	"github.com/openwind/constraintbuilder/internal/amalgamate"
	"github.com/openwind/constraintbuilder/internal/cache"
	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/config"
	"github.com/openwind/constraintbuilder/internal/events"
	"github.com/openwind/constraintbuilder/internal/graph"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/materialize"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/observability"
	"github.com/openwind/constraintbuilder/internal/ogr"
	"github.com/openwind/constraintbuilder/internal/params"
	"github.com/openwind/constraintbuilder/internal/retry"
	"github.com/openwind/constraintbuilder/internal/scheduler"
	"github.com/openwind/constraintbuilder/internal/snapshot"
	"github.com/openwind/constraintbuilder/internal/spatial"
	"github.com/openwind/constraintbuilder/internal/workspace"
)

// SnapshotFile is the structure snapshot below the build directory.
const SnapshotFile = "structure.sqlite"

// Options is the raw input of one build invocation.
type Options struct {
	TipHeight    string
	BladeRadius  string
	Clip         string
	CustomPath   string
	Regenerate   []string // dataset, parent or group names
	Purge        string   // cache.Level, empty for none
	SkipDownload bool
	SkipFonts    bool
}

// Pipeline runs builds for one configuration.
type Pipeline struct {
	cfg       config.Config
	recorder  metrics.Recorder
	publisher events.Publisher
	conv      ogr.Converter
	fs        afero.Fs
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithPublisher sets the build event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithConverter replaces the ogr2ogr converter.
func WithConverter(c ogr.Converter) Option {
	return func(p *Pipeline) { p.conv = c }
}

// WithFs sets the filesystem exports are written to.
func WithFs(fs afero.Fs) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// New returns a Pipeline for cfg.
func New(cfg config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		recorder:  metrics.NoopRecorder{},
		publisher: events.NoopPublisher{},
		fs:        afero.NewOsFs(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.conv == nil {
		p.conv = ogr.NewBinaryConverter(cfg.Tools.OGR2OGR)
	}
	return p
}

// Resolve validates the parameter input without touching the network or the
// spatial store.
func (p *Pipeline) Resolve(opts Options) (params.BuildParameters, *params.RegionIndex, error) {
	var custom *config.CustomConfig
	if opts.CustomPath != "" {
		var err error
		if custom, err = config.LoadCustom(opts.CustomPath); err != nil {
			return params.BuildParameters{}, nil, err
		}
	}
	regions, err := params.LoadRegions(p.cfg.Paths.Boundaries)
	if err != nil {
		return params.BuildParameters{}, nil, err
	}
	bp, err := params.Resolve(params.Input{
		TipHeight:   opts.TipHeight,
		BladeRadius: opts.BladeRadius,
		Clip:        opts.Clip,
		Custom:      custom,
		Defaults:    p.cfg.Turbine,
	}, regions)
	if err != nil {
		return params.BuildParameters{}, nil, err
	}
	return bp, regions, nil
}

// structure fetches the catalog and applies the parameters to it.
func (p *Pipeline) structure(ctx context.Context, bp params.BuildParameters) (*catalog.Structure, error) {
	client := catalog.NewClient(p.cfg.Catalog, retry.FromConfig(p.cfg.Build))
	cat, err := catalog.Fetch(ctx, client)
	if err != nil {
		return nil, err
	}
	return catalog.Build(cat, bp)
}

// build is the state of one run shared by its stages.
type build struct {
	p       *Pipeline
	opts    Options
	purge   cache.Level
	params  params.BuildParameters
	regions *params.RegionIndex
	report  *Report
	snap    *snapshot.Store

	structure *catalog.Structure
	acquirer  *acquire.Acquirer
	db        *spatial.DB
	cache     *cache.Cache
	sched     *scheduler.Scheduler
	exec      *scheduler.StageExecutor
	exports   []materialize.Exported
	rebuilt   map[graph.NodeID]bool
}

// Run executes one build. The returned report is non-nil once parameters
// resolved, including when the build failed or was stopped.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)

	var level cache.Level
	if opts.Purge != "" {
		var err error
		if level, err = cache.ParseLevel(opts.Purge); err != nil {
			return nil, err
		}
	}
	bp, regions, err := p.Resolve(opts)
	if err != nil {
		return nil, err
	}
	ctx = observability.WithBucket(ctx, bp.Bucket())
	report := newReport(runID, bp)
	observability.InfoContext(ctx, "Build started", slog.String("parameters", bp.String()))

	ws := workspace.NewManager(p.cfg.Paths.BuildDir)
	if err := ws.Create(); err != nil {
		return report, err
	}
	if err := ws.MarkProcessing(runID); err != nil {
		return report, err
	}
	stop, ctx, err := ws.Watch(ctx)
	if err != nil {
		_ = ws.ClearProcessing()
		return report, err
	}
	defer func() { _ = stop.Close() }()

	snap, err := snapshot.Open(filepath.Join(ws.GetPath(), SnapshotFile))
	if err != nil {
		_ = ws.ClearProcessing()
		return report, err
	}
	defer func() { _ = snap.Close() }()
	if err := snap.StartRun(ctx, runID, bp.String(), bp.Prefix(), bp.Bucket()); err != nil {
		_ = ws.ClearProcessing()
		return report, err
	}
	pub := events.Fanout{p.publisher, recordTo(snap)}
	publish(ctx, pub, report, events.TypeBuildStarted, "", nil)

	b := &build{p: p, opts: opts, purge: level, params: bp, regions: regions, report: report, snap: snap,
		rebuilt: map[graph.NodeID]bool{}}
	defer b.close()

	r := &runner{
		report:   report,
		recorder: p.recorder,
		stopped:  stop.Stopped,
		completed: func(ctx context.Context, stage StageName, result metrics.ResultLabel) {
			if result == metrics.ResultSuccess || result == metrics.ResultWarning {
				publish(ctx, pub, report, events.TypeStageCompleted, stage, nil)
			}
		},
	}
	runErr := r.run(ctx, b.stages())
	if runErr != nil && stop.Stopped() && errors.Is(runErr, context.Canceled) {
		runErr = fmt.Errorf("%w: %w", ErrStopped, runErr)
	}
	report.finish(runErr)
	p.recorder.ObserveBuildDuration(report.Duration())
	p.recorder.IncBuildOutcome(report.Outcome)

	// bookkeeping must land even when the run was cancelled
	fctx := context.WithoutCancel(ctx)
	switch report.Outcome {
	case metrics.BuildOutcomeSuccess:
		if err := ws.MarkComplete(runID); err != nil {
			runErr = err
		}
		p.finishRun(fctx, snap, report, snapshot.StatusCompleted, nil)
		publish(fctx, pub, report, events.TypeBuildCompleted, "", nil)
		observability.InfoContext(fctx, "Build completed", logfields.DurationMS(float64(report.Duration().Milliseconds())))
	case metrics.BuildOutcomeStopped:
		_ = ws.ClearProcessing()
		_ = ws.ClearStop()
		p.finishRun(fctx, snap, report, snapshot.StatusStopped, runErr)
		publish(fctx, pub, report, events.TypeBuildStopped, "", runErr)
		observability.WarnContext(fctx, "Build stopped", slog.String("reason", stop.Reason()))
		runErr = fmt.Errorf("%w: %s", ErrStopped, stop.Reason())
	default:
		_ = ws.ClearProcessing()
		p.finishRun(fctx, snap, report, snapshot.StatusFailed, runErr)
		publish(fctx, pub, report, events.TypeBuildFailed, "", runErr)
		observability.ErrorContext(fctx, "Build failed", logfields.Error(runErr))
	}
	return report, runErr
}

func (p *Pipeline) finishRun(ctx context.Context, snap *snapshot.Store, report *Report, status string, runErr error) {
	if err := snap.FinishRun(ctx, report.RunID, status, runErr); err != nil {
		observability.WarnContext(ctx, "Recording run status failed", logfields.Error(err))
	}
}

// publish sends a lifecycle event. Delivery failures never fail the build.
func publish(ctx context.Context, pub events.Publisher, report *Report, typ string, stage StageName, runErr error) {
	e := events.Event{
		Type:      typ,
		RunID:     report.RunID,
		Bucket:    report.Bucket,
		Prefix:    report.Prefix,
		Stage:     string(stage),
		Counts:    report.Counts(),
		Timestamp: time.Now().UTC(),
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	if err := pub.Publish(ctx, e); err != nil {
		observability.WarnContext(ctx, "Publishing build event failed", slog.String("type", typ), logfields.Error(err))
	}
}

// recordTo keeps every event in the run history of the snapshot.
func recordTo(snap *snapshot.Store) events.Publisher {
	return events.PublisherFunc(func(ctx context.Context, e events.Event) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return snap.AppendEvent(ctx, e.RunID, e.Type, payload)
	})
}

func (b *build) close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}

func (b *build) stages() []stageDef {
	stages := []stageDef{
		{Name: StageCatalog, Fn: b.resolveCatalog},
		{Name: StageConnect, Fn: b.connect},
		{Name: StageInvalidate, Fn: b.invalidate},
		{Name: StageAcquire, Fn: b.acquire},
		{Name: StagePrepare, Fn: b.prepare},
		{Name: StageImport, Fn: b.jobStage(StageImport, (*planner).imports)},
		{Name: StageBuffer, Fn: b.jobStage(StageBuffer, (*planner).buffers)},
		{Name: StageProcess, Fn: b.jobStage(StageProcess, (*planner).processes)},
		{Name: StageParents, Fn: b.jobStage(StageParents, amalgamationLevel(StageParents, graph.KindParent))},
		{Name: StageGroups, Fn: b.jobStage(StageGroups, amalgamationLevel(StageGroups, graph.KindGroup))},
		{Name: StageOverall, Fn: b.jobStage(StageOverall, amalgamationLevel(StageOverall, graph.KindOverall))},
		{Name: StageExport, Fn: b.export},
		{Name: StagePublish, Fn: b.publishLatest},
	}
	if !b.opts.SkipFonts {
		stages = append(stages, stageDef{Name: StageFonts, Fn: b.fonts, Optional: true})
	}
	return stages
}

func (b *build) resolveCatalog(ctx context.Context) error {
	s, err := b.p.structure(ctx, b.params)
	if err != nil {
		return err
	}
	b.structure = s
	b.report.Datasets = len(s.Datasets)
	if err := b.snap.WriteStructure(ctx, s); err != nil {
		return err
	}
	observability.InfoContext(ctx, "Catalog resolved",
		slog.Int("datasets", len(s.Datasets)), slog.Int("nodes", s.Graph.Len()))
	return nil
}

func (b *build) connect(ctx context.Context) error {
	cfg := b.p.cfg
	db, err := spatial.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	b.db = db
	b.exec = &scheduler.StageExecutor{DSN: cfg.Database.DSN()}
	b.sched = scheduler.New(func(ctx context.Context) (scheduler.Session, error) {
		return db.Conn(ctx)
	}, b.exec, scheduler.Options{
		Workers:          cfg.Build.Workers,
		ChunksPerWorker:  cfg.Build.ChunksPerWorker,
		ProgressInterval: cfg.Build.ProgressInterval,
		Recorder:         b.p.recorder,
	})
	b.acquirer = acquire.New(cfg, b.p.conv,
		acquire.WithSkipDownload(b.opts.SkipDownload),
		acquire.WithRecorder(b.p.recorder),
		acquire.WithParallel(b.sched.Workers()))
	b.exec.Importer = b.acquirer
	// one connection per worker plus the coordinator
	db.SetMaxOpenConns(b.sched.Workers() + 1)
	b.cache = cache.New(db, b.p.fs, cfg.Paths.OutputDir, b.p.recorder)
	return nil
}

func (b *build) invalidate(ctx context.Context) error {
	if b.purge != "" {
		removed, err := b.cache.Purge(ctx, b.purge)
		if err != nil {
			return err
		}
		b.report.Invalidated += len(removed.Tables)
		observability.InfoContext(ctx, "Purged build cache", slog.String("level", string(b.purge)),
			slog.Int("tables", len(removed.Tables)), slog.Int("files", len(removed.Files)))
	}
	for _, name := range b.opts.Regenerate {
		removed, err := b.cache.InvalidateName(ctx, b.structure, name)
		if err != nil {
			return err
		}
		b.report.Invalidated += len(removed.Tables)
		if !b.opts.SkipDownload {
			b.removeDownloads(ctx, name)
		}
		observability.InfoContext(ctx, "Invalidated for regeneration", logfields.Dataset(name),
			slog.Int("tables", len(removed.Tables)), slog.Int("files", len(removed.Files)))
	}
	return nil
}

// removeDownloads deletes the source files of every leaf under name so they
// are fetched again.
func (b *build) removeDownloads(ctx context.Context, name string) {
	g := b.structure.Graph
	for _, id := range g.Lookup(name) {
		for _, leaf := range g.Leaves(id) {
			path := b.acquirer.Path(b.structure.Datasets[leaf])
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				observability.WarnContext(ctx, "Removing download failed", logfields.Path(path), logfields.Error(err))
			}
		}
	}
}

func (b *build) acquire(ctx context.Context) error {
	res, err := b.acquirer.Acquire(ctx, b.structure.Leaves())
	b.report.Downloaded = res.Downloaded
	b.report.Reused = res.Cached
	b.report.Passes = res.Passes
	return err
}

func (b *build) prepare(ctx context.Context) error {
	boundary := b.params.ClipGeometry(b.regions)
	engine, err := amalgamate.Prepare(ctx, b.db, b.params.ClipKey(), boundary, b.p.cfg.Build.GridCellSize)
	if err != nil {
		return err
	}
	b.exec.Engine = engine
	return nil
}

type planFunc func(p *planner, ctx context.Context) ([]scheduler.Job, JobCounts, error)

func amalgamationLevel(stage StageName, kind graph.Kind) planFunc {
	return func(p *planner, ctx context.Context) ([]scheduler.Job, JobCounts, error) {
		return p.amalgamations(ctx, stage, kind)
	}
}

func (b *build) planner() *planner {
	return &planner{s: b.structure, cache: b.cache, size: b.fileSize, rebuilt: b.rebuilt}
}

func (b *build) fileSize(ds *catalog.Dataset) int64 {
	fi, err := os.Stat(b.acquirer.Path(ds))
	if err != nil {
		return 0
	}
	return fi.Size()
}

// jobStage plans a stage against the cache and runs what is missing.
func (b *build) jobStage(stage StageName, plan planFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		jobs, counts, err := plan(b.planner(), ctx)
		if err != nil {
			return err
		}
		b.report.Jobs[stage] = counts
		if counts.Cached > 0 {
			observability.DebugContext(ctx, "Reusing built artifacts", slog.Int("cached", counts.Cached))
		}
		_, err = b.sched.Run(ctx, string(stage), jobs)
		return err
	}
}

func (b *build) export(ctx context.Context) error {
	m := b.materializer()
	exports, err := m.Export(ctx, b.db, finalKeys(b.structure))
	if err != nil {
		return err
	}
	b.exports = exports
	for _, e := range exports {
		if e.Written {
			b.report.Exported++
		}
	}
	return nil
}

func (b *build) publishLatest(context.Context) error {
	return b.materializer().Publish(b.exports)
}

func (b *build) materializer() *materialize.Materializer {
	cfg := b.p.cfg
	return materialize.New(b.p.fs, cfg.Paths.OutputDir, b.p.conv, cfg.Database.DSN(), b.sched.Workers())
}

func (b *build) fonts(ctx context.Context) error {
	ts := b.p.cfg.Tileserver
	return materialize.NewFontInstaller(b.p.fs, nil).Install(ctx, ts.FontsURL, ts.Dir)
}
