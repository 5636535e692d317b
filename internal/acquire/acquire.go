// Package acquire downloads catalog datasets into the downloads directory,
// validates them and imports them into the spatial store.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/observability"
	"github.com/openwind/constraintbuilder/internal/ogr"
	"github.com/openwind/constraintbuilder/internal/retry"
)

// ErrMissingFile is returned when downloads are skipped and a dataset has no
// local file.
var ErrMissingFile = errors.New("acquire: dataset file missing")

// adapter fetches one source into dst.
type adapter interface {
	fetch(ctx context.Context, src catalog.Source, dst string) error
}

// Acquirer runs the acquisition stage.
type Acquirer struct {
	dir          string
	parallel     int
	skipDownload bool
	fetcher      *fetcher
	conv         ogr.Converter
	recorder     metrics.Recorder
	adapters     map[catalog.Format]adapter
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithSkipDownload disables all network I/O; missing files become fatal.
func WithSkipDownload(skip bool) Option {
	return func(a *Acquirer) { a.skipDownload = skip }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Acquirer) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithParallel bounds concurrent downloads.
func WithParallel(n int) Option {
	return func(a *Acquirer) { a.parallel = n }
}

// New returns an Acquirer writing below cfg.Paths.DownloadsDir.
func New(cfg config.Config, conv ogr.Converter, opts ...Option) *Acquirer {
	a := &Acquirer{
		dir:      cfg.Paths.DownloadsDir,
		parallel: 4,
		conv:     conv,
		recorder: metrics.NoopRecorder{},
	}
	for _, o := range opts {
		o(a)
	}
	a.fetcher = newFetcher(cfg, retry.FromConfig(cfg.Build), a.recorder)

	direct := &directAdapter{f: a.fetcher}
	a.adapters = map[catalog.Format]adapter{
		catalog.FormatGPKG:      direct,
		catalog.FormatWFS:       &wfsAdapter{f: a.fetcher, pageSize: cfg.Build.PageSize},
		catalog.FormatArcGIS:    &arcgisAdapter{f: a.fetcher, pageSize: cfg.Build.PageSize},
		catalog.FormatGeoJSON:   direct,
		catalog.FormatOSM:       direct,
		catalog.FormatKML:       &convertAdapter{f: a.fetcher, conv: conv, ext: ".kml"},
		catalog.FormatKMZ:       &archiveAdapter{f: a.fetcher, conv: conv, ext: ".kml"},
		catalog.FormatShapefile: &archiveAdapter{f: a.fetcher, conv: conv, ext: ".shp"},
	}
	return a
}

// Extension is the local file extension a format is stored under.
func Extension(f catalog.Format) string {
	switch f {
	case catalog.FormatWFS, catalog.FormatArcGIS, catalog.FormatGeoJSON, catalog.FormatOSM:
		return ".geojson"
	default:
		return ".gpkg"
	}
}

// Path is the local file of a dataset.
func (a *Acquirer) Path(ds *catalog.Dataset) string {
	return filepath.Join(a.dir, ds.ID+Extension(ds.Source.Format))
}

// Result summarizes an acquisition stage.
type Result struct {
	Downloaded int
	Cached     int
	Passes     int
	Corrupt    int
}

// Acquire makes sure every dataset has a valid local file. Passes repeat
// until one finds no corrupt files; corrupt files are deleted and fetched
// again on the next pass.
func (a *Acquirer) Acquire(ctx context.Context, datasets []*catalog.Dataset) (Result, error) {
	var res Result
	for {
		res.Passes++
		a.recorder.IncAcquisitionPass()
		observability.InfoContext(ctx, "Acquisition pass", slog.Int("pass", res.Passes), slog.Int("datasets", len(datasets)))

		downloaded, cached, err := a.pass(ctx, datasets)
		res.Downloaded += downloaded
		if res.Passes == 1 {
			res.Cached = cached
		}
		if err != nil {
			return res, err
		}

		corrupt := a.validate(ctx, datasets)
		if len(corrupt) == 0 {
			return res, nil
		}
		res.Corrupt += len(corrupt)
		if a.skipDownload {
			return res, corrupt[0]
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
}

func (a *Acquirer) pass(ctx context.Context, datasets []*catalog.Dataset) (downloaded, cached int, err error) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.parallel, 1))
	for _, ds := range datasets {
		path := a.Path(ds)
		if _, statErr := os.Stat(path); statErr == nil {
			cached++
			a.recorder.IncCacheResult("acquire", true)
			continue
		}
		if a.skipDownload {
			return downloaded, cached, fmt.Errorf("%w: %w", ErrMissingFile, cerrors.MissingEssentialFile(path))
		}
		a.recorder.IncCacheResult("acquire", false)
		g.Go(func() error {
			if err := a.fetch(gctx, ds, path); err != nil {
				return err
			}
			mu.Lock()
			downloaded++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return downloaded, cached, err
}

func (a *Acquirer) fetch(ctx context.Context, ds *catalog.Dataset, path string) error {
	ad, ok := a.adapters[ds.Source.Format]
	if !ok {
		return cerrors.InternalError("no adapter for format "+ds.Source.Format.String(), nil).
			WithContext("dataset", ds.ID)
	}
	start := time.Now()
	if err := ad.fetch(ctx, ds.Source, path); err != nil {
		return fmt.Errorf("acquire %s: %w", ds.ID, err)
	}
	observability.InfoContext(ctx, "Acquired dataset",
		logfields.Dataset(ds.ID),
		slog.String("format", ds.Source.Format.String()),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return nil
}

// validate deletes and returns the corrupt files of this pass.
func (a *Acquirer) validate(ctx context.Context, datasets []*catalog.Dataset) []error {
	var corrupt []error
	for _, ds := range datasets {
		path := a.Path(ds)
		err := Validate(ctx, path)
		if err == nil {
			continue
		}
		a.recorder.IncCorruptDownload()
		observability.WarnContext(ctx, "Corrupt download, will fetch again",
			logfields.Dataset(ds.ID), logfields.Path(path), logfields.Error(err))
		if !a.skipDownload {
			_ = os.Remove(path)
		}
		corrupt = append(corrupt, err)
	}
	return corrupt
}

// Import loads a dataset's local file into the raw table through ogr2ogr.
func (a *Acquirer) Import(ctx context.Context, dsn string, ds *catalog.Dataset, table string) error {
	req := ogr.Request{
		Driver:    ogr.DriverPostgreSQL,
		Dst:       "PG:" + dsn,
		Src:       a.Path(ds),
		DstSRS:    ogr.EPSG4326,
		TableName: table,
		Options: []string{
			"-lco", "GEOMETRY_NAME=geom",
			"-lco", "FID=ogc_fid",
			"-nlt", "PROMOTE_TO_MULTI",
		},
	}
	if ds.Source.Format == catalog.FormatGPKG {
		req.SrcLayer = ds.Source.Layer
	}
	return a.conv.Convert(ctx, req)
}
