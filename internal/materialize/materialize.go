// Package materialize exports final artifacts from the spatial store to the
// interchange files read by downstream consumers.
package materialize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/ogr"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// Formats exported for every artifact.
var Formats = []string{"geojson", "gpkg"}

// derivative files built from a latest GeoJSON by downstream tools.
var derivatives = []string{"mbtiles"}

// Materializer writes exports below dir on fs. The converter writes to the
// same filesystem.
type Materializer struct {
	fs       afero.Fs
	dir      string
	conv     ogr.Converter
	dsn      string
	parallel int
}

// New returns a Materializer reading tables through dsn.
func New(fs afero.Fs, dir string, conv ogr.Converter, dsn string, parallel int) *Materializer {
	return &Materializer{fs: fs, dir: dir, conv: conv, dsn: dsn, parallel: max(parallel, 1)}
}

// Exported is one artifact of this run. Written is set when at least one of
// its files was produced by this run rather than kept from an earlier one.
type Exported struct {
	Key     naming.ArtifactKey
	Files   map[string]string // extension -> file name
	Rows    int64
	Written bool
}

// Export writes every format of each key. Files already present are kept.
func (m *Materializer) Export(ctx context.Context, st spatial.Store, keys []naming.ArtifactKey) ([]Exported, error) {
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	rows := make([]int64, len(keys))
	for i, key := range keys {
		n, err := spatial.RowCount(ctx, st, key.Table())
		if err != nil {
			return nil, err
		}
		rows[i] = n
	}

	var mu sync.Mutex
	out := make([]Exported, 0, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)
	for i, key := range keys {
		rows := rows[i]
		g.Go(func() error {
			e, err := m.exportKey(gctx, key, rows)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, e)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Table() < out[j].Key.Table() })
	return out, nil
}

func (m *Materializer) exportKey(ctx context.Context, key naming.ArtifactKey, rows int64) (Exported, error) {
	e := Exported{Key: key, Files: map[string]string{}, Rows: rows}
	for _, ext := range Formats {
		name := key.File(ext)
		e.Files[ext] = name
		dst := filepath.Join(m.dir, name)
		if ok, _ := afero.Exists(m.fs, dst); ok {
			continue
		}
		if err := m.exportFile(ctx, key, ext, rows, dst); err != nil {
			return e, fmt.Errorf("export %s: %w", name, err)
		}
		e.Written = true
		slog.Info("Exported layer", logfields.Table(key.Table()), logfields.Path(dst), slog.Int64("rows", rows))
	}
	return e, nil
}

// exportFile converts into a temporary sibling and renames it over dst only
// after the subprocess succeeded.
func (m *Materializer) exportFile(ctx context.Context, key naming.ArtifactKey, ext string, rows int64, dst string) error {
	tmp := filepath.Join(m.dir, ".tmp-"+filepath.Base(dst))
	_ = m.fs.Remove(tmp)

	driver := ogr.DriverGeoJSON
	if ext == "gpkg" {
		driver = ogr.DriverGPKG
	}
	err := m.conv.Convert(ctx, ogr.Request{
		Driver:    driver,
		Dst:       tmp,
		Src:       "PG:" + m.dsn,
		SQL:       "SELECT * FROM " + spatial.Quote(key.Table()),
		DstSRS:    ogr.EPSG4326,
		TableName: key.Core,
	})
	if err != nil {
		_ = m.fs.Remove(tmp)
		return err
	}
	if rows == 0 && ext == "geojson" {
		if err := m.writeDummy(tmp); err != nil {
			return err
		}
	}
	return m.fs.Rename(tmp, dst)
}

// writeDummy replaces an empty collection with a single placeholder feature;
// the tile builder rejects empty inputs.
func (m *Materializer) writeDummy(path string) error {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Point{0, 0})
	f.Properties["placeholder"] = true
	fc.Append(f)
	data, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	return afero.WriteFile(m.fs, path, data, 0o644)
}

// Publish refreshes the latest aliases of a completed run. It must only be
// called once every export of the run has succeeded. An alias that already
// matches its export is left alone together with its derivatives.
func (m *Materializer) Publish(exports []Exported) error {
	for _, e := range exports {
		for _, ext := range Formats {
			name, ok := e.Files[ext]
			if !ok {
				continue
			}
			src := filepath.Join(m.dir, name)
			latest := filepath.Join(m.dir, e.Key.LatestFile(ext))
			if !e.Written {
				same, err := m.sameContent(src, latest)
				if err != nil {
					return err
				}
				if same {
					continue
				}
			}
			if err := m.copyFile(src, latest); err != nil {
				return fmt.Errorf("latest alias %s: %w", filepath.Base(latest), err)
			}
			if ext != "geojson" {
				continue
			}
			for _, d := range derivatives {
				stale := filepath.Join(m.dir, e.Key.LatestFile(d))
				if ok, _ := afero.Exists(m.fs, stale); ok {
					if err := m.fs.Remove(stale); err != nil {
						return err
					}
					slog.Info("Removed stale derivative", logfields.Path(stale))
				}
			}
		}
	}
	return nil
}

// sameContent reports whether b exists with the bytes of a.
func (m *Materializer) sameContent(a, b string) (bool, error) {
	if ok, err := afero.Exists(m.fs, b); err != nil || !ok {
		return false, err
	}
	x, err := afero.ReadFile(m.fs, a)
	if err != nil {
		return false, err
	}
	y, err := afero.ReadFile(m.fs, b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}

func (m *Materializer) copyFile(src, dst string) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := filepath.Join(filepath.Dir(dst), ".tmp-"+filepath.Base(dst))
	out, err := m.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = m.fs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = m.fs.Remove(tmp)
		return err
	}
	return m.fs.Rename(tmp, dst)
}
