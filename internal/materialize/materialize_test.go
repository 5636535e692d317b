package materialize

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/ogr"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

const dir = "/build/output"

// fsConverter stands in for ogr2ogr by writing a marker collection to Dst.
type fsConverter struct {
	fs     afero.Fs
	mu     sync.Mutex
	reqs   []ogr.Request
	failOn string
}

func (c *fsConverter) Convert(_ context.Context, req ogr.Request) error {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if c.failOn != "" && strings.Contains(req.SQL, c.failOn) {
		// a failed run leaves a partial file behind
		_ = afero.WriteFile(c.fs, req.Dst, []byte(`{"type":"Feat`), 0o644)
		return errors.New("ogr2ogr failed")
	}
	return afero.WriteFile(c.fs, req.Dst, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644)
}

func keys() (naming.ArtifactKey, naming.ArtifactKey) {
	ctx := naming.BuildContext{Bucket: naming.Bucket(120, 40)}
	return ctx.Final("ecology", true), ctx.Processed("ramsar-sites", 0, false)
}

func storeWithRows(counts map[string]int64) *spatial.MockStore {
	st := spatial.NewMockStore()
	st.QueryIntFunc = func(query string, _ ...any) (int64, error) {
		for table, n := range counts {
			if strings.Contains(query, spatial.Quote(table)) {
				return n, nil
			}
		}
		return 0, nil
	}
	return st
}

func TestExportWritesEveryFormatAtomically(t *testing.T) {
	fs := afero.NewMemMapFs()
	conv := &fsConverter{fs: fs}
	eco, ramsar := keys()
	st := storeWithRows(map[string]int64{eco.Table(): 3, ramsar.Table(): 2})
	m := New(fs, dir, conv, "dbname=gis", 2)

	exports, err := m.Export(context.Background(), st, []naming.ArtifactKey{eco, ramsar})
	require.NoError(t, err)
	require.Len(t, exports, 2)

	for _, name := range []string{
		"ecology--tip-height-120--blade-radius-40.geojson",
		"ecology--tip-height-120--blade-radius-40.gpkg",
		"ramsar-sites.geojson",
		"ramsar-sites.gpkg",
	} {
		ok, _ := afero.Exists(fs, filepath.Join(dir, name))
		assert.True(t, ok, name)
	}
	entries, _ := afero.ReadDir(fs, dir)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), e.Name())
	}

	require.Len(t, conv.reqs, 4)
	for _, r := range conv.reqs {
		assert.True(t, strings.HasPrefix(filepath.Base(r.Dst), ".tmp-"), "subprocess writes a temporary path")
		assert.Equal(t, "PG:dbname=gis", r.Src)
	}
}

func TestExportKeepsExistingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	conv := &fsConverter{fs: fs}
	_, ramsar := keys()
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "ramsar-sites.geojson"), []byte("kept"), 0o644))

	_, err := New(fs, dir, conv, "", 1).Export(context.Background(), storeWithRows(nil), []naming.ArtifactKey{ramsar})
	require.NoError(t, err)
	require.Len(t, conv.reqs, 1)
	assert.Equal(t, ogr.DriverGPKG, conv.reqs[0].Driver)
}

func TestEmptyTableGetsPlaceholderFeature(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, ramsar := keys()
	_, err := New(fs, dir, &fsConverter{fs: fs}, "", 1).
		Export(context.Background(), storeWithRows(map[string]int64{ramsar.Table(): 0}), []naming.ArtifactKey{ramsar})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, filepath.Join(dir, "ramsar-sites.geojson"))
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 1)
}

func TestFailedExportLeavesNoFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	eco, _ := keys()
	conv := &fsConverter{fs: fs, failOn: eco.Table()}
	_, err := New(fs, dir, conv, "", 1).Export(context.Background(), storeWithRows(nil), []naming.ArtifactKey{eco})
	require.Error(t, err)

	entries, _ := afero.ReadDir(fs, dir)
	assert.Empty(t, entries)
}

func TestPublishCopiesLatestAndDropsDerivatives(t *testing.T) {
	fs := afero.NewMemMapFs()
	eco, ramsar := keys()
	m := New(fs, dir, &fsConverter{fs: fs}, "", 1)
	exports, err := m.Export(context.Background(), storeWithRows(map[string]int64{eco.Table(): 1, ramsar.Table(): 1}), []naming.ArtifactKey{eco, ramsar})
	require.NoError(t, err)
	for _, e := range exports {
		assert.True(t, e.Written, e.Key.Table())
	}

	stale := filepath.Join(dir, "latest--ecology.mbtiles")
	require.NoError(t, afero.WriteFile(fs, stale, []byte("tiles"), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "latest--ecology.geojson"), []byte("old"), 0o644))

	require.NoError(t, m.Publish(exports))

	latest, err := afero.ReadFile(fs, filepath.Join(dir, "latest--ecology.geojson"))
	require.NoError(t, err)
	source, err := afero.ReadFile(fs, filepath.Join(dir, "ecology--tip-height-120--blade-radius-40.geojson"))
	require.NoError(t, err)
	assert.Equal(t, source, latest)

	ok, _ := afero.Exists(fs, filepath.Join(dir, "latest--ramsar-sites.gpkg"))
	assert.True(t, ok)
	ok, _ = afero.Exists(fs, stale)
	assert.False(t, ok)

	t.Run("unchanged exports keep aliases and derivatives", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, stale, []byte("tiles"), 0o644))
		again, err := m.Export(context.Background(), storeWithRows(nil), []naming.ArtifactKey{eco, ramsar})
		require.NoError(t, err)
		for _, e := range again {
			assert.False(t, e.Written, e.Key.Table())
		}

		require.NoError(t, m.Publish(again))
		ok, _ := afero.Exists(fs, stale)
		assert.True(t, ok, "derivative of an unchanged layer survives")
	})

	t.Run("missing alias is restored", func(t *testing.T) {
		require.NoError(t, fs.Remove(filepath.Join(dir, "latest--ramsar-sites.geojson")))
		again, err := m.Export(context.Background(), storeWithRows(nil), []naming.ArtifactKey{ramsar})
		require.NoError(t, err)
		require.NoError(t, m.Publish(again))
		ok, _ := afero.Exists(fs, filepath.Join(dir, "latest--ramsar-sites.geojson"))
		assert.True(t, ok)
	})
}

func fontsArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"Open Sans Regular/0-255.pbf", "Open Sans Bold/0-255.pbf"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("glyphs"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInstallFontsOnce(t *testing.T) {
	body := fontsArchive(t)
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	inst := NewFontInstaller(fs, nil)
	require.NoError(t, inst.Install(context.Background(), srv.URL+"/fonts.zip", "/build/tileserver"))
	require.NoError(t, inst.Install(context.Background(), srv.URL+"/fonts.zip", "/build/tileserver"))
	assert.Equal(t, 1, hits)

	ok, _ := afero.Exists(fs, "/build/tileserver/fonts/Open Sans Bold/0-255.pbf")
	assert.True(t, ok)
}
