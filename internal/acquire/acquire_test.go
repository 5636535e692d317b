package acquire

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/ogr"
)

type fakeConverter struct {
	mu   sync.Mutex
	reqs []ogr.Request
}

func (f *fakeConverter) Convert(_ context.Context, req ogr.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if req.Driver == ogr.DriverGPKG {
		return writeGPKG(req.Dst)
	}
	return nil
}

func writeGPKG(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = db.Exec("CREATE TABLE gpkg_contents (table_name TEXT)")
	return err
}

func testConfig(dir string) config.Config {
	return config.Config{
		Catalog: config.CatalogConfig{Timeout: 5 * time.Second},
		Paths:   config.PathsConfig{DownloadsDir: dir},
		Build: config.BuildConfig{
			PageSize:      4,
			RetryBackoff:  config.RetryBackoffFixed,
			RetryDelay:    time.Millisecond,
			RetryMaxDelay: 5 * time.Millisecond,
		},
	}
}

func collection(ids ...int) []byte {
	fc := geojson.NewFeatureCollection()
	for _, id := range ids {
		f := geojson.NewFeature(orb.Point{float64(id), 51})
		f.Properties["id"] = id
		fc.Append(f)
	}
	data, _ := json.Marshal(fc)
	return data
}

func dataset(id string, format catalog.Format, url string) *catalog.Dataset {
	return &catalog.Dataset{Entry: catalog.Entry{ID: id, Source: catalog.Source{Format: format, URL: url}}}
}

func readCollection(t *testing.T, path string) *geojson.FeatureCollection {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	return fc
}

func TestWFSNarrowsPageSizeOnShortPage(t *testing.T) {
	const total, serverCap = 5, 2
	var counts []int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("resultType") == "hits" {
			_, _ = fmt.Fprintf(w, `<wfs:FeatureCollection numberMatched="%d" numberReturned="0"/>`, total)
			return
		}
		start, _ := strconv.Atoi(q.Get("startIndex"))
		count, _ := strconv.Atoi(q.Get("count"))
		mu.Lock()
		counts = append(counts, count)
		mu.Unlock()
		var ids []int
		for i := start; i < total && i < start+min(count, serverCap); i++ {
			ids = append(ids, i)
		}
		_, _ = w.Write(collection(ids...))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a := New(testConfig(dir), &fakeConverter{})
	ds := dataset("ramsar", catalog.FormatWFS, srv.URL+"/wfs")
	ds.Source.Layer = "ramsar"

	res, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)

	fc := readCollection(t, a.Path(ds))
	require.Len(t, fc.Features, total)
	for i, f := range fc.Features {
		assert.EqualValues(t, i, f.Properties.MustFloat64("id"))
	}
	assert.Equal(t, 4, counts[0])
	assert.Equal(t, 2, counts[len(counts)-1])
}

func TestWFSRetriesShortPageAtMinimumSize(t *testing.T) {
	const total = 5
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("resultType") == "hits" {
			_, _ = fmt.Fprintf(w, `<wfs:FeatureCollection numberMatched="%d" numberReturned="0"/>`, total)
			return
		}
		if pages.Add(1) <= 3 {
			_, _ = w.Write(collection())
			return
		}
		start, _ := strconv.Atoi(q.Get("startIndex"))
		count, _ := strconv.Atoi(q.Get("count"))
		var ids []int
		for i := start; i < total && i < start+count; i++ {
			ids = append(ids, i)
		}
		_, _ = w.Write(collection(ids...))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a := New(testConfig(dir), &fakeConverter{})
	ds := dataset("ramsar", catalog.FormatWFS, srv.URL+"/wfs")

	res, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Len(t, readCollection(t, a.Path(ds)).Features, total)
	assert.Greater(t, int(pages.Load()), 3)
}

func TestWFSUnknownCountPagesUntilShortPage(t *testing.T) {
	const total = 5
	for name, hits := range map[string]string{
		"unknown": `<wfs:FeatureCollection numberMatched="unknown" numberReturned="0"/>`,
		"missing": `<wfs:FeatureCollection numberReturned="0"/>`,
	} {
		t.Run(name, func(t *testing.T) {
			var pages atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("resultType") == "hits" {
					_, _ = w.Write([]byte(hits))
					return
				}
				pages.Add(1)
				start, _ := strconv.Atoi(q.Get("startIndex"))
				count, _ := strconv.Atoi(q.Get("count"))
				var ids []int
				for i := start; i < total && i < start+count; i++ {
					ids = append(ids, i)
				}
				_, _ = w.Write(collection(ids...))
			}))
			defer srv.Close()

			dir := t.TempDir()
			a := New(testConfig(dir), &fakeConverter{})
			ds := dataset("ramsar", catalog.FormatWFS, srv.URL+"/wfs")

			_, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
			require.NoError(t, err)
			fc := readCollection(t, a.Path(ds))
			require.Len(t, fc.Features, total)
			assert.EqualValues(t, 4, fc.Features[4].Properties.MustFloat64("id"))
			assert.EqualValues(t, 2, pages.Load(), "a full page of four, then a short page of one")
		})
	}
}

func TestArcGISPagesByObjectID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("returnCountOnly") == "true":
			_, _ = w.Write([]byte(`{"count": 3}`))
		case q.Get("returnIdsOnly") == "true":
			_, _ = w.Write([]byte(`{"objectIdFieldName": "FID", "objectIds": [30, 10, 20]}`))
		default:
			var lo, hi int
			_, err := fmt.Sscanf(q.Get("where"), "FID>=%d AND FID<=%d", &lo, &hi)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var ids []int
			for _, id := range []int{10, 20, 30} {
				if id >= lo && id <= hi {
					ids = append(ids, id)
				}
			}
			_, _ = w.Write(collection(ids...))
		}
	}))
	defer srv.Close()

	cfg := testConfig(t.TempDir())
	cfg.Build.PageSize = 2
	a := New(cfg, &fakeConverter{})
	ds := dataset("sssi", catalog.FormatArcGIS, srv.URL+"/FeatureServer/0")

	_, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	assert.Len(t, readCollection(t, a.Path(ds)).Features, 3)
}

func TestArcGISQueryURL(t *testing.T) {
	assert.Equal(t, "https://x/FeatureServer/0/query",
		arcgisQueryURL(catalog.Source{URL: "https://x/FeatureServer/0/"}))
	assert.Equal(t, "https://x/FeatureServer/3/query",
		arcgisQueryURL(catalog.Source{URL: "https://x/FeatureServer?f=json", Layer: "3"}))
	assert.Equal(t, "https://x/0/query",
		arcgisQueryURL(catalog.Source{URL: "https://x/0/query"}))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(collection(1))
	}))
	defer srv.Close()

	a := New(testConfig(t.TempDir()), &fakeConverter{})
	ds := dataset("ancient-woodland", catalog.FormatGeoJSON, srv.URL)
	_, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := New(testConfig(t.TempDir()), &fakeConverter{})
	_, err := a.Acquire(context.Background(), []*catalog.Dataset{dataset("gone", catalog.FormatGeoJSON, srv.URL)})
	require.Error(t, err)
	assert.True(t, cerrors.IsCategory(err, cerrors.CategoryNetwork))
	assert.EqualValues(t, 1, hits.Load())
}

func TestCorruptDownloadRepeatsWholePass(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"type": "FeatureCollection", "features": [`))
			return
		}
		_, _ = w.Write(collection(1, 2))
	}))
	defer srv.Close()

	a := New(testConfig(t.TempDir()), &fakeConverter{})
	ds := dataset("hedgerows", catalog.FormatGeoJSON, srv.URL)
	res, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Passes)
	assert.Equal(t, 1, res.Corrupt)
	assert.Equal(t, 2, res.Downloaded)
	assert.Len(t, readCollection(t, a.Path(ds)).Features, 2)
}

func TestCachedFilesSkipNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	a := New(testConfig(dir), &fakeConverter{})
	ds := dataset("ramsar", catalog.FormatGeoJSON, srv.URL)
	require.NoError(t, os.WriteFile(a.Path(ds), collection(1), 0o644))

	res, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cached)
	assert.Zero(t, hits.Load())
}

func TestSkipDownloadMissingFileIsFatal(t *testing.T) {
	a := New(testConfig(t.TempDir()), &fakeConverter{}, WithSkipDownload(true))
	_, err := a.Acquire(context.Background(), []*catalog.Dataset{dataset("ramsar", catalog.FormatGeoJSON, "http://127.0.0.1:1")})
	require.ErrorIs(t, err, ErrMissingFile)
	assert.True(t, cerrors.IsCategory(err, cerrors.CategoryFileSystem))
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestArchiveExtractsAndNormalizes(t *testing.T) {
	body := zipArchive(t, map[string]string{
		"data/readme.txt": "x",
		"data/roads.dbf":  "dbf",
		"data/roads.shp":  "shp",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	conv := &fakeConverter{}
	dir := t.TempDir()
	a := New(testConfig(dir), conv)
	ds := dataset("roads", catalog.FormatShapefile, srv.URL+"/roads.zip")

	_, err := a.Acquire(context.Background(), []*catalog.Dataset{ds})
	require.NoError(t, err)
	require.Len(t, conv.reqs, 1)
	assert.True(t, strings.HasSuffix(conv.reqs[0].Src, filepath.Join("data", "roads.shp")))
	assert.Equal(t, ogr.DriverGPKG, conv.reqs[0].Driver)
	assert.Equal(t, filepath.Join(dir, "roads.gpkg"), a.Path(ds))
	require.NoError(t, Validate(context.Background(), a.Path(ds)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "work directories are removed")
}

func TestExtractRejectsEscapingMembers(t *testing.T) {
	body := zipArchive(t, map[string]string{"../evil.shp": "x"})
	path := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	_, err := extract(path, filepath.Join(t.TempDir(), "x"), ".shp")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	empty := filepath.Join(dir, "empty.geojson")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.True(t, cerrors.IsCategory(Validate(ctx, empty), cerrors.CategoryDataQuality))

	notGPKG := filepath.Join(dir, "bad.gpkg")
	require.NoError(t, os.WriteFile(notGPKG, []byte("definitely not sqlite"), 0o644))
	assert.Error(t, Validate(ctx, notGPKG))

	plainSQLite := filepath.Join(dir, "plain.gpkg")
	db, err := sql.Open("sqlite", plainSQLite)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE other (x INTEGER)")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.Error(t, Validate(ctx, plainSQLite))

	good := filepath.Join(dir, "good.gpkg")
	require.NoError(t, writeGPKG(good))
	assert.NoError(t, Validate(ctx, good))
}

func TestImportRequest(t *testing.T) {
	conv := &fakeConverter{}
	a := New(testConfig("/data"), conv)
	ds := dataset("ramsar", catalog.FormatGPKG, "http://x/ramsar.gpkg")
	ds.Source.Layer = "ramsar_sites"

	require.NoError(t, a.Import(context.Background(), "host=db dbname=gis", ds, "ramsar__raw__any"))
	require.Len(t, conv.reqs, 1)
	args := conv.reqs[0].Args()
	assert.Equal(t, []string{"-f", "PostgreSQL", "PG:host=db dbname=gis", filepath.Join("/data", "ramsar.gpkg"), "ramsar_sites"}, args[:5])
	assert.Contains(t, strings.Join(args, " "), "-nln ramsar__raw__any")
	assert.Contains(t, strings.Join(args, " "), "GEOMETRY_NAME=geom")
	assert.NotContains(t, args, "-skipfailures", "failing features fail the import")
}
