package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/graph"
	"github.com/openwind/constraintbuilder/internal/params"
	"github.com/openwind/constraintbuilder/internal/retry"
)

type fakeCKAN struct {
	groups   []map[string]string
	packages map[string][]map[string]any
	failures int32 // requests answered with 503 before serving
}

func (f *fakeCKAN) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var result any
	switch {
	case strings.HasSuffix(r.URL.Path, "/group_list"):
		result = f.groups
	case strings.HasSuffix(r.URL.Path, "/package_search"):
		group := strings.TrimPrefix(r.URL.Query().Get("fq"), "groups:")
		pkgs := f.packages[group]
		result = map[string]any{"count": len(pkgs), "results": pkgs}
	default:
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
}

func pkg(name string, extras map[string]string, formats ...string) map[string]any {
	var xs []map[string]string
	for k, v := range extras {
		xs = append(xs, map[string]string{"key": k, "value": v})
	}
	var res []map[string]string
	for _, f := range formats {
		res = append(res, map[string]string{"format": f, "url": "https://provider.test/" + name + "/" + f})
	}
	return map[string]any{"name": name, "title": strings.ToUpper(name), "extras": xs, "resources": res}
}

func ecologyCatalog() *fakeCKAN {
	return &fakeCKAN{
		groups: []map[string]string{{"name": "ecology", "title": "Ecology"}, {"name": "landscape", "title": "Landscape"}},
		packages: map[string][]map[string]any{
			"ecology": {
				pkg("ramsar-sites", map[string]string{"buffer": "0"}, "GeoJSON", "WFS"),
				pkg("site-of-special-scientific-interest", map[string]string{"buffer": "0.5 * height-to-tip"}, "KML", "GPKG"),
				pkg("unsupported", nil, "PDF"),
				pkg("manual", map[string]string{"automation-exclude": "true"}, "GPKG"),
			},
			"landscape": {
				pkg("hedgerows", map[string]string{"buffer": "blade-radius + 10", "boundary-buffer": "yes", "style-colour": "#00ff00"}, "ArcGIS GeoServices REST API"),
				pkg("parks--national", nil, "Shapefile"),
				pkg("parks--regional", map[string]string{"layer": "regional"}, "WFS", "KMZ"),
			},
		},
	}
}

func newTestClient(url string) *Client {
	c := NewClient(config.CatalogConfig{URL: url, Timeout: 5 * time.Second, RetryMax: 1},
		retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 0))
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond
	return c
}

func TestFetchSelectsBestFormatAndExtras(t *testing.T) {
	srv := httptest.NewServer(ecologyCatalog())
	defer srv.Close()

	cat, err := Fetch(context.Background(), newTestClient(srv.URL))
	require.NoError(t, err)

	byID := map[string]Entry{}
	for _, e := range cat.Entries {
		byID[e.ID] = e
	}
	require.Len(t, byID, 5)
	assert.NotContains(t, byID, "unsupported")
	assert.NotContains(t, byID, "manual")

	assert.Equal(t, FormatWFS, byID["ramsar-sites"].Source.Format)
	assert.Equal(t, FormatGPKG, byID["site-of-special-scientific-interest"].Source.Format)
	assert.Equal(t, FormatArcGIS, byID["hedgerows"].Source.Format)
	assert.True(t, byID["hedgerows"].BoundaryBuffer)
	assert.Equal(t, "#00ff00", byID["hedgerows"].Style["colour"])
	assert.Equal(t, "parks", byID["parks--regional"].Parent)
	assert.Equal(t, "regional", byID["parks--regional"].Source.Layer)
	assert.Equal(t, FormatWFS, byID["parks--regional"].Source.Format)
	assert.Equal(t, FormatShapefile, byID["parks--national"].Source.Format)
}

func TestFetchRetriesUnavailableCatalog(t *testing.T) {
	fake := ecologyCatalog()
	fake.failures = 5
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cat, err := Fetch(context.Background(), newTestClient(srv.URL))
	require.NoError(t, err)
	assert.Len(t, cat.Entries, 5)
}

func TestFetchBadFormulaNamesDataset(t *testing.T) {
	fake := ecologyCatalog()
	fake.packages["ecology"] = append(fake.packages["ecology"], pkg("broken", map[string]string{"buffer": "2 * rotor-diameter"}, "GPKG"))
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := Fetch(context.Background(), newTestClient(srv.URL))
	require.Error(t, err)
	pe, ok := cerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "broken", pe.Context["dataset"])
}

func TestBuildEcologyScenario(t *testing.T) {
	srv := httptest.NewServer(ecologyCatalog())
	defer srv.Close()
	cat, err := Fetch(context.Background(), newTestClient(srv.URL))
	require.NoError(t, err)

	run := func(tip float64) *Structure {
		s, err := Build(cat, params.BuildParameters{TipHeight: tip, BladeRadius: 40})
		require.NoError(t, err)
		return s
	}
	s120, s150 := run(120), run(150)

	ramsar120, _ := s120.Graph.Dataset("ramsar-sites")
	sssi120, _ := s120.Graph.Dataset("site-of-special-scientific-interest")
	ecology120 := s120.Graph.Node(ramsar120).Parent

	assert.Equal(t, "ramsar_sites__pro__any", s120.OutputKey(ramsar120).Table())
	assert.Equal(t, "site_of_special_scientific_interest__pro__b60__th120_br40", s120.OutputKey(sssi120).Table())
	assert.Equal(t, "ecology__fin__th120_br40", s120.OutputKey(ecology120).Table())
	assert.Equal(t, 60.0, s120.Datasets[sssi120].Buffer)

	ramsar150, _ := s150.Graph.Dataset("ramsar-sites")
	sssi150, _ := s150.Graph.Dataset("site-of-special-scientific-interest")
	assert.Equal(t, s120.OutputKey(ramsar120), s150.OutputKey(ramsar150), "non-dependent artifact reused")
	assert.NotEqual(t, s120.OutputKey(sssi120).Table(), s150.OutputKey(sssi150).Table())
	assert.Equal(t, "ecology__fin__th150_br40", s150.OutputKey(s150.Graph.Node(ramsar150).Parent).Table())

	parks := s120.Graph.Lookup("parks")
	require.Len(t, parks, 1)
	assert.Equal(t, graph.KindParent, s120.Graph.Node(parks[0]).Kind)
	assert.Equal(t, "parks__fin__any", s120.OutputKey(parks[0]).Table())
	assert.True(t, s120.Dependent(s120.Graph.Overall()))

	assert.Len(t, s120.Keys(sssi120), 3, "raw, buffered, processed")
	assert.Len(t, s120.Keys(ramsar120), 2, "raw, processed")
}

func TestBuildCustomOverrides(t *testing.T) {
	srv := httptest.NewServer(ecologyCatalog())
	defer srv.Close()
	cat, err := Fetch(context.Background(), newTestClient(srv.URL))
	require.NoError(t, err)

	custom := &config.CustomConfig{
		Name:    "eco-only",
		Groups:  []string{"ecology"},
		Buffers: map[string]float64{"site-of-special-scientific-interest": 250},
	}
	s, err := Build(cat, params.BuildParameters{TipHeight: 120, BladeRadius: 40, Custom: custom})
	require.NoError(t, err)

	assert.Empty(t, s.Graph.Lookup("landscape"), "group filtered out and pruned")
	sssi, ok := s.Graph.Dataset("site-of-special-scientific-interest")
	require.True(t, ok)
	assert.Equal(t, 250.0, s.Datasets[sssi].Buffer)
	assert.False(t, s.Dependent(s.Graph.Overall()), "constant override removes turbine dependence")
	assert.Equal(t, "custom_eco_only__overall__fin__any", s.OutputKey(s.Graph.Overall()).Table())
}

func TestFormula(t *testing.T) {
	cases := []struct {
		src       string
		tip, br   float64
		want      float64
		dependent bool
	}{
		{"", 120, 40, 0, false},
		{"250", 120, 40, 250, false},
		{"0.5 * height-to-tip", 120, 40, 60, true},
		{"1.1*height-to-tip", 124.2, 47.5, 136.6, true},
		{"blade-radius + 10", 120, 40, 50, true},
		{"(height-to-tip - blade-radius) / 2", 120, 40, 40, true},
	}
	for _, tc := range cases {
		f, err := ParseFormula(tc.src)
		require.NoError(t, err, tc.src)
		got, err := f.Eval(tc.tip, tc.br)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
		assert.Equal(t, tc.dependent, f.Dependent(), tc.src)
	}

	for _, bad := range []string{"0.5 *", "rotor * 2", `"text"`, "-10"} {
		_, err := ParseFormula(bad)
		assert.Error(t, err, bad)
	}
}

func TestParentOf(t *testing.T) {
	assert.Equal(t, "parks", ParentOf("parks--national"))
	assert.Equal(t, "", ParentOf("ramsar-sites"))
	assert.Equal(t, "", ParentOf("--odd"))
}
