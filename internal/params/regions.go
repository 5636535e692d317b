package params

import (
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/naming"
)

// Region kinds in the boundaries file. Anything that is not a country is a sub-area.
const KindCountry = "country"

// Region is one named boundary.
type Region struct {
	Name     string
	Kind     string
	Geometry orb.Geometry
}

// ClipArea is a resolved clip name. Country is the containing country for
// sub-areas and the region itself for countries.
type ClipArea struct {
	Name     string
	Key      string
	Country  string
	Geometry orb.Geometry
}

// RegionIndex resolves clip names against a boundaries feature collection
// whose features carry "name" and "type" properties.
type RegionIndex struct {
	regions   []Region
	byKey     map[string]int
	countries []int
}

// LoadRegions reads a boundaries GeoJSON file.
func LoadRegions(path string) (*RegionIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CategoryConfig, cerrors.SeverityFatal, "cannot read boundaries file").
			WithContext("path", path)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CategoryConfig, cerrors.SeverityFatal, "invalid boundaries file").
			WithContext("path", path)
	}
	return NewRegionIndex(fc)
}

// NewRegionIndex indexes polygonal features by normalized name.
func NewRegionIndex(fc *geojson.FeatureCollection) (*RegionIndex, error) {
	ri := &RegionIndex{byKey: map[string]int{}}
	for _, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		if name == "" {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("boundary %q is not polygonal", name)
		}
		kind := strings.ToLower(f.Properties.MustString("type", KindCountry))
		key := naming.NormalizeCore(name)
		if _, dup := ri.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate boundary %q", name)
		}
		ri.byKey[key] = len(ri.regions)
		if kind == KindCountry {
			ri.countries = append(ri.countries, len(ri.regions))
		}
		ri.regions = append(ri.regions, Region{Name: name, Kind: kind, Geometry: f.Geometry})
	}
	return ri, nil
}

// Resolve maps a clip name to its region, computing the containing country of
// sub-areas from the centroid.
func (ri *RegionIndex) Resolve(name string) (ClipArea, error) {
	key := naming.NormalizeCore(name)
	idx, ok := ri.byKey[key]
	if !ok || key == "" {
		return ClipArea{}, cerrors.ClipAreaUnresolved(name)
	}
	r := ri.regions[idx]
	area := ClipArea{Name: r.Name, Key: key, Geometry: r.Geometry}
	if r.Kind == KindCountry {
		area.Country = r.Name
		return area, nil
	}
	country, ok := ri.containing(r.Geometry)
	if !ok {
		return ClipArea{}, cerrors.ClipAreaUnresolved(name).
			WithContext("reason", "no country contains this area")
	}
	area.Country = country
	return area, nil
}

func (ri *RegionIndex) containing(g orb.Geometry) (string, bool) {
	centroid, _ := planar.CentroidArea(g)
	for _, idx := range ri.countries {
		c := ri.regions[idx]
		if !c.Geometry.Bound().Contains(centroid) {
			continue
		}
		switch cg := c.Geometry.(type) {
		case orb.Polygon:
			if planar.PolygonContains(cg, centroid) {
				return c.Name, true
			}
		case orb.MultiPolygon:
			if planar.MultiPolygonContains(cg, centroid) {
				return c.Name, true
			}
		}
	}
	return "", false
}

// Territory returns the union extent of all countries, used when no clip is given.
func (ri *RegionIndex) Territory() orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, idx := range ri.countries {
		switch g := ri.regions[idx].Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		}
	}
	return mp
}

// ClipGeometry returns the clip areas as one multipolygon, or the whole
// territory when no clip is set.
func (p BuildParameters) ClipGeometry(ri *RegionIndex) orb.MultiPolygon {
	if len(p.Clip) == 0 {
		if ri == nil {
			return nil
		}
		return ri.Territory()
	}
	var mp orb.MultiPolygon
	for _, c := range p.Clip {
		switch g := c.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		}
	}
	return mp
}
