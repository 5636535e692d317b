package catalog

import (
	"strings"
)

// Format is an acquisition format, ordered by preference.
type Format int

const (
	FormatUnknown Format = iota
	FormatGPKG
	FormatWFS
	FormatArcGIS
	FormatGeoJSON
	FormatKML
	FormatKMZ
	FormatShapefile
	FormatOSM
)

var formatNames = map[Format]string{
	FormatGPKG:      "gpkg",
	FormatWFS:       "wfs",
	FormatArcGIS:    "arcgis",
	FormatGeoJSON:   "geojson",
	FormatKML:       "kml",
	FormatKMZ:       "kmz",
	FormatShapefile: "shp",
	FormatOSM:       "osm",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return "unknown"
}

// ParseFormat maps a catalog resource format label to a Format.
func ParseFormat(label string) Format {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "gpkg", "geopackage":
		return FormatGPKG
	case "wfs":
		return FormatWFS
	case "arcgis geoservices rest api", "esri rest", "arcgis":
		return FormatArcGIS
	case "geojson":
		return FormatGeoJSON
	case "kml":
		return FormatKML
	case "kmz":
		return FormatKMZ
	case "shp", "shapefile", "zip", "esri shapefile":
		return FormatShapefile
	case "osm export", "osm-export", "osm":
		return FormatOSM
	default:
		return FormatUnknown
	}
}

// Source is the chosen acquisition descriptor of a dataset.
type Source struct {
	Format Format
	URL    string
	Layer  string
}

// Entry is one catalog dataset after format selection.
type Entry struct {
	ID             string
	Title          string
	Group          string
	Parent         string // empty when the dataset sits directly in its group
	Source         Source
	Buffer         Formula
	BoundaryBuffer bool // buffer the outline instead of the filled polygon
	Style          map[string]string
}

// Group is a catalog group.
type Group struct {
	Name  string
	Title string
}

// ParentOf derives the parent name from a "parent--child" dataset id.
func ParentOf(id string) string {
	if i := strings.Index(id, "--"); i > 0 {
		return id[:i]
	}
	return ""
}

// Resource is one downloadable representation of a package.
type Resource struct {
	Format string `json:"format"`
	URL    string `json:"url"`
	Name   string `json:"name"`
}

// bestSource picks the highest-priority resource.
func bestSource(resources []Resource, layer string) (Source, bool) {
	best := Source{}
	for _, r := range resources {
		f := ParseFormat(r.Format)
		if f == FormatUnknown || r.URL == "" {
			continue
		}
		if best.Format == FormatUnknown || f < best.Format {
			best = Source{Format: f, URL: r.URL, Layer: layer}
		}
	}
	return best, best.Format != FormatUnknown
}
