package amalgamate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// TableNames returns the clip and grid table names for a clip key (empty
// for the whole territory) and cell size. Neither parses as an artifact.
func TableNames(clipKey string, cellSize float64) (clip, grid string) {
	key := clipKey
	if key == "" {
		key = "territory"
	}
	clip = fitName("clip_area_" + key)
	grid = fitName("processing_grid_" + strconv.FormatFloat(cellSize, 'f', 0, 64) + "_" + key)
	return clip, grid
}

func fitName(name string) string {
	if len(name) <= naming.MaxTableLen {
		return name
	}
	sum := sha1.Sum([]byte(name))
	return name[:naming.MaxTableLen-9] + "_" + hex.EncodeToString(sum[:])[:8]
}

// Prepare creates the clip boundary and processing grid once; existing
// tables are reused across runs.
func Prepare(ctx context.Context, st spatial.Store, clipKey string, boundary orb.MultiPolygon, cellSize float64) (*Engine, error) {
	clipTable, gridTable := TableNames(clipKey, cellSize)
	e := &Engine{Clip: clipTable, Grid: gridTable}

	ok, err := st.TableExists(ctx, clipTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(boundary) == 0 {
			return nil, cerrors.ConfigInvalid("paths.boundaries", "no boundary geometry available for clipping")
		}
		if err := createClip(ctx, st, clipTable, boundary); err != nil {
			return nil, err
		}
		slog.Info("Created clip boundary", logfields.Table(clipTable))
	}

	ok, err = st.TableExists(ctx, gridTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := createGrid(ctx, st, clipTable, gridTable, cellSize); err != nil {
			return nil, err
		}
		cells, err := spatial.RowCount(ctx, st, gridTable)
		if err != nil {
			return nil, err
		}
		slog.Info("Created processing grid", logfields.Table(gridTable), slog.Int64("cells", cells))
	}
	return e, nil
}

func createClip(ctx context.Context, st spatial.Store, table string, boundary orb.MultiPolygon) error {
	raw, err := json.Marshal(geojson.NewGeometry(boundary))
	if err != nil {
		return fmt.Errorf("encode clip boundary: %w", err)
	}
	sc := newScratch("clip_" + table)
	defer sc.drop(st)

	staging := sc.table(1)
	if err := step(ctx, st, fmt.Sprintf(`CREATE UNLOGGED TABLE %s (geom geometry)`, spatial.Quote(staging))); err != nil {
		return err
	}
	if err := st.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (geom) VALUES (ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))`, spatial.Quote(staging)), string(raw)); err != nil {
		return err
	}
	if err := step(ctx, st, fmt.Sprintf(
		`CREATE TABLE %s AS SELECT ST_Multi(ST_CollectionExtract(ST_MakeValid(ST_Union(geom)), 3))::geometry(MultiPolygon, 4326) AS geom FROM %s`,
		spatial.Quote(table), spatial.Quote(staging))); err != nil {
		return err
	}
	return index(ctx, st, table)
}

// createGrid tiles the clip extent with square cells of cellSize metres in
// web mercator, keeping only cells that touch the boundary.
func createGrid(ctx context.Context, st spatial.Store, clipTable, gridTable string, cellSize float64) error {
	size := strconv.FormatFloat(cellSize, 'f', -1, 64)
	q := fmt.Sprintf(`CREATE TABLE %[1]s AS
SELECT row_number() OVER () AS id, ST_Transform(sq.geom, 4326)::geometry(Polygon, 4326) AS geom
FROM %[2]s c, ST_SquareGrid(%[3]s, ST_Transform(c.geom, 3857)) AS sq
WHERE ST_Intersects(sq.geom, ST_Transform(c.geom, 3857))`,
		spatial.Quote(gridTable), spatial.Quote(clipTable), size)
	if err := step(ctx, st, q); err != nil {
		return err
	}
	return index(ctx, st, gridTable)
}
