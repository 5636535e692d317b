// Package amalgamate implements the grid-decomposed buffer, clip and dissolve
// steps. Geometry work runs inside PostGIS; this package only sequences it
// within a per-job scratch namespace and publishes each result with a single
// CREATE TABLE ... AS SELECT.
package amalgamate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/observability"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// Engine holds the run-wide clip boundary and processing grid tables.
type Engine struct {
	Clip string
	Grid string
}

// Spec describes one amalgamation: N inputs dissolved into Output.
type Spec struct {
	JobID  string
	Inputs []string
	Output string
	// Expected is the number of registered children; a different number of
	// existing inputs is a consistency failure.
	Expected int
}

// Amalgamate runs the five steps for spec on st, which must be a connection
// owned by the calling worker.
func (e *Engine) Amalgamate(ctx context.Context, st spatial.Store, spec Spec) error {
	start := time.Now()
	inputs, err := e.checkChildren(ctx, st, spec)
	if err != nil {
		return err
	}

	sc := newScratch(spec.JobID)
	defer sc.drop(st)

	exploded := sc.table(1)
	if err := explode(ctx, st, exploded, inputs); err != nil {
		return err
	}

	clipped := sc.table(2)
	if err := e.clip(ctx, st, exploded, clipped); err != nil {
		return err
	}

	cells := sc.table(3)
	n, err := e.dissolveByCell(ctx, st, clipped, cells)
	if err != nil {
		return err
	}

	merged := sc.table(4)
	if err := step(ctx, st, fmt.Sprintf(
		`CREATE UNLOGGED TABLE %s AS SELECT (ST_Dump(ST_Union(geom))).geom AS geom FROM %s`,
		spatial.Quote(merged), spatial.Quote(cells))); err != nil {
		return err
	}

	if err := publish(ctx, st, merged, spec.Output); err != nil {
		return err
	}
	observability.DebugContext(ctx, "Amalgamated",
		logfields.Table(spec.Output), slog.Int("inputs", len(inputs)), slog.Int("cells", n),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return nil
}

// checkChildren verifies every registered child has published its table.
func (e *Engine) checkChildren(ctx context.Context, st spatial.Store, spec Spec) ([]string, error) {
	present := make([]string, 0, len(spec.Inputs))
	for _, in := range spec.Inputs {
		ok, err := st.TableExists(ctx, in)
		if err != nil {
			return nil, err
		}
		if ok {
			present = append(present, in)
		}
	}
	if spec.Expected >= 0 && (len(present) != spec.Expected || len(spec.Inputs) != spec.Expected) {
		return nil, cerrors.ChildCountMismatch(spec.Output, spec.Expected, len(present)).
			WithContext("missing", missing(spec.Inputs, present))
	}
	return present, nil
}

func missing(all, present []string) []string {
	have := map[string]bool{}
	for _, p := range present {
		have[p] = true
	}
	var out []string
	for _, a := range all {
		if !have[a] {
			out = append(out, a)
		}
	}
	return out
}

// explode is step 1: single polygons, repaired, indexed.
func explode(ctx context.Context, st spatial.Store, dst string, inputs []string) error {
	selects := make([]string, 0, len(inputs))
	for _, in := range inputs {
		selects = append(selects, fmt.Sprintf(
			`SELECT (ST_Dump(ST_CollectionExtract(ST_MakeValid(geom), 3))).geom AS geom FROM %s WHERE geom IS NOT NULL`,
			spatial.Quote(in)))
	}
	body := strings.Join(selects, " UNION ALL ")
	if len(selects) == 0 {
		body = `SELECT NULL::geometry AS geom WHERE false`
	}
	if err := step(ctx, st, fmt.Sprintf(`CREATE UNLOGGED TABLE %s AS %s`, spatial.Quote(dst), body)); err != nil {
		return err
	}
	return index(ctx, st, dst)
}

// clip is step 2: inside passes through, partial is intersected, outside dropped.
func (e *Engine) clip(ctx context.Context, st spatial.Store, src, dst string) error {
	q := fmt.Sprintf(`CREATE UNLOGGED TABLE %[1]s AS
SELECT s.geom FROM %[2]s s, %[3]s c WHERE ST_Within(s.geom, c.geom)
UNION ALL
SELECT (ST_Dump(ST_CollectionExtract(ST_Intersection(s.geom, c.geom), 3))).geom
FROM %[2]s s, %[3]s c WHERE ST_Intersects(s.geom, c.geom) AND NOT ST_Within(s.geom, c.geom)`,
		spatial.Quote(dst), spatial.Quote(src), spatial.Quote(e.Clip))
	if err := step(ctx, st, q); err != nil {
		return err
	}
	return index(ctx, st, dst)
}

// dissolveByCell is step 3: one bounded union per grid cell touching data.
func (e *Engine) dissolveByCell(ctx context.Context, st spatial.Store, src, dst string) (int, error) {
	if err := step(ctx, st, fmt.Sprintf(`CREATE UNLOGGED TABLE %s (geom geometry)`, spatial.Quote(dst))); err != nil {
		return 0, err
	}
	cells, err := st.QueryInts(ctx, fmt.Sprintf(
		`SELECT g.id FROM %[1]s g WHERE EXISTS (SELECT 1 FROM %[2]s s WHERE ST_Intersects(s.geom, g.geom)) ORDER BY g.id`,
		spatial.Quote(e.Grid), spatial.Quote(src)))
	if err != nil {
		return 0, err
	}
	insert := fmt.Sprintf(
		`INSERT INTO %[1]s (geom) SELECT (ST_Dump(ST_Union(s.geom))).geom FROM %[2]s s, %[3]s g WHERE g.id = $1 AND ST_Intersects(s.geom, g.geom)`,
		spatial.Quote(dst), spatial.Quote(src), spatial.Quote(e.Grid))
	for _, cell := range cells {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := st.Exec(ctx, insert, cell); err != nil {
			return 0, err
		}
	}
	return len(cells), nil
}

// publish is step 5: a single CTAS makes the artifact visible, then it is indexed.
func publish(ctx context.Context, st spatial.Store, src, output string) error {
	if err := st.DropTable(ctx, output); err != nil {
		return err
	}
	if err := step(ctx, st, fmt.Sprintf(
		`CREATE TABLE %s AS SELECT row_number() OVER () AS id, geom::geometry(Polygon, 4326) AS geom FROM %s WHERE NOT ST_IsEmpty(geom)`,
		spatial.Quote(output), spatial.Quote(src))); err != nil {
		return err
	}
	return index(ctx, st, output)
}

func index(ctx context.Context, st spatial.Store, table string) error {
	return step(ctx, st, fmt.Sprintf(`CREATE INDEX ON %s USING GIST (geom)`, spatial.Quote(table)))
}

func step(ctx context.Context, st spatial.Store, q string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return st.Exec(ctx, q)
}
