package amalgamate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openwind/constraintbuilder/internal/spatial"
)

// BufferSpec buffers one imported dataset by a geodesic distance in metres.
type BufferSpec struct {
	JobID    string
	Input    string
	Output   string
	Distance float64
	// Boundary buffers the outline of polygons instead of their interior,
	// for hedgerow-like layers digitised as areas.
	Boundary bool
}

// Buffer publishes the buffered geometries of spec.Input.
func (e *Engine) Buffer(ctx context.Context, st spatial.Store, spec BufferSpec) error {
	if spec.Distance <= 0 {
		return fmt.Errorf("amalgamate: buffer distance must be positive for %s", spec.Output)
	}
	ok, err := st.TableExists(ctx, spec.Input)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("amalgamate: buffer input %s does not exist", spec.Input)
	}

	src := "ST_MakeValid(geom)"
	if spec.Boundary {
		src = "CASE WHEN ST_Dimension(geom) = 2 THEN ST_Boundary(ST_MakeValid(geom)) ELSE ST_MakeValid(geom) END"
	}
	// utility statements cannot take bind parameters, so the distance is formatted in
	dist := strconv.FormatFloat(spec.Distance, 'f', -1, 64)
	if err := st.DropTable(ctx, spec.Output); err != nil {
		return err
	}
	q := fmt.Sprintf(
		`CREATE TABLE %s AS SELECT row_number() OVER () AS id, ST_Buffer((%s)::geography, %s)::geometry AS geom FROM %s WHERE geom IS NOT NULL AND NOT ST_IsEmpty(geom)`,
		spatial.Quote(spec.Output), src, dist, spatial.Quote(spec.Input))
	if err := step(ctx, st, q); err != nil {
		return err
	}
	return index(ctx, st, spec.Output)
}
