package amalgamate

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwind/constraintbuilder/internal/spatial"
)

// openTestStore connects to the PostGIS database named by
// CONSTRAINTBUILDER_TEST_DSN or skips the test.
func openTestStore(t *testing.T) (*spatial.DB, *spatial.Conn) {
	t.Helper()
	dsn := os.Getenv("CONSTRAINTBUILDER_TEST_DSN")
	if dsn == "" {
		t.Skip("CONSTRAINTBUILDER_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := spatial.OpenDSN(ctx, dsn)
	require.NoError(t, err)
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = db.Close()
	})
	return db, conn
}

// Grid decomposition must not change the dissolved result, only its memory profile.
func TestGridDissolveMatchesSingleDissolve(t *testing.T) {
	_, st := openTestStore(t)
	ctx := context.Background()

	const input = "itest_overlaps__raw__any"
	tables := []string{input, "itest_overlaps__pro__any", "clip_area_itest", "processing_grid_20000_itest"}
	for _, tb := range tables {
		require.NoError(t, st.DropTable(ctx, tb))
	}
	t.Cleanup(func() {
		for _, tb := range tables {
			_ = st.DropTable(context.Background(), tb)
		}
	})

	// overlapping squares straddling many 20km cells around (0.5, 51.5)
	require.NoError(t, st.Exec(ctx, `CREATE TABLE `+spatial.Quote(input)+` AS
SELECT ST_SetSRID(ST_MakeEnvelope(x, 51.0 + x / 4, x + 0.35, 51.35 + x / 4), 4326) AS geom
FROM generate_series(0.0, 1.0, 0.2) AS x`))

	boundary := orb.MultiPolygon{{{{-1, 50}, {3, 50}, {3, 53}, {-1, 53}, {-1, 50}}}}
	e, err := Prepare(ctx, st, "itest", boundary, 20000)
	require.NoError(t, err)

	require.NoError(t, e.Amalgamate(ctx, st, Spec{
		JobID: "itest", Inputs: []string{input}, Output: "itest_overlaps__pro__any", Expected: 1,
	}))

	gridCount, err := spatial.RowCount(ctx, st, "itest_overlaps__pro__any")
	require.NoError(t, err)
	directCount, err := st.QueryInt(ctx, `SELECT count(*) FROM (SELECT (ST_Dump(ST_Union(geom))).geom FROM `+spatial.Quote(input)+`) d`)
	require.NoError(t, err)
	assert.Equal(t, directCount, gridCount)

	// areas in square metres to avoid float noise from degrees
	gridArea, err := st.QueryInt(ctx, `SELECT round(sum(ST_Area(geom::geography)))::bigint FROM "itest_overlaps__pro__any"`)
	require.NoError(t, err)
	directArea, err := st.QueryInt(ctx, `SELECT round(ST_Area(ST_Union(geom)::geography))::bigint FROM `+spatial.Quote(input))
	require.NoError(t, err)
	assert.LessOrEqual(t, math.Abs(float64(gridArea-directArea)), float64(directArea)*1e-6)
}
