package amalgamate

import (
	"context"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

func testEngine() *Engine {
	return &Engine{Clip: "clip_area_territory", Grid: "processing_grid_100000_territory"}
}

func countContaining(stmts []string, sub string) int {
	n := 0
	for _, s := range stmts {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

func TestAmalgamateStatementSequence(t *testing.T) {
	st := spatial.NewMockStore("ramsar_sites__pro__any", "sssi__pro__b60__th120_br40")
	st.QueryIntsFunc = func(string, ...any) ([]int64, error) { return []int64{3, 7, 11}, nil }

	err := testEngine().Amalgamate(context.Background(), st, Spec{
		JobID:    "fin-ecology",
		Inputs:   []string{"ramsar_sites__pro__any", "sssi__pro__b60__th120_br40"},
		Output:   "ecology__fin__th120_br40",
		Expected: 2,
	})
	require.NoError(t, err)

	stmts := st.Statements()
	require.NotEmpty(t, stmts)

	explode := stmts[0]
	assert.True(t, strings.HasPrefix(explode, `CREATE UNLOGGED TABLE "scratch_1_fin_ecology"`), explode)
	assert.Equal(t, 1, strings.Count(explode, "UNION ALL"))
	assert.Contains(t, explode, "ST_MakeValid")

	assert.Equal(t, 1, countContaining(stmts, `CREATE UNLOGGED TABLE "scratch_2_fin_ecology"`))
	assert.Equal(t, 3, countContaining(stmts, `INSERT INTO "scratch_3_fin_ecology"`), "one union per touched cell")
	assert.Equal(t, 1, countContaining(stmts, `CREATE TABLE "ecology__fin__th120_br40" AS SELECT row_number()`))

	// publish happens after the per-cell loop and the final union
	var publishAt, lastInsert, mergeAt int
	for i, s := range stmts {
		switch {
		case strings.HasPrefix(s, `INSERT INTO "scratch_3`):
			lastInsert = i
		case strings.HasPrefix(s, `CREATE UNLOGGED TABLE "scratch_4`):
			mergeAt = i
		case strings.HasPrefix(s, `CREATE TABLE "ecology__fin`):
			publishAt = i
		}
	}
	assert.Less(t, lastInsert, mergeAt)
	assert.Less(t, mergeAt, publishAt)

	assert.True(t, st.Has("ecology__fin__th120_br40"))
	for n := 1; n <= 4; n++ {
		assert.False(t, st.Has("scratch_"+string(rune('0'+n))+"_fin_ecology"), "scratch %d dropped", n)
	}
}

func TestAmalgamateEmptyInputPublishesEmptyTable(t *testing.T) {
	st := spatial.NewMockStore("empty__raw__any")

	err := testEngine().Amalgamate(context.Background(), st, Spec{
		JobID: "pro-empty", Inputs: []string{"empty__raw__any"}, Output: "empty__pro__any", Expected: 1,
	})
	require.NoError(t, err)
	assert.True(t, st.Has("empty__pro__any"))
	assert.Equal(t, 0, countContaining(st.Statements(), "INSERT INTO"))
}

func TestAmalgamateChildCountMismatch(t *testing.T) {
	st := spatial.NewMockStore("parks__national__pro__any")

	err := testEngine().Amalgamate(context.Background(), st, Spec{
		JobID:    "fin-parks",
		Inputs:   []string{"parks__national__pro__any", "parks__regional__pro__any"},
		Output:   "parks__fin__any",
		Expected: 2,
	})
	require.Error(t, err)
	pe, ok := cerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, cerrors.CategoryConsistency, pe.Category)
	assert.Equal(t, []string{"parks__regional__pro__any"}, pe.Context["missing"])
	assert.Equal(t, 0, st.Calls().Exec, "nothing is written")
	assert.False(t, st.Has("parks__fin__any"))
}

func TestAmalgamateCleansUpOnFailure(t *testing.T) {
	st := spatial.NewMockStore("a__pro__any")
	st.QueryIntsFunc = func(string, ...any) ([]int64, error) { return []int64{1}, nil }
	st.FailOn = "INSERT INTO"

	err := testEngine().Amalgamate(context.Background(), st, Spec{
		JobID: "x", Inputs: []string{"a__pro__any"}, Output: "a__fin__any", Expected: 1,
	})
	require.Error(t, err)
	assert.False(t, st.Has("a__fin__any"))
	tables, _ := st.ListTables(context.Background())
	assert.Equal(t, []string{"a__pro__any"}, tables)
}

func TestBuffer(t *testing.T) {
	st := spatial.NewMockStore("hedgerows__raw__any")

	err := testEngine().Buffer(context.Background(), st, BufferSpec{
		JobID: "buf-hedgerows", Input: "hedgerows__raw__any", Output: "hedgerows__buf__b57p5__th120_br47p5",
		Distance: 57.5, Boundary: true,
	})
	require.NoError(t, err)

	stmts := st.Statements()
	create := stmts[len(stmts)-2]
	assert.Contains(t, create, "ST_Buffer(")
	assert.Contains(t, create, "::geography, 57.5)")
	assert.Contains(t, create, "ST_Boundary(")
	assert.True(t, st.Has("hedgerows__buf__b57p5__th120_br47p5"))

	plain := spatial.NewMockStore("sssi__raw__any")
	require.NoError(t, testEngine().Buffer(context.Background(), plain, BufferSpec{
		JobID: "b", Input: "sssi__raw__any", Output: "sssi__buf__b60__th120_br40", Distance: 60,
	}))
	assert.Equal(t, 0, countContaining(plain.Statements(), "ST_Boundary"))

	assert.Error(t, testEngine().Buffer(context.Background(), plain, BufferSpec{Input: "missing", Output: "o", Distance: 1}))
	assert.Error(t, testEngine().Buffer(context.Background(), plain, BufferSpec{Input: "sssi__raw__any", Output: "o", Distance: 0}))
}

func TestPrepareCreatesOnce(t *testing.T) {
	st := spatial.NewMockStore()
	boundary := orb.MultiPolygon{{{{-3, 50}, {0, 50}, {0, 53}, {-3, 53}, {-3, 50}}}}

	e, err := Prepare(context.Background(), st, "cornwall", boundary, 50000)
	require.NoError(t, err)
	assert.Equal(t, "clip_area_cornwall", e.Clip)
	assert.Equal(t, "processing_grid_50000_cornwall", e.Grid)
	assert.True(t, st.Has(e.Clip))
	assert.True(t, st.Has(e.Grid))
	assert.Equal(t, 1, countContaining(st.Statements(), "ST_SquareGrid(50000,"))

	st.Reset()
	_, err = Prepare(context.Background(), st, "cornwall", boundary, 50000)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Calls().Exec, "existing clip and grid are reused")

	_, err = Prepare(context.Background(), spatial.NewMockStore(), "", nil, 50000)
	assert.Error(t, err)
}

func TestTableNames(t *testing.T) {
	clip, grid := TableNames("", 100000)
	assert.Equal(t, "clip_area_territory", clip)
	assert.Equal(t, "processing_grid_100000_territory", grid)

	longClip, longGrid := TableNames(strings.Repeat("x", 80), 100000)
	assert.LessOrEqual(t, len(longClip), 63)
	assert.LessOrEqual(t, len(longGrid), 63)
}
