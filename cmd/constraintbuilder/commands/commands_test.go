package commands

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/pipeline"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 1, ExitCode(cerrors.ChildCountMismatch("ecology__fin__any", 3, 2)))
	assert.Equal(t, ExitStopped, ExitCode(fmt.Errorf("%w: stop file present", pipeline.ErrStopped)))
	assert.Equal(t, ExitStopped, ExitCode(&pipeline.StageError{Kind: pipeline.StageErrorStopped, Stage: pipeline.StageImport, Err: pipeline.ErrStopped}))
}

func TestParseLogLevel(t *testing.T) {
	t.Setenv("CONSTRAINTBUILDER_LOG_LEVEL", "warn")
	assert.Equal(t, slog.LevelWarn, parseLogLevel(false))
	assert.Equal(t, slog.LevelDebug, parseLogLevel(true))
	t.Setenv("CONSTRAINTBUILDER_LOG_LEVEL", "")
	assert.Equal(t, slog.LevelInfo, parseLogLevel(false))
}

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"}, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

func TestParseBuildFlags(t *testing.T) {
	cli, ctx := parse(t, "build", "150", "40", "--clip", "Wales;Cornwall", "--regenerate", "ecology,sssi",
		"--purge", "derived", "--skip-download", "--skip-fonts")
	assert.True(t, strings.HasPrefix(ctx.Command(), "build"))
	b := cli.Build
	assert.Equal(t, "150", b.TipHeight)
	assert.Equal(t, "40", b.BladeRadius)
	assert.Equal(t, []string{"ecology", "sssi"}, b.Regenerate)
	assert.Equal(t, "derived", b.Purge)
	assert.True(t, b.SkipDownload)
	assert.True(t, b.SkipFonts)

	opts := b.options()
	assert.Equal(t, "Wales;Cornwall", opts.Clip)
	assert.Equal(t, "150", opts.TipHeight)
}

func TestParseBuildDefaultsToConfiguredTurbine(t *testing.T) {
	cli, ctx := parse(t, "build")
	assert.True(t, strings.HasPrefix(ctx.Command(), "build"))
	assert.Empty(t, cli.Build.TipHeight)
	assert.Empty(t, cli.Build.BladeRadius)
	assert.Equal(t, "constraintbuilder.yaml", cli.Config)
}

func TestRenderSummary(t *testing.T) {
	r := &pipeline.Report{
		RunID:          "run-1",
		Parameters:     "tip-height=150 blade-radius=40",
		Bucket:         "th150_br40",
		Datasets:       4,
		Start:          time.Now().Add(-time.Minute),
		End:            time.Now(),
		Stages:         []pipeline.StageName{pipeline.StageCatalog, pipeline.StageImport},
		StageDurations: map[pipeline.StageName]time.Duration{pipeline.StageImport: 1500 * time.Millisecond},
		StageResults: map[pipeline.StageName]metrics.ResultLabel{
			pipeline.StageCatalog: metrics.ResultSuccess,
			pipeline.StageImport:  metrics.ResultSuccess,
		},
		Jobs:    map[pipeline.StageName]pipeline.JobCounts{pipeline.StageImport: {Run: 1200, Cached: 3}},
		Outcome: metrics.BuildOutcomeSuccess,
	}
	var buf bytes.Buffer
	renderSummary(&buf, r)
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "Datasets 4")
	assert.Contains(t, out, "import")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "1.5s")
	assert.NotContains(t, out, "Error:")
}

func TestRenderNames(t *testing.T) {
	var buf bytes.Buffer
	renderNames(&buf, []pipeline.Name{{
		Node: "ramsar-sites", Kind: "dataset", Stage: "pro", Table: "ramsar_sites__pro__any",
		Files: []string{"ramsar-sites.geojson", "ramsar-sites.gpkg"},
	}})
	assert.Contains(t, buf.String(), "ramsar_sites__pro__any")
	assert.Contains(t, buf.String(), "ramsar-sites.geojson ramsar-sites.gpkg")
}
