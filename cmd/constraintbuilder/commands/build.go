package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/openwind/constraintbuilder/internal/pipeline"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	ParamFlags `embed:""`

	Regenerate   []string `help:"Rebuild a dataset, parent or group and everything that depends on it" sep:","`
	Purge        string   `help:"Drop cached artifacts before building"`
	SkipDownload bool     `name:"skip-download" help:"Use existing download files only; fail when one is missing"`
	SkipFonts    bool     `name:"skip-fonts" help:"Do not install tile server fonts"`
}

func (b *BuildCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	addr := root.MetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	rec, stopMetrics := startMetrics(addr)
	defer stopMetrics()

	ctx := context.Background()
	pub := openPublisher(ctx, cfg.Events)
	defer func() { _ = pub.Close() }()

	opts := b.options()
	opts.Regenerate = b.Regenerate
	opts.Purge = b.Purge
	opts.SkipDownload = b.SkipDownload
	opts.SkipFonts = b.SkipFonts

	p := pipeline.New(*cfg, pipeline.WithRecorder(rec), pipeline.WithPublisher(pub))
	report, err := p.Run(ctx, opts)
	if report != nil {
		renderSummary(os.Stdout, report)
	}
	if err != nil {
		slog.Error("Build did not complete", slog.Int("exit_code", ExitCode(err)))
	}
	return err
}

// renderSummary prints the per-stage table of a run.
func renderSummary(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Run %s  %s  prefix=%q  bucket=%s\n", r.RunID, r.Parameters, r.Prefix, r.Bucket)
	fmt.Fprintf(w, "Datasets %d, downloaded %d, reused %d, acquisition passes %d, invalidated %d, exported %d\n",
		r.Datasets, r.Downloaded, r.Reused, r.Passes, r.Invalidated, r.Exported)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Stage", "Result", "Run", "Cached", "Duration"})
	for _, stage := range r.Stages {
		run, cached := "", ""
		if c, ok := r.Jobs[stage]; ok {
			run, cached = humanize.Comma(int64(c.Run)), humanize.Comma(int64(c.Cached))
		}
		tw.AppendRow(table.Row{stage, r.StageResults[stage], run, cached, r.StageDurations[stage].Round(time.Millisecond)})
	}
	tw.AppendFooter(table.Row{"", r.Outcome, "", "", r.Duration().Round(time.Second)})
	tw.Render()
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
}
