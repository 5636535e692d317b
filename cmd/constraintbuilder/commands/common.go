package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/events"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/pipeline"
)

// ExitStopped is the exit code of a build stopped on request.
const ExitStopped = 2

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config      string           `short:"c" help:"Configuration file path" default:"constraintbuilder.yaml"`
	Verbose     bool             `short:"v" help:"Enable verbose logging"`
	MetricsAddr string           `name:"metrics-addr" help:"Serve Prometheus metrics on this address (overrides metrics.listen)"`
	Version     kong.VersionFlag `name:"version" help:"Show version and exit"`

	Build BuildCmd `cmd:"" help:"Build constraint layers for a turbine geometry"`
	Names NamesCmd `cmd:"" help:"Print the canonical table and file names for a turbine geometry"`
}

// AfterApply runs after flag parsing; setup logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(c.Verbose)}))
	slog.SetDefault(logger)
	return nil
}

// parseLogLevel honours --verbose first, then CONSTRAINTBUILDER_LOG_LEVEL.
func parseLogLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(os.Getenv("CONSTRAINTBUILDER_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if errors.Is(err, pipeline.ErrStopped) {
		return ExitStopped
	}
	return cerrors.NewCLIErrorAdapter(false, nil).ExitCodeFor(err)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// startMetrics serves the Prometheus registry when an address is configured.
// The returned stop function is always safe to call.
func startMetrics(addr string) (metrics.Recorder, func()) {
	if addr == "" {
		return metrics.NoopRecorder{}, func() {}
	}
	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	srv := &http.Server{Addr: addr, Handler: metrics.HTTPHandler(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Metrics server stopped", logfields.Error(err))
		}
	}()
	slog.Info("Serving metrics", slog.String("addr", addr))
	return rec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// openPublisher connects to NATS when configured. Events are advisory, so a
// failed connection only logs.
func openPublisher(ctx context.Context, cfg config.EventsConfig) events.Publisher {
	if cfg.NATSURL == "" {
		return events.NoopPublisher{}
	}
	pub, err := events.NewNATSPublisher(ctx, cfg)
	if err != nil {
		slog.Warn("Build events disabled", logfields.URL(cfg.NATSURL), logfields.Error(err))
		return events.NoopPublisher{}
	}
	return pub
}

// ParamFlags are the turbine and area parameters shared by build and names.
type ParamFlags struct {
	TipHeight   string `arg:"" optional:"" name:"tip-height" help:"Turbine height to tip in metres (default from config)"`
	BladeRadius string `arg:"" optional:"" name:"blade-radius" help:"Turbine blade radius in metres (default from config)"`
	Custom      string `help:"Custom configuration file (YAML or TOML)" type:"existingfile"`
	Clip        string `help:"Clip to named regions, separated by ';' or ','"`
}

func (f ParamFlags) options() pipeline.Options {
	return pipeline.Options{
		TipHeight:   f.TipHeight,
		BladeRadius: f.BladeRadius,
		Clip:        f.Clip,
		CustomPath:  f.Custom,
	}
}
