// Package config loads the constraint builder's YAML configuration and the
// optional per-run custom configuration documents.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
)

// Config is the top-level configuration for a constraint build.
type Config struct {
	Version    string           `yaml:"version"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Database   DatabaseConfig   `yaml:"database"`
	Paths      PathsConfig      `yaml:"paths"`
	Build      BuildConfig      `yaml:"build"`
	Turbine    TurbineConfig    `yaml:"turbine"`
	Tools      ToolsConfig      `yaml:"tools"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tileserver TileserverConfig `yaml:"tileserver"`
}

// CatalogConfig points at the CKAN-style dataset catalog.
type CatalogConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"` // per-request retries inside the HTTP client
}

// DatabaseConfig describes the PostGIS spatial store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// PathsConfig holds the on-disk layout.
type PathsConfig struct {
	BuildDir     string `yaml:"build_dir"`     // markers, stop file, structure snapshot
	DownloadsDir string `yaml:"downloads_dir"` // acquired source files
	OutputDir    string `yaml:"output_dir"`    // exported layers and latest aliases
	Boundaries   string `yaml:"boundaries"`    // GeoJSON of supported regions
}

// BuildConfig tunes the scheduler and acquisition loops.
type BuildConfig struct {
	Workers           int              `yaml:"workers"`           // 0 means runtime.NumCPU()
	ChunksPerWorker   int              `yaml:"chunks_per_worker"` // job chunks dealt per worker
	GridCellSize      float64          `yaml:"grid_cell_size"`    // metres, web mercator
	PageSize          int              `yaml:"page_size"`         // initial WFS page size
	RequestsPerSecond float64          `yaml:"requests_per_second"`
	RetryBackoff      RetryBackoffMode `yaml:"retry_backoff"`
	RetryDelay        time.Duration    `yaml:"retry_delay"`
	RetryMaxDelay     time.Duration    `yaml:"retry_max_delay"`
	MaxRetries        int              `yaml:"max_retries"`
	ProgressInterval  time.Duration    `yaml:"progress_interval"`
}

// TurbineConfig holds the default turbine geometry.
type TurbineConfig struct {
	TipHeight   float64 `yaml:"tip_height"`
	BladeRadius float64 `yaml:"blade_radius"`
}

// ToolsConfig locates external binaries.
type ToolsConfig struct {
	OGR2OGR string `yaml:"ogr2ogr"`
}

// EventsConfig enables build event publishing over NATS when URL is set.
type EventsConfig struct {
	NATSURL  string `yaml:"nats_url"`
	Subject  string `yaml:"subject"`
	KVBucket string `yaml:"kv_bucket"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TileserverConfig describes where tile server assets are installed.
type TileserverConfig struct {
	Dir      string `yaml:"dir"`
	FontsURL string `yaml:"fonts_url"`
}

// DSN returns a lib/pq keyword/value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		quoteDSN(d.Host), d.Port, quoteDSN(d.Name), quoteDSN(d.User), quoteDSN(d.Password), quoteDSN(d.SSLMode))
}

func quoteDSN(v string) string {
	if v == "" {
		return "''"
	}
	needs := false
	for _, r := range v {
		if r == ' ' || r == '\'' || r == '\\' {
			needs = true
			break
		}
	}
	if !needs {
		return v
	}
	out := []rune{'\''}
	for _, r := range v {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(append(out, '\''))
}

// Load reads a configuration file, expanding ${VAR} references from the
// environment (after loading .env files), then applies defaults and validates.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, cerrors.ConfigNotFound(configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes, applying env expansion, defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CategoryConfig, cerrors.SeverityFatal, "failed to unmarshal config")
	}
	if cfg.Version != "" && cfg.Version != "1" {
		return nil, cerrors.ConfigInvalid("version", fmt.Sprintf("unsupported configuration version %q (expected 1)", cfg.Version))
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
