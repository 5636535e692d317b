package config

import (
	"path/filepath"
	"time"
)

// Default turbine geometry used when neither the CLI nor a custom
// configuration provides one.
const (
	DefaultTipHeight   = 124.2
	DefaultBladeRadius = 47.5
)

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "1"
	}

	if cfg.Catalog.Timeout <= 0 {
		cfg.Catalog.Timeout = 60 * time.Second
	}
	if cfg.Catalog.RetryMax <= 0 {
		cfg.Catalog.RetryMax = 4
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	if cfg.Paths.BuildDir == "" {
		cfg.Paths.BuildDir = "build"
	}
	if cfg.Paths.DownloadsDir == "" {
		cfg.Paths.DownloadsDir = filepath.Join(cfg.Paths.BuildDir, "downloads")
	}
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = filepath.Join(cfg.Paths.BuildDir, "output")
	}

	b := &cfg.Build
	if b.ChunksPerWorker <= 0 {
		b.ChunksPerWorker = 4
	}
	if b.GridCellSize <= 0 {
		b.GridCellSize = 100000
	}
	if b.PageSize <= 0 {
		b.PageSize = 10000
	}
	if b.RequestsPerSecond <= 0 {
		b.RequestsPerSecond = 5
	}
	if normalized := NormalizeRetryBackoff(string(b.RetryBackoff)); normalized != "" {
		b.RetryBackoff = normalized
	} else {
		b.RetryBackoff = RetryBackoffFixed
	}
	if b.RetryDelay <= 0 {
		b.RetryDelay = 10 * time.Second
	}
	if b.RetryMaxDelay <= 0 {
		b.RetryMaxDelay = 5 * time.Minute
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 5
	}
	if b.ProgressInterval <= 0 {
		b.ProgressInterval = 30 * time.Second
	}

	if cfg.Turbine.TipHeight == 0 {
		cfg.Turbine.TipHeight = DefaultTipHeight
	}
	if cfg.Turbine.BladeRadius == 0 {
		cfg.Turbine.BladeRadius = DefaultBladeRadius
	}

	if cfg.Tools.OGR2OGR == "" {
		cfg.Tools.OGR2OGR = "ogr2ogr"
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "constraintbuilder.events"
	}
	if cfg.Events.KVBucket == "" {
		cfg.Events.KVBucket = "constraintbuilder-status"
	}

	if cfg.Tileserver.Dir == "" {
		cfg.Tileserver.Dir = filepath.Join(cfg.Paths.BuildDir, "tileserver")
	}
}
