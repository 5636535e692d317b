package config

import (
	"net/url"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
)

// Validate reports the first configuration violation found.
func Validate(cfg *Config) error {
	validators := []func(*Config) error{
		validateCatalog,
		validateDatabase,
		validateBuild,
		validateTurbine,
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateCatalog(cfg *Config) error {
	if cfg.Catalog.URL == "" {
		return cerrors.ConfigInvalid("catalog.url", "catalog url is required")
	}
	u, err := url.Parse(cfg.Catalog.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cerrors.ConfigInvalid("catalog.url", "must be an absolute http(s) url")
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if cfg.Database.Name == "" {
		return cerrors.ConfigInvalid("database.name", "database name is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		return cerrors.ConfigInvalid("database.port", "port out of range")
	}
	return nil
}

func validateBuild(cfg *Config) error {
	if cfg.Build.Workers < 0 {
		return cerrors.ConfigInvalid("build.workers", "cannot be negative")
	}
	if cfg.Build.GridCellSize < 1000 {
		return cerrors.ConfigInvalid("build.grid_cell_size", "must be at least 1000 metres")
	}
	return nil
}

func validateTurbine(cfg *Config) error {
	if cfg.Turbine.TipHeight <= 0 {
		return cerrors.ConfigInvalid("turbine.tip_height", "must be positive")
	}
	if cfg.Turbine.BladeRadius <= 0 {
		return cerrors.ConfigInvalid("turbine.blade_radius", "must be positive")
	}
	return nil
}
