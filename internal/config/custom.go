package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
)

// CustomConfig is a per-run override document. Every field is optional.
type CustomConfig struct {
	Name        string             `yaml:"name" toml:"name"`
	TipHeight   *float64           `yaml:"tipheight" toml:"tipheight"`
	BladeRadius *float64           `yaml:"bladeradius" toml:"bladeradius"`
	Clipping    []string           `yaml:"clipping" toml:"clipping"`
	Groups      []string           `yaml:"groups" toml:"groups"`
	Datasets    []string           `yaml:"datasets" toml:"datasets"`
	Buffers     map[string]float64 `yaml:"buffers" toml:"buffers"`
}

// LoadCustom reads a custom configuration in YAML or TOML, chosen by file
// extension. The name defaults to the file's base name.
func LoadCustom(path string) (*CustomConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.ConfigNotFound(path)
		}
		return nil, fmt.Errorf("read custom config: %w", err)
	}

	var cc CustomConfig
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &cc); err != nil {
			return nil, cerrors.Wrap(err, cerrors.CategoryConfig, cerrors.SeverityFatal, "invalid custom configuration").
				WithContext("path", path)
		}
	default:
		if err := yaml.Unmarshal(data, &cc); err != nil {
			return nil, cerrors.Wrap(err, cerrors.CategoryConfig, cerrors.SeverityFatal, "invalid custom configuration").
				WithContext("path", path)
		}
	}

	if cc.Name == "" {
		cc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if cc.TipHeight != nil && *cc.TipHeight <= 0 {
		return nil, cerrors.ConfigInvalid("tipheight", "must be positive")
	}
	if cc.BladeRadius != nil && *cc.BladeRadius <= 0 {
		return nil, cerrors.ConfigInvalid("bladeradius", "must be positive")
	}
	for name, v := range cc.Buffers {
		if v < 0 {
			return nil, cerrors.ConfigInvalid("buffers."+name, "buffer cannot be negative")
		}
	}
	return &cc, nil
}

// SelectsDataset reports whether a dataset in group survives the custom
// subset filters. An empty filter selects everything.
func (c *CustomConfig) SelectsDataset(group, dataset string) bool {
	if c == nil {
		return true
	}
	if len(c.Groups) > 0 && !containsFold(c.Groups, group) {
		return false
	}
	if len(c.Datasets) > 0 && !containsFold(c.Datasets, dataset) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
