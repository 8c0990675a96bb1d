package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gogpu/gputypes"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML configuration of a run. Flags that are set on
// the command line override it.
type fileConfig struct {
	Input      string  `yaml:"input"`
	Out        string  `yaml:"out"`
	Levels     int     `yaml:"levels"`
	GaussGroup int     `yaml:"gauss_group"`
	Format     string  `yaml:"format"`
	Sigma0     float64 `yaml:"sigma0"`
	Scales     int     `yaml:"scales"`
	MaxSpan    int     `yaml:"max_span"`
	Octave     int     `yaml:"octave"`
	SPIRV      string  `yaml:"spirv"`

	Device deviceConfig `yaml:"device"`
}

type deviceConfig struct {
	MemoryLimitMB    int64 `yaml:"memory_limit_mb"`
	Workers          int   `yaml:"workers"`
	CheckAfterLaunch bool  `yaml:"check_after_launch"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Out:        "pyramid",
		Levels:     6,
		GaussGroup: 1,
		Format:     "float",
		Sigma0:     1.6,
		Scales:     3,
	}
}

// loadFileConfig reads path over the defaults.
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// textureFormat maps the format name of a config to a sample format.
func textureFormat(name string) (gputypes.TextureFormat, error) {
	switch name {
	case "float", "r32float":
		return gputypes.TextureFormatR32Float, nil
	case "unorm8", "r8unorm":
		return gputypes.TextureFormatR8Unorm, nil
	default:
		return 0, fmt.Errorf("unknown format %q (want float or unorm8)", name)
	}
}
