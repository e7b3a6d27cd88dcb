// Package config loads named launch configurations from TOML or JSON
// files for embedders that keep their debug targets in a project file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/debugflow/debug/adapters"
)

// LaunchConfig is one named launch entry in a configuration file.
type LaunchConfig struct {
	// Name identifies the entry.
	Name string `json:"name" toml:"name"`

	adapters.Config
}

// File is the on-disk configuration shape.
type File struct {
	// Configurations are the named launch entries.
	Configurations []LaunchConfig `json:"configurations" toml:"configurations"`
}

// Load reads a configuration file, picking the format by extension
// (.toml, .json). Every entry is validated.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var file File
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	for i := range file.Configurations {
		if err := Validate(&file.Configurations[i]); err != nil {
			return nil, fmt.Errorf("configuration %q: %w", file.Configurations[i].Name, err)
		}
	}
	return &file, nil
}

// Find returns the named entry.
func (f *File) Find(name string) (*LaunchConfig, error) {
	for i := range f.Configurations {
		if f.Configurations[i].Name == name {
			return &f.Configurations[i], nil
		}
	}
	return nil, fmt.Errorf("no launch configuration named %q", name)
}

// Validate checks one launch entry: the entry point must be exactly one
// of program and module, and an explicit type must be a known one.
func Validate(lc *LaunchConfig) error {
	if lc.Program == "" && lc.Module == "" {
		return fmt.Errorf("one of program or module is required")
	}
	if lc.Program != "" && lc.Module != "" {
		return fmt.Errorf("program and module are mutually exclusive")
	}

	switch lc.Type {
	case "", adapters.TypePython, adapters.TypeNodeJS:
	default:
		return fmt.Errorf("unknown adapter type %q", lc.Type)
	}

	if lc.Type == "" && lc.Program != "" {
		if _, err := adapters.DetectType(lc.Program); err != nil {
			return err
		}
	}
	if lc.Module != "" && lc.Type != adapters.TypePython {
		return fmt.Errorf("module entries require type = %q", adapters.TypePython)
	}
	return nil
}
