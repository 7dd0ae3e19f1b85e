package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Type selects a store backend.
type Type string

const (
	TypeDurable Type = "durable"
	TypeBinary  Type = "binary"
	TypeMemory  Type = "memory"
)

// DefaultAppName is the directory used when Config.AppName is empty.
const DefaultAppName = "default"

// Options control how a file store written by an older schema or a
// different model is treated on open. Memory stores ignore them.
type Options struct {
	// AutoMigrate upgrades a store written by an older schema version.
	// When false such a store fails to open.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`

	// AutoInferMapping adapts rows written under a different model: unknown
	// attributes are dropped and declared defaults filled in.
	// When false a model mismatch fails to open.
	AutoInferMapping bool `yaml:"auto_infer_mapping" json:"auto_infer_mapping"`
}

// DefaultOptions returns the options file stores open with unless the
// caller overrides them.
func DefaultOptions() Options {
	return Options{AutoMigrate: true, AutoInferMapping: true}
}

// Config describes which store to open.
//
// The backing file lives at
//
//	<BaseDir>/<AppName>/<ModelName>.<ext>
//
// with ext "sqlite" for durable stores and "binstore" for binary stores.
type Config struct {
	Type      Type   `yaml:"type" json:"type"`
	ModelName string `yaml:"model" json:"model"`
	AppName   string `yaml:"app,omitempty" json:"app,omitempty"`

	// BaseDir defaults to os.UserConfigDir(), falling back to os.TempDir().
	BaseDir string `yaml:"base_dir,omitempty" json:"base_dir,omitempty"`

	// Options is nil to use DefaultOptions.
	Options *Options `yaml:"options,omitempty" json:"options,omitempty"`
}

// withDefaults fills in the app name, base dir and options.
func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = TypeDurable
	}
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.BaseDir == "" && c.Type != TypeMemory {
		c.BaseDir = defaultBaseDir()
	}
	if c.Type == TypeMemory {
		c.Options = nil
	} else if c.Options == nil {
		opts := DefaultOptions()
		c.Options = &opts
	}
	return c
}

func defaultBaseDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return dir
	}
	return os.TempDir()
}

// Validate reports configuration errors that would prevent an open.
func (c Config) Validate() error {
	switch c.Type {
	case "", TypeDurable, TypeBinary, TypeMemory:
	default:
		return fmt.Errorf("unknown store type %q", c.Type)
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name is required")
	}
	if filepath.Base(c.ModelName) != c.ModelName {
		return fmt.Errorf("model name %q must not contain a path", c.ModelName)
	}
	return nil
}

// Path returns the backing file path, or "" for memory stores.
func (c Config) Path() string {
	c = c.withDefaults()
	var ext string
	switch c.Type {
	case TypeDurable:
		ext = "sqlite"
	case TypeBinary:
		ext = "binstore"
	default:
		return ""
	}
	return filepath.Join(c.BaseDir, c.AppName, c.ModelName+"."+ext)
}

// EffectiveOptions returns the options the store opens with, nil for
// memory stores.
func (c Config) EffectiveOptions() *Options {
	return c.withDefaults().Options
}
