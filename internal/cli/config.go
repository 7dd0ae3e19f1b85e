package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/resultsync/internal/coordinator"
	"github.com/roach88/resultsync/internal/query"
	"github.com/roach88/resultsync/internal/store"
)

// Config is the listsync configuration file.
//
// Example:
//
//	model_dir: ./models
//	store:
//	  type: durable
//	  model: todo
//	  app: groceries
//	fetch:
//	  entity: ToDo
//	  sort:
//	    - {attr: position}
type Config struct {
	ModelDir string       `yaml:"model_dir"`
	Store    store.Config `yaml:"store"`

	// Fetch is the default result set for list and watch.
	Fetch query.FetchSpec `yaml:"fetch,omitempty"`
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() Config {
	return Config{
		ModelDir: ".",
		Store:    store.Config{Type: store.TypeDurable},
	}
}

// LoadConfig reads a config file over the defaults. Unknown fields are
// rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Coordinator returns the part of the config coordinator.Open needs.
func (c Config) Coordinator() coordinator.Config {
	return coordinator.Config{ModelDir: c.ModelDir, Store: c.Store}
}

// resolveConfig loads the config file named by --config, if any, and
// applies the store flags on top.
func resolveConfig(opts *RootOptions) (Config, error) {
	cfg := DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = LoadConfig(opts.ConfigPath)
		if err != nil {
			return Config{}, err
		}
	}

	if opts.StoreType != "" {
		cfg.Store.Type = store.Type(opts.StoreType)
	}
	if opts.ModelDir != "" {
		cfg.ModelDir = opts.ModelDir
	}
	if opts.Model != "" {
		cfg.Store.ModelName = opts.Model
	}
	if opts.BaseDir != "" {
		cfg.Store.BaseDir = opts.BaseDir
	}

	if err := cfg.Store.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid store config: %w", err)
	}
	return cfg, nil
}

// openCoordinator resolves the config and opens a coordinator with its
// store attached.
func openCoordinator(opts *RootOptions) (*coordinator.Coordinator, Config, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, Config{}, WrapExitError(ExitCommandError, "configuration error", err)
	}
	coord, err := coordinator.Open(cfg.Coordinator())
	if err != nil {
		if coord != nil {
			coord.Close()
		}
		return nil, Config{}, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return coord, cfg, nil
}
