package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "MODELSTORE_"

// Loader assembles a Config from defaults, an optional YAML file, and
// environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("modelstore.yaml").
//	    Load()
type Loader struct {
	configPath string
}

// NewLoader returns a loader with no config file set.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the YAML file to load. A missing file is an error;
// leave the path empty to run on defaults and environment only.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load resolves the configuration and validates it.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", l.configPath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from MODELSTORE_* variables.
func applyEnv(cfg *Config) error {
	var errs []error

	setString := func(name string, target *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*target = v
		}
	}
	setInt64 := func(name string, target *int64) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*target = n
		}
	}
	setDuration := func(name string, target *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*target = d
		}
	}

	setString("STORAGE_ROOT", &cfg.Storage.Root)
	setString("CATALOG_OVERLAY", &cfg.Storage.CatalogOverlay)
	setInt64("METERED_THRESHOLD_MB", &cfg.Network.MeteredThresholdMB)
	setString("PROBE_URL", &cfg.Network.ProbeURL)
	setString("NETWORK", &cfg.Network.Hint)
	setDuration("PROBE_TIMEOUT", &cfg.Network.ProbeTimeout)
	setInt64("MAX_CONCURRENT", &cfg.Transfer.MaxConcurrent)
	setDuration("PROGRESS_INTERVAL", &cfg.Transfer.ProgressInterval)
	setDuration("HTTP_TIMEOUT", &cfg.Transfer.HTTPTimeout)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}
