// Package config loads the store configuration.
//
// Precedence: built-in defaults, then the YAML file, then MODELSTORE_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/noteflow-ai/modelstore/netpolicy"
)

// Config is the complete store configuration.
type Config struct {
	// Storage holds artifact placement settings.
	Storage StorageConfig `yaml:"storage"`

	// Network gates downloads on link cost.
	Network NetworkConfig `yaml:"network"`

	// Transfer tunes the download primitive.
	Transfer TransferConfig `yaml:"transfer"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// StorageConfig holds artifact placement settings.
type StorageConfig struct {
	// Root is the private storage root; each family gets a directory
	// under it.
	Root string `yaml:"root"`
	// CatalogOverlay optionally points at a YAML file merged over the
	// builtin artifact catalog.
	CatalogOverlay string `yaml:"catalog_overlay"`
}

// NetworkConfig gates downloads on link cost.
type NetworkConfig struct {
	// MeteredThresholdMB is the artifact size above which a metered link
	// requires an explicit override.
	MeteredThresholdMB int64 `yaml:"metered_threshold_mb"`
	// ProbeURL is HEAD-requested to settle reachability.
	ProbeURL string `yaml:"probe_url"`
	// Hint is the operator link classification: auto, metered, offline.
	Hint string `yaml:"hint"`
	// ProbeTimeout bounds the reachability probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// TransferConfig tunes the download primitive.
type TransferConfig struct {
	// MaxConcurrent caps transfers running at once across all families.
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// ProgressInterval is the minimum spacing between progress callbacks.
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// HTTPTimeout bounds connection setup and response headers.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Root: "./models",
		},
		Network: NetworkConfig{
			MeteredThresholdMB: 200,
			ProbeURL:           "https://huggingface.co",
			Hint:               string(netpolicy.HintAuto),
			ProbeTimeout:       5 * time.Second,
		},
		Transfer: TransferConfig{
			MaxConcurrent:    3,
			ProgressInterval: 250 * time.Millisecond,
			HTTPTimeout:      30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects configurations the store cannot run with.
func (c Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root must not be empty")
	}
	if c.Network.MeteredThresholdMB <= 0 {
		return fmt.Errorf("network.metered_threshold_mb must be positive, got %d", c.Network.MeteredThresholdMB)
	}
	if c.Transfer.MaxConcurrent <= 0 {
		return fmt.Errorf("transfer.max_concurrent must be positive, got %d", c.Transfer.MaxConcurrent)
	}
	switch netpolicy.Hint(c.Network.Hint) {
	case netpolicy.HintAuto, netpolicy.HintMetered, netpolicy.HintOffline:
	default:
		return fmt.Errorf("network.hint must be auto, metered, or offline, got %q", c.Network.Hint)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}
