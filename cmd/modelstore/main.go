// Command modelstore manages on-device model artifacts from the terminal:
// listing the catalog, downloading, pausing, resuming, cancelling,
// deleting, and selecting the active model per family.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/noteflow-ai/modelstore/config"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	// Keep human-facing command output on stdout, diagnostics on stderr.
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}
