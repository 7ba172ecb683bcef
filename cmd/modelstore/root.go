package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noteflow-ai/modelstore"
	"github.com/noteflow-ai/modelstore/config"
)

// rootOpts carries the global flags shared by all subcommands.
type rootOpts struct {
	configPath  string
	storageRoot string
}

// openStore loads configuration, applies flag overrides, and opens the
// store. The caller must Close it.
func (o *rootOpts) openStore() (*modelstore.Store, *zap.Logger, error) {
	cfg, err := config.NewLoader().WithConfigPath(o.configPath).Load()
	if err != nil {
		return nil, nil, err
	}
	if o.storageRoot != "" {
		cfg.Storage.Root = o.storageRoot
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	s, err := modelstore.Open(cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return s, logger, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}

	cmd := &cobra.Command{
		Use:   "modelstore",
		Short: "Manage downloadable on-device model artifacts",
		Long: `modelstore downloads, tracks, and selects large on-device model
artifacts (speech and language models). Installed artifacts survive
restarts; one artifact per family is the active selection. Pause and
resume are embedding-library operations and are driven by the host
application, not by this tool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.storageRoot, "storage-root", "", "override the artifact storage root")

	cmd.AddCommand(
		newListCmd(opts),
		newDownloadCmd(opts),
		newDeleteCmd(opts),
		newSelectCmd(opts),
		newCurrentCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modelstore %s (%s)\n", Version, GitCommit)
		},
	}
}
