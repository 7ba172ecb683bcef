package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/noteflow-ai/modelstore"
	"github.com/noteflow-ai/modelstore/types"
)

func newListCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog artifacts and their install state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			defer logger.Sync()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FAMILY\tKEY\tNAME\tSIZE\tSTATE\tCURRENT")
			for _, family := range types.Families() {
				mgr := s.Family(family)
				current, _ := mgr.CurrentKey()
				for _, desc := range s.Catalog().Enumerate(family) {
					state := mgr.State(desc.Key)
					marker := ""
					if desc.Key == current {
						marker = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						family, desc.Key, desc.DisplayName,
						humanize.IBytes(uint64(desc.ExpectedSizeBytes())),
						string(state.Status), marker)
				}
			}
			return w.Flush()
		},
	}
}

func newDownloadCmd(opts *rootOpts) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "download KEY",
		Short: "Download an artifact and wait for it to install",
		Long: `download fetches an artifact and blocks until it is installed.
Interrupting (Ctrl-C) cancels the transfer and removes partial data; a
later download of the same key starts over.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, logger, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			defer logger.Sync()

			if !s.Catalog().Has(key) {
				return fmt.Errorf("unknown artifact %q (see 'modelstore list')", key)
			}
			mgr := s.FamilyOf(key)
			if err := mgr.Download(ctx, key, force); err != nil {
				return err
			}

			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			for {
				state := mgr.State(key)
				if state.Status == types.StatusInstalled {
					fmt.Fprintf(cmd.OutOrStdout(), "\r%s installed\n", key)
					return nil
				}
				// An interrupt wins over whatever the transfer did in the
				// meantime (it shares ctx, so it may already read as
				// failed): stop it and discard partial data, leaving the
				// key free for a fresh download.
				if ctx.Err() != nil {
					if cerr := mgr.Cancel(key); cerr != nil {
						return cerr
					}
					fmt.Fprintf(cmd.OutOrStdout(), "\rdownload of %s cancelled\n", key)
					return nil
				}

				switch state.Status {
				case types.StatusDownloading:
					fmt.Fprintf(cmd.OutOrStdout(), "\rdownloading %s: %3.0f%%", key, state.Progress*100)
				case types.StatusFailed:
					fmt.Fprintln(cmd.OutOrStdout())
					return state.LastError
				default:
					if state.LastError != nil {
						// Policy gate: surface the condition and how to
						// get past it.
						if state.LastError.Code == types.ErrPolicyBlocked {
							return fmt.Errorf("%s (rerun with --force to download on a metered connection)", state.LastError.Message)
						}
						return state.LastError
					}
					return nil
				}

				select {
				case <-ctx.Done():
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "download even on a metered connection")
	return cmd
}

// keyCommand builds the shape shared by delete and select.
func keyCommand(opts *rootOpts, use, short string, run func(*cobra.Command, *modelstore.Store, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " KEY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			defer logger.Sync()
			if !s.Catalog().Has(args[0]) {
				return fmt.Errorf("unknown artifact %q (see 'modelstore list')", args[0])
			}
			return run(cmd, s, args[0])
		},
	}
}

func newDeleteCmd(opts *rootOpts) *cobra.Command {
	return keyCommand(opts, "delete", "Delete an installed artifact",
		func(cmd *cobra.Command, s *modelstore.Store, key string) error {
			return s.FamilyOf(key).Delete(key)
		})
}

func newSelectCmd(opts *rootOpts) *cobra.Command {
	return keyCommand(opts, "select", "Make an installed artifact the family's current selection",
		func(cmd *cobra.Command, s *modelstore.Store, key string) error {
			mgr := s.FamilyOf(key)
			if err := mgr.SelectCurrent(key); err != nil {
				return err
			}
			if current, ok := mgr.CurrentKey(); !ok || current != key {
				return fmt.Errorf("%s is not installed; download it first", key)
			}
			return nil
		})
}

func newCurrentCmd(opts *rootOpts) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the current selection per family",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			defer logger.Sync()

			families := types.Families()
			if family != "" {
				found := false
				for _, f := range families {
					if string(f) == family {
						families = []types.Family{f}
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("unknown family %q", family)
				}
			}
			for _, f := range families {
				path, ok := s.GetCurrentArtifactPath(f)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: (none)\n", f)
					continue
				}
				key, _ := s.Family(f).CurrentKey()
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", f, key, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "restrict output to one family")
	return cmd
}
