package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/output"
	"github.com/karimyoussef91/privateer/internal/vmm"
)

var (
	syncMetaFlag     string
	syncStashFlag    string
	syncCompressFlag bool
)

func addSyncCommand(parent *cobra.Command) {
	c := &cobra.Command{
		Use:   "sync",
		Short: "Persist dirty and stashed blocks and rewrite version metadata",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}

	flags := c.Flags()
	flags.StringVar(&syncMetaFlag, "meta", "", "Version metadata directory (required)")
	flags.StringVar(&syncStashFlag, "stash", "", "Stash directory for dirty-block overflow (required)")
	flags.BoolVar(&syncCompressFlag, "compress", false, "Must match the --compress the region was created with")
	_ = c.MarkFlagRequired("meta")
	_ = c.MarkFlagRequired("stash")

	parent.AddCommand(c)
}

func runSync(cmd *cobra.Command, args []string) error {
	m, err := vmm.Open(vmm.OpenConfig{
		MetaPath:  syncMetaFlag,
		StashPath: syncStashFlag,
		Compress:  syncCompressFlag,
		Logger:    log.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	defer m.Close()

	if err := m.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if !output.IsQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), "synced")
	}
	return nil
}
