package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/output"
	"github.com/karimyoussef91/privateer/internal/vmm"
)

var (
	snapshotMetaFlag     string
	snapshotStashFlag    string
	snapshotDestMetaFlag string
	snapshotCompressFlag bool
)

func addSnapshotCommand(parent *cobra.Command) {
	c := &cobra.Command{
		Use:   "snapshot",
		Short: "Fork a new version directory pointing at the same block store",
		Long: `Snapshot syncs the region and writes a new version directory at
--dest-meta referencing the same content-addressed block store, without
copying block data. Opening --dest-meta later reproduces exactly this
point in time.`,
		Args: cobra.NoArgs,
		RunE: runSnapshot,
	}

	flags := c.Flags()
	flags.StringVar(&snapshotMetaFlag, "meta", "", "Version metadata directory (required)")
	flags.StringVar(&snapshotStashFlag, "stash", "", "Stash directory for dirty-block overflow (required)")
	flags.StringVar(&snapshotDestMetaFlag, "dest-meta", "", "New version metadata directory (required)")
	flags.BoolVar(&snapshotCompressFlag, "compress", false, "Must match the --compress the region was created with")
	_ = c.MarkFlagRequired("meta")
	_ = c.MarkFlagRequired("stash")
	_ = c.MarkFlagRequired("dest-meta")

	parent.AddCommand(c)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	m, err := vmm.Open(vmm.OpenConfig{
		MetaPath:  snapshotMetaFlag,
		StashPath: snapshotStashFlag,
		Compress:  snapshotCompressFlag,
		Logger:    log.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer m.Close()

	if err := m.Snapshot(snapshotDestMetaFlag); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if !output.IsQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot written to %s\n", snapshotDestMetaFlag)
	}
	return nil
}
