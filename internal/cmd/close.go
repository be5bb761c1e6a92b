package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/output"
	"github.com/karimyoussef91/privateer/internal/vmm"
)

var (
	closeMetaFlag     string
	closeStashFlag    string
	closeCompressFlag bool
)

func addCloseCommand(parent *cobra.Command) {
	c := &cobra.Command{
		Use:   "close",
		Short: "Sync a region and release its resources",
		Long: `Close opens the version directory just long enough to sync outstanding
dirty and stashed blocks and release the fault transport. Useful for
recovering a region left in an inconsistent state by an ungracefully
terminated --serve session.`,
		Args: cobra.NoArgs,
		RunE: runClose,
	}

	flags := c.Flags()
	flags.StringVar(&closeMetaFlag, "meta", "", "Version metadata directory (required)")
	flags.StringVar(&closeStashFlag, "stash", "", "Stash directory for dirty-block overflow (required)")
	flags.BoolVar(&closeCompressFlag, "compress", false, "Must match the --compress the region was created with")
	_ = c.MarkFlagRequired("meta")
	_ = c.MarkFlagRequired("stash")

	parent.AddCommand(c)
}

func runClose(cmd *cobra.Command, args []string) error {
	m, err := vmm.Open(vmm.OpenConfig{
		MetaPath:  closeMetaFlag,
		StashPath: closeStashFlag,
		Compress:  closeCompressFlag,
		Logger:    log.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := m.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if !output.IsQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), "closed")
	}
	return nil
}
