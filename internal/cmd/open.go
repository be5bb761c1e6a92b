package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/output"
	"github.com/karimyoussef91/privateer/internal/vmm"
)

var (
	openMetaFlag     string
	openStashFlag    string
	openWorkersFlag  int
	openCompressFlag bool
	openReadOnlyFlag bool
	openServeFlag    bool
)

func addOpenCommand(parent *cobra.Command) {
	c := &cobra.Command{
		Use:   "open",
		Short: "Reopen an existing region from its version directory",
		Args:  cobra.NoArgs,
		RunE:  runOpen,
	}

	flags := c.Flags()
	flags.StringVar(&openMetaFlag, "meta", "", "Version metadata directory (required)")
	flags.StringVar(&openStashFlag, "stash", "", "Stash directory for dirty-block overflow (required)")
	flags.IntVar(&openWorkersFlag, "workers", 0, "Handler pool size (0 = default)")
	flags.BoolVar(&openCompressFlag, "compress", false, "Expect gzip-compressed committed blocks")
	flags.BoolVar(&openReadOnlyFlag, "read-only", false, "Open the region read-only")
	flags.BoolVar(&openServeFlag, "serve", true, "Keep serving page faults until interrupted")

	_ = c.MarkFlagRequired("meta")
	_ = c.MarkFlagRequired("stash")

	parent.AddCommand(c)
}

func runOpen(cmd *cobra.Command, args []string) error {
	m, err := vmm.Open(vmm.OpenConfig{
		MetaPath:  openMetaFlag,
		StashPath: openStashFlag,
		ReadOnly:  openReadOnlyFlag,
		Workers:   openWorkersFlag,
		Compress:  openCompressFlag,
		Logger:    log.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	if !output.IsQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "opened region: capacity=%d block_size=%d meta=%s\n",
			m.RegionCapacity(), m.BlockSize(), openMetaFlag)
	}

	if !openServeFlag {
		return m.Close()
	}
	return serveUntilInterrupted(cmd, m)
}
