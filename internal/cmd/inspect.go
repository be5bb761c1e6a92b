package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/output"
	"github.com/karimyoussef91/privateer/internal/vmm"
)

var (
	inspectMetaFlag     string
	inspectStashFlag    string
	inspectCompressFlag bool
)

// addInspectCommand surfaces the SUPPLEMENTED debug counters (restored from
// the original's atomic debug counter) that have no analogue in the
// distilled spec's CLI surface.
func addInspectCommand(parent *cobra.Command) {
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Report resident-set shape and cumulative eviction count",
		Args:  cobra.NoArgs,
		RunE:  runInspect,
	}

	flags := c.Flags()
	flags.StringVar(&inspectMetaFlag, "meta", "", "Version metadata directory (required)")
	flags.StringVar(&inspectStashFlag, "stash", "", "Stash directory for dirty-block overflow (required)")
	flags.BoolVar(&inspectCompressFlag, "compress", false, "Must match the --compress the region was created with")
	_ = c.MarkFlagRequired("meta")
	_ = c.MarkFlagRequired("stash")

	parent.AddCommand(c)
}

func runInspect(cmd *cobra.Command, args []string) error {
	m, err := vmm.Open(vmm.OpenConfig{
		MetaPath:  inspectMetaFlag,
		StashPath: inspectStashFlag,
		ReadOnly:  true,
		Compress:  inspectCompressFlag,
		Logger:    log.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer m.Close()

	stats := m.Stats()
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), stats)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "present=%d clean=%d dirty=%d stashed=%d evictions=%d\n",
		stats.Present, stats.Clean, stats.Dirty, stats.Stashed, stats.Evictions)
	return nil
}
