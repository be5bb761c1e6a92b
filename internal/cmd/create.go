package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/output"
	"github.com/karimyoussef91/privateer/internal/vmm"
)

var (
	createMetaFlag     string
	createBlocksFlag   string
	createStashFlag    string
	createCapacityFlag uint64
	createWorkersFlag  int
	createCompressFlag bool
	createOverwriteFlag bool
	createServeFlag    bool
)

func addCreateCommand(parent *cobra.Command) {
	c := &cobra.Command{
		Use:   "create",
		Short: "Create a new region and its version directory",
		Long: `Create reserves a fresh virtual memory region, lays down its version
metadata directory, and binds the fault transport.

With --serve (the default) the command blocks, handling page faults for the
region until interrupted, then syncs and closes cleanly. Without --serve it
syncs and closes immediately after creation.`,
		Args: cobra.NoArgs,
		RunE: runCreate,
	}

	flags := c.Flags()
	flags.StringVar(&createMetaFlag, "meta", "", "Version metadata directory (required)")
	flags.StringVar(&createBlocksFlag, "blocks", "", "Content-addressed block store directory (required)")
	flags.StringVar(&createStashFlag, "stash", "", "Stash directory for dirty-block overflow (required)")
	flags.Uint64Var(&createCapacityFlag, "capacity", 0, "Region capacity in bytes (required)")
	flags.IntVar(&createWorkersFlag, "workers", 0, "Handler pool size (0 = default)")
	flags.BoolVar(&createCompressFlag, "compress", false, "Gzip-compress committed blocks")
	flags.BoolVar(&createOverwriteFlag, "allow-overwrite", false, "Remove an existing version directory at --meta first")
	flags.BoolVar(&createServeFlag, "serve", true, "Keep serving page faults until interrupted")

	_ = c.MarkFlagRequired("meta")
	_ = c.MarkFlagRequired("blocks")
	_ = c.MarkFlagRequired("stash")
	_ = c.MarkFlagRequired("capacity")

	parent.AddCommand(c)
}

func runCreate(cmd *cobra.Command, args []string) error {
	m, err := vmm.Create(vmm.CreateConfig{
		Capacity:       createCapacityFlag,
		MetaPath:       createMetaFlag,
		BlocksPath:     createBlocksFlag,
		StashPath:      createStashFlag,
		AllowOverwrite: createOverwriteFlag,
		Workers:        createWorkersFlag,
		Compress:       createCompressFlag,
		Logger:         log.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if !output.IsQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "created region: capacity=%d block_size=%d meta=%s\n",
			m.RegionCapacity(), m.BlockSize(), createMetaFlag)
	}

	if !createServeFlag {
		return m.Close()
	}
	return serveUntilInterrupted(cmd, m)
}

// serveUntilInterrupted blocks the current command until SIGINT/SIGTERM,
// then syncs and closes the session — the shared tail of create/open when
// run in foreground-serving mode, modeled on the teacher's serve.go signal
// handling idiom.
func serveUntilInterrupted(cmd *cobra.Command, m *vmm.Manager) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !output.IsQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), "serving page faults, press Ctrl+C to sync and close")
	}
	<-ctx.Done()
	if !output.IsQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), "closing region")
	}
	return m.Close()
}
