// Package cmd wires the privateer CLI: cobra verb subcommands around
// internal/vmm sessions, following the teacher's internal/cmd/root.go shape.
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/karimyoussef91/privateer/internal/config"
	"github.com/karimyoussef91/privateer/internal/output"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	// HomeDir is the resolved config home, set from --home / PRIVATEER_HOME.
	HomeDir string
)

// NewRootCmd assembles the root command and every verb subcommand.
func NewRootCmd() *cobra.Command {
	rootCmd := newRootCmd()
	addCreateCommand(rootCmd)
	addOpenCommand(rootCmd)
	addSyncCommand(rootCmd)
	addSnapshotCommand(rootCmd)
	addCloseCommand(rootCmd)
	addInspectCommand(rootCmd)
	return rootCmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "privateer",
		Short:   "Snapshot-capable demand-paged virtual memory regions",
		Long:    "privateer — create, open, sync, and snapshot content-addressed, demand-paged virtual memory regions backed by userfaultfd.",
		Version:       fmt.Sprintf("privateer v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			if verboseFlag {
				log.SetLevel(log.DebugLevel)
			}
			config.SetHome(HomeDir)
			return nil
		},
	}

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.StringVar(&HomeDir, "home", "", "Override config home directory (default: ~/.privateer)")

	if v := os.Getenv("PRIVATEER_HOME"); v != "" && HomeDir == "" {
		HomeDir = v
	}

	return rootCmd
}

// Execute runs the CLI, returning any error from the invoked subcommand.
func Execute() error {
	return NewRootCmd().Execute()
}
