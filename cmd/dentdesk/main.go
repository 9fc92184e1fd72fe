package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/ui"
)

var (
	configFile string
	dataDir    string
	assumeYes  bool

	// stdout receives command output.
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "dentdesk",
	Short: "Local-first clinic records with cloud backup",
	Long: `dentdesk keeps the clinic's records (patients, queue, staff, bills and the
rest) in a local database that works without a network, and mirrors every
change to a cloud copy when one is reachable.

Changes made while offline wait in a durable sync queue and are pushed in
order as soon as the cloud copy is reachable again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: dentdesk.yaml in the data directory or working directory)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides data_dir)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Cloud sync:"},
		&cobra.Group{ID: "backup", Title: "Backup files:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.Error("Error:"), err)
		cancel()
		os.Exit(1)
	}
}
