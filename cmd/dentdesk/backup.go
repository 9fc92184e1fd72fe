package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/backup"
	"github.com/dentdesk/dentdesk/internal/ui"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:     "export [table] <path>",
	GroupID: "backup",
	Short:   "Write backup files",
	Long: `Write one table to a backup file, or every table into a directory.

The format follows the file extension: .json (default), .yaml/.yml or .jsonl.
When exporting every table, --format picks it.

Examples:
  dentdesk export patients backups/patients.json
  dentdesk export backups/2024-06-10 --format yaml`,
	Args: cobra.RangeArgs(1, 2),
	RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
		if len(args) == 2 {
			n, err := a.state.Export(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s exported %d %s records to %s\n", ui.Success("✓"), n, args[0], args[1])
			return nil
		}

		format := backup.Format(exportFormat)
		switch format {
		case backup.FormatJSON, backup.FormatYAML, backup.FormatJSONL:
		default:
			return fmt.Errorf("unknown format %q", exportFormat)
		}

		paths, err := a.state.ExportAll(args[0], format)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s exported %d tables to %s\n", ui.Success("✓"), len(paths), args[0])
		return nil
	}),
}

var importCmd = &cobra.Command{
	Use:     "import <table> <path>",
	GroupID: "backup",
	Short:   "Load a backup file into a table",
	Long: `Upsert every record of a backup file into a table. Records are stored as
they appear in the file, timestamps included, and are backed up to the cloud
copy like any other change. Records without a key are skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
		res, err := a.state.Import(ctx, args[0], args[1])
		if res != nil {
			fmt.Fprintf(stdout, "%s imported %d records into %s from %s\n", ui.Success("✓"), res.Imported, args[0], filepath.Base(args[1]))
			if res.Skipped > 0 {
				fmt.Fprintf(stdout, "%s skipped %d records\n", ui.Warn("!"), res.Skipped)
				for _, msg := range res.Errors {
					fmt.Fprintf(stdout, "  %s\n", ui.Dim(msg))
				}
			}
		}
		return err
	}),
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "backup",
	Short:   "Delete all local data and turn auto-sync off",
	Long: `Delete every local record and every queued change. Auto-sync is turned off
and persisted, so the wipe isn't pushed anywhere; the cloud copy is not
changed. Use "sync restore" to bring the data back.`,
	Args: cobra.NoArgs,
	RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
		ok, err := ui.Confirm("Delete ALL local clinic data?",
			"Queued changes that have not reached the cloud are lost.", assumeYes)
		if err != nil || !ok {
			return err
		}

		if err := a.state.Reset(ctx); err != nil {
			return err
		}
		if _, err := a.loader.Persist("auto_sync", false); err != nil {
			a.logger.WithError(err).Warn("failed to persist auto-sync off")
		}

		fmt.Fprintf(stdout, "%s local data deleted, auto-sync off\n", ui.Success("✓"))
		return nil
	}),
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", string(backup.FormatJSON), "format when exporting every table (json, yaml, jsonl)")

	rootCmd.AddCommand(exportCmd, importCmd, resetCmd)
}
