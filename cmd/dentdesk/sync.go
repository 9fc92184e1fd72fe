package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/ui"
	dsync "github.com/dentdesk/dentdesk/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, auto-sync and sync queue status",
	Args:    cobra.NoArgs,
	RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
		// Let a reconnect flush finish so the queue length is current.
		a.engine.Wait()

		queued, err := a.engine.QueueLen(ctx)
		if err != nil {
			return err
		}
		cfg := a.loader.Config()

		remoteKind := cfg.Remote.Kind
		if !a.engine.HasMirror() {
			remoteKind = "none"
		}
		configPath := a.loader.File()
		if configPath == "" {
			configPath = ui.Dim("(defaults)")
		}

		fmt.Fprintf(stdout, "%s\n\n", ui.Status(a.engine.Online(), a.engine.AutoSync(), a.engine.HasMirror(), queued))
		fmt.Fprint(stdout, ui.KeyValues([][2]string{
			{"database", a.store.Path()},
			{"config", configPath},
			{"cloud backup", remoteKind},
			{"queued changes", fmt.Sprint(queued)},
		}))

		if queued == 0 {
			return nil
		}
		entries, err := a.store.PendingEntries(ctx, 5)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\n%s\n", ui.Title("Oldest queued changes"))
		for _, e := range entries {
			line := fmt.Sprintf("  %s %s/%s  %s", e.Op, e.Table, e.Key, ui.Dim(e.CreatedAt.Local().Format("2006-01-02 15:04")))
			if e.LastError != "" {
				line += "  " + ui.Warn(fmt.Sprintf("%d attempts: %s", e.Attempts, e.LastError))
			}
			fmt.Fprintln(stdout, line)
		}
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes to, or restore from, the cloud copy",
}

var syncFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Push every queued change to the cloud copy now",
	Long: `Push queued changes to the cloud copy in the order they were made. The
flush stops at the first change that fails; it is retried on the next flush.

This works even when auto-sync is off.`,
	Args: cobra.NoArgs,
	RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
		// A reconnect flush may already be running; wait for it first.
		a.engine.Wait()

		res, err := a.engine.Flush(ctx)
		switch {
		case errors.Is(err, dsync.ErrNoMirror):
			return fmt.Errorf("no cloud backup configured (set remote.kind)")
		case errors.Is(err, dsync.ErrOffline):
			return fmt.Errorf("cloud backup unreachable; %d changes stay queued", mustQueueLen(ctx, a))
		case err != nil:
			fmt.Fprintf(stdout, "%s pushed %d, %d still queued\n", ui.Warn("!"), res.Pushed, res.Remaining)
			return err
		}

		fmt.Fprintf(stdout, "%s pushed %d queued changes\n", ui.Success("✓"), res.Pushed)
		return nil
	}),
}

var syncRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace local data with the cloud copy",
	Long: `Download every table from the cloud copy and replace the local tables with
it. Changes still waiting in the sync queue for those tables are discarded.

Nothing is replaced unless every table downloads successfully.`,
	Args: cobra.NoArgs,
	RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
		if !a.engine.HasMirror() {
			return fmt.Errorf("no cloud backup configured (set remote.kind)")
		}
		if !a.engine.Online() {
			return fmt.Errorf("cloud backup unreachable")
		}

		// Finish any reconnect flush before replacing local data.
		a.engine.Wait()

		queued := mustQueueLen(ctx, a)
		desc := "Local records are overwritten by the cloud copy."
		if queued > 0 {
			desc = fmt.Sprintf("%d queued changes have not reached the cloud and will be lost.", queued)
		}
		ok, err := ui.Confirm("Replace local data with the cloud copy?", desc, assumeYes)
		if err != nil || !ok {
			return err
		}

		res, err := a.state.Restore(ctx)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(res.Tables))
		for name := range res.Tables {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([][2]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, [2]string{name, fmt.Sprint(res.Tables[name])})
		}

		fmt.Fprintf(stdout, "%s restored %d records\n\n", ui.Success("✓"), res.Total())
		fmt.Fprint(stdout, ui.KeyValues(pairs))
		if res.Skipped > 0 {
			fmt.Fprintf(stdout, "\n%s skipped %d cloud records without a key\n", ui.Warn("!"), res.Skipped)
		}
		if res.Discarded > 0 {
			fmt.Fprintf(stdout, "%s discarded %d queued changes\n", ui.Warn("!"), res.Discarded)
		}
		return nil
	}),
}

var autosyncCmd = &cobra.Command{
	Use:       "autosync <on|off>",
	GroupID:   "sync",
	Short:     "Turn automatic cloud backup on or off",
	Long:      `Persist the auto-sync setting in the config file. A running "serve" picks the change up.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}

		loader, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := loader.Persist("auto_sync", enabled)
		if err != nil {
			return err
		}

		fmt.Fprintf(stdout, "%s auto-sync %s %s\n", ui.Success("✓"), args[0], ui.Dim("("+path+")"))
		return nil
	},
}

func mustQueueLen(ctx context.Context, a *app) int {
	n, _ := a.engine.QueueLen(ctx)
	return n
}

func init() {
	syncCmd.AddCommand(syncFlushCmd, syncRestoreCmd)
	rootCmd.AddCommand(statusCmd, syncCmd, autosyncCmd)
}
