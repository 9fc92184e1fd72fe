package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/ui"
)

var putFile string

var putCmd = &cobra.Command{
	Use:     "put <table> [json|-]",
	GroupID: "records",
	Short:   "Create or replace a record",
	Long: `Save a record to the local database and back it up to the cloud copy.

The record is a JSON object given as an argument, read from stdin with "-",
or read from --file. Records without an id get a generated one (tables keyed
by id only). If the record's key already exists, the stored record is
replaced and its createdAt is kept.

Examples:
  dentdesk put patients '{"name": "Ali", "phone": "0300-1234567"}'
  dentdesk put users '{"role": "doctor", "pin": "1111"}'
  echo '{"id": "b1", "total": 900}' | dentdesk put bills -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
		rec, err := readRecord(args[1:], putFile)
		if err != nil {
			return err
		}

		table := args[0]
		tbl, ok := a.store.Registry().Lookup(table)
		if !ok {
			return fmt.Errorf("unknown table %q", table)
		}

		var saved schema.Record
		if key, kerr := tbl.KeyOf(rec); kerr == nil {
			if _, exists := a.state.Item(table, key); exists {
				saved, err = a.state.UpdateLocal(ctx, table, rec)
			} else {
				saved, err = a.state.AddItem(ctx, table, rec)
			}
		} else {
			saved, err = a.state.AddItem(ctx, table, rec)
		}
		if err != nil {
			return err
		}

		key, _ := tbl.KeyOf(saved)
		fmt.Fprintf(stdout, "%s saved %s/%s\n", ui.Success("✓"), table, key)
		return nil
	}),
}

var getCmd = &cobra.Command{
	Use:     "get <table> [key]",
	GroupID: "records",
	Short:   "Print one record, or every record of a table",
	Args:    cobra.RangeArgs(1, 2),
	RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
		table := args[0]
		if _, ok := a.store.Registry().Lookup(table); !ok {
			return fmt.Errorf("unknown table %q", table)
		}

		if len(args) == 1 {
			return printJSON(a.state.Items(table))
		}

		rec, ok := a.state.Item(table, args[1])
		if !ok {
			return fmt.Errorf("%s/%s not found", table, args[1])
		}
		return printJSON(rec)
	}),
}

var deleteCmd = &cobra.Command{
	Use:     "delete <table> <key>",
	GroupID: "records",
	Short:   "Delete a record",
	Long: `Delete a record locally and from the cloud copy. Deleting a record that
doesn't exist is not an error.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
		if err := a.state.DeleteLocal(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s deleted %s/%s\n", ui.Success("✓"), args[0], args[1])
		return nil
	}),
}

var countCmd = &cobra.Command{
	Use:     "count <table>",
	GroupID: "records",
	Short:   "Print the number of records in a table",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
		fmt.Fprintln(stdout, a.store.Count(ctx, args[0]))
		return nil
	}),
}

var clearCmd = &cobra.Command{
	Use:     "clear <table>",
	GroupID: "records",
	Short:   "Delete every local record of a table",
	Long: `Delete every record of a table from the local database only. The cloud
copy is not changed; use "sync restore" to bring the records back.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
		table := args[0]
		n := a.store.Count(ctx, table)

		ok, err := ui.Confirm(fmt.Sprintf("Delete all %d local %s records?", n, table),
			"The cloud copy is not changed.", assumeYes)
		if err != nil || !ok {
			return err
		}

		if err := a.store.Clear(ctx, table); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s cleared %d %s records\n", ui.Success("✓"), n, table)
		return nil
	}),
}

var tablesCmd = &cobra.Command{
	Use:     "tables",
	GroupID: "records",
	Short:   "List tables with their key field and record count",
	Args:    cobra.NoArgs,
	RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
		reg := a.store.Registry()
		pairs := make([][2]string, 0, len(reg.Tables))
		for _, tbl := range reg.Tables {
			pairs = append(pairs, [2]string{
				tbl.Name,
				fmt.Sprintf("%6d  %s", a.state.Count(tbl.Name), ui.Dim("keyed by "+tbl.Key())),
			})
		}
		fmt.Fprintf(stdout, "%s %s\n\n", ui.Title("Tables"), ui.Dim("schema v"+strconv.Itoa(reg.Version)))
		fmt.Fprint(stdout, ui.KeyValues(pairs))
		return nil
	}),
}

// readRecord parses a record from the argument, stdin ("-") or a file.
func readRecord(args []string, file string) (schema.Record, error) {
	var data []byte
	var err error

	switch {
	case file != "":
		// #nosec G304 - operator-supplied path
		data, err = os.ReadFile(file)
	case len(args) == 1 && args[0] == "-":
		data, err = io.ReadAll(os.Stdin)
	case len(args) == 1:
		data = []byte(args[0])
	default:
		return nil, fmt.Errorf("record required: pass JSON, \"-\" for stdin, or --file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	rec, err := schema.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	putCmd.Flags().StringVarP(&putFile, "file", "f", "", "read the record from a JSON file")

	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, countCmd, clearCmd, tablesCmd)
}
