package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestScripts runs every testdata/script/*.txt file against the CLI. Each
// script gets its own work directory; "dentdesk" runs a command in-process
// with --data-dir pointing at $WORK/data.
func TestScripts(t *testing.T) {
	isolateEnv(t)

	engine := script.NewEngine()
	engine.Cmds["dentdesk"] = dentdeskCmd()

	files, err := filepath.Glob(filepath.Join("testdata", "script", "*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no scripts found")
	}

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".txt")
		t.Run(name, func(t *testing.T) {
			data, err := os.ReadFile(file)
			if err != nil {
				t.Fatal(err)
			}

			work := t.TempDir()
			s, err := script.NewState(context.Background(), work, []string{"WORK=" + work})
			if err != nil {
				t.Fatal(err)
			}
			scripttest.Run(t, engine, s, file, bytes.NewReader(data))
		})
	}
}

// isolateEnv keeps the user's own configuration out of the scripts.
func isolateEnv(t *testing.T) {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("NO_COLOR", "1")
	for _, kv := range os.Environ() {
		if name, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, "DENTDESK_") {
			t.Setenv(name, "")
		}
	}
	t.Setenv("DENTDESK_LOG_LEVEL", "error")
}

func dentdeskCmd() script.Cmd {
	return script.Command(
		script.CmdUsage{
			Summary: "run a dentdesk command against the script's data directory",
			Args:    "args...",
		},
		func(s *script.State, args ...string) (script.WaitFunc, error) {
			var out bytes.Buffer
			argv := append([]string{"--data-dir", filepath.Join(s.Getwd(), "data")}, args...)
			err := runCLI(s.Context(), &out, argv)

			return func(*script.State) (string, string, error) {
				var stderr string
				if err != nil {
					stderr = "Error: " + err.Error() + "\n"
				}
				return out.String(), stderr, err
			}, nil
		})
}

// runCLI executes the root command with args, writing output to w. Flag
// values left over from an earlier run are reset first.
func runCLI(ctx context.Context, w io.Writer, args []string) error {
	resetFlags(rootCmd)

	prev := stdout
	stdout = w
	defer func() { stdout = prev }()

	rootCmd.SetOut(w)
	rootCmd.SetErr(w)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	// cobra only fills a subcommand's context when it is nil, so clear the
	// previous run's (now cancelled) context.
	cmd.SetContext(nil)
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
