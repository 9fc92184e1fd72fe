// Package ui renders CLI output and asks for confirmation of destructive
// operations.
package ui

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// ErrNotInteractive is returned by Confirm when no terminal is attached and
// the caller did not pre-confirm.
var ErrNotInteractive = errors.New("confirmation required: rerun with --yes")

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// Init picks the colour profile. Colour is off when NO_COLOR is set or out is
// not a terminal.
func Init(out *os.File) {
	if os.Getenv("NO_COLOR") != "" || out == nil || !IsTerminal(out) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func Title(s string) string   { return titleStyle.Render(s) }
func Success(s string) string { return okStyle.Render(s) }
func Warn(s string) string    { return warnStyle.Render(s) }
func Error(s string) string   { return errStyle.Render(s) }
func Dim(s string) string     { return dimStyle.Render(s) }

// KeyValues renders aligned "key  value" lines.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		key := p[0] + strings.Repeat(" ", width-len(p[0]))
		fmt.Fprintf(&b, "%s  %s\n", keyStyle.Render(key), p[1])
	}
	return b.String()
}

// Status renders the one-line sync status shown by the status command.
func Status(online, autoSync, mirror bool, queued int) string {
	var parts []string

	switch {
	case !mirror:
		parts = append(parts, Dim("no cloud backup configured"))
	case online:
		parts = append(parts, Success("online"))
	default:
		parts = append(parts, Warn("offline"))
	}

	if autoSync {
		parts = append(parts, "auto-sync on")
	} else {
		parts = append(parts, Warn("auto-sync off"))
	}

	switch queued {
	case 0:
		parts = append(parts, Success("all changes backed up"))
	case 1:
		parts = append(parts, Warn("1 change waiting"))
	default:
		parts = append(parts, Warn(fmt.Sprintf("%d changes waiting", queued)))
	}

	return strings.Join(parts, Dim(" · "))
}

// Confirm asks a yes/no question on the terminal. assumeYes skips the prompt.
// Without a terminal it fails with ErrNotInteractive.
func Confirm(title, description string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !IsTerminal(os.Stdin) {
		return false, ErrNotInteractive
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirmation prompt failed: %w", err)
	}
	return ok, nil
}
