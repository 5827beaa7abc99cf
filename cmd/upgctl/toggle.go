// Package main implements the mode toggle commands.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

var (
	// toggleOutputJSON outputs the toggle state as JSON
	toggleOutputJSON bool
)

func init() {
	rootCmd.AddCommand(toggleCmd)
	toggleCmd.AddCommand(toggleSetCmd)
	toggleCmd.AddCommand(toggleCycleCmd)

	toggleCmd.PersistentFlags().BoolVar(&toggleOutputJSON, "json", false, "Output results as JSON")
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Show or change the mode for the next session",
	Long: `Show or change the buffered mode preference.

The preference never changes a running session; it is consumed by the
next session start and cleared afterwards.

Examples:
  # Show the buffered preference
  upgctl toggle

  # Pin the next session's mode
  upgctl toggle set dual-tournament

  # Advance through the mode cycle
  upgctl toggle cycle`,
	RunE: runToggleShow,
}

var toggleSetCmd = &cobra.Command{
	Use:   "set <mode>",
	Short: "Buffer a mode for the next session",
	Long: `Buffer an explicit mode preference for the next session.

Valid modes: single-continuous, dual-continuous, dual-tournament.

Examples:
  # Next session runs the tournament topology
  upgctl toggle set dual-tournament`,
	Args: cobra.ExactArgs(1),
	RunE: runToggleSet,
}

var toggleCycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Advance the buffered mode preference",
	Long: `Advance the buffered preference one step through the mode cycle,
the same operation as the dashboard's toggle hotkey.

Examples:
  # Advance the cycle
  upgctl toggle cycle`,
	RunE: runToggleCycle,
}

// ToggleRequest matches internal/httpapi/handlers.go toggleRequest
type ToggleRequest struct {
	Mode  string `json:"mode,omitempty"`
	Cycle bool   `json:"cycle,omitempty"`
}

// runToggleShow handles the bare toggle command
func runToggleShow(cmd *cobra.Command, args []string) error {
	var ts events.ToggleState
	if err := apiGet("/v1/toggle", &ts); err != nil {
		return err
	}
	return printToggle(ts)
}

// runToggleSet handles the toggle set command
func runToggleSet(cmd *cobra.Command, args []string) error {
	var ts events.ToggleState
	if err := apiPost("/v1/toggle", ToggleRequest{Mode: args[0]}, &ts); err != nil {
		return err
	}
	return printToggle(ts)
}

// runToggleCycle handles the toggle cycle command
func runToggleCycle(cmd *cobra.Command, args []string) error {
	var ts events.ToggleState
	if err := apiPost("/v1/toggle", ToggleRequest{Cycle: true}, &ts); err != nil {
		return err
	}
	return printToggle(ts)
}

func printToggle(ts events.ToggleState) error {
	if toggleOutputJSON {
		return outputJSON(ts)
	}
	writeToggle(os.Stdout, ts)
	return nil
}

// writeToggle renders the toggle state for humans.
func writeToggle(w io.Writer, ts events.ToggleState) {
	label := ts.Label
	if label == "" {
		label = ts.NextMode
	}
	fmt.Fprintf(w, "Next Session Mode: %s (%s)\n", label, ts.NextMode)
	pending := "no"
	if ts.Pending {
		pending = "yes"
	}
	fmt.Fprintf(w, "Pending: %s\n", pending)
	if ts.Hotkey != "" {
		fmt.Fprintf(w, "Hotkey: %s\n", ts.Hotkey)
	}
}
