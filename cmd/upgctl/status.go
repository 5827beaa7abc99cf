// Package main implements the status command against the upgraded daemon.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/upgraded/internal/monitor"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

var (
	// statusOutputJSON outputs the raw read-models as JSON
	statusOutputJSON bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusOutputJSON, "json", false, "Output results as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and arbitration standings",
	Long: `Show the daemon's status read-model: the active session, round
progress, per-variant wins, the current streak, and the buffered mode
toggle for the next session.

Examples:
  # One-shot status
  upgctl status

  # Output as JSON
  upgctl status --json

  # Live dashboard instead of a snapshot
  upgctl watch`,
	RunE: runStatus,
}

// statusOutput pairs the two read-models for JSON output.
type statusOutput struct {
	Status events.Status      `json:"status"`
	Toggle events.ToggleState `json:"toggle"`
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	var st events.Status
	if err := apiGet("/v1/status", &st); err != nil {
		return err
	}
	var ts events.ToggleState
	if err := apiGet("/v1/toggle", &ts); err != nil {
		return err
	}

	if statusOutputJSON {
		return outputJSON(statusOutput{Status: st, Toggle: ts})
	}

	writeStatus(os.Stdout, st, ts)
	return nil
}

// writeStatus renders the human-readable status snapshot.
func writeStatus(w io.Writer, st events.Status, ts events.ToggleState) {
	state := st.State
	if state == "" {
		state = "idle"
	}
	fmt.Fprintf(w, "State: %s\n", state)

	if st.ActiveSession != "" {
		fmt.Fprintf(w, "Session: %s\n", st.ActiveSession)
		fmt.Fprintf(w, "Target: %s\n", st.TargetRef)
		fmt.Fprintf(w, "Mode: %s\n", st.ActiveMode)
		if len(st.ActiveVariants) > 0 {
			fmt.Fprintf(w, "Variants: %s\n", strings.Join(st.ActiveVariants, ", "))
		}
		fmt.Fprintf(w, "Rounds: %s\n", monitor.FormatRounds(st.RoundsDone, st.RoundsTotal))
	}

	fmt.Fprintf(w, "Wins: %s\n", monitor.FormatWins(st.Wins))
	fmt.Fprintf(w, "Streak: %s\n", monitor.FormatStreak(st.Streak, st.StreakHolder))
	if st.LastWinner != "" {
		fmt.Fprintf(w, "Last Winner: %s\n", st.LastWinner)
	}

	next := ts.Label
	if next == "" {
		next = ts.NextMode
	}
	if ts.Pending {
		next += " (pending)"
	}
	fmt.Fprintf(w, "Next Session: %s\n", next)

	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated: %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}
