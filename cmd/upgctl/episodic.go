// Package main implements episodic memory commands.
package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/upgraded/internal/monitor"
)

var (
	// episodicOutputJSON outputs records as JSON
	episodicOutputJSON bool
)

func init() {
	rootCmd.AddCommand(episodicCmd)
	episodicCmd.AddCommand(episodicShowCmd)
	episodicCmd.AddCommand(episodicListCmd)
	episodicCmd.AddCommand(episodicResetCmd)

	episodicCmd.PersistentFlags().BoolVar(&episodicOutputJSON, "json", false, "Output results as JSON")
}

var episodicCmd = &cobra.Command{
	Use:   "episodic",
	Short: "Inspect and reset episodic memory",
	Long: `Inspect and reset the per-target episodic memory that feeds mode
recommendations: win counts, the current streak, and the last mode run.

Examples:
  # Show the record for the current directory
  upgctl episodic show

  # Show the record for an explicit target
  upgctl episodic show /repos/payments-api

  # List all records
  upgctl episodic list

  # Reset a target's record
  upgctl episodic reset /repos/payments-api`,
}

var episodicShowCmd = &cobra.Command{
	Use:   "show [target]",
	Short: "Show one target's episodic record",
	Long: `Show the episodic record for a target directory. The target
defaults to the current directory.

Examples:
  # Show the current directory's record
  upgctl episodic show

  # Output as JSON
  upgctl episodic show /repos/payments-api --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEpisodicShow,
}

var episodicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all episodic records",
	Long: `List every target the daemon holds episodic memory for.

Examples:
  # List records
  upgctl episodic list

  # Output as JSON
  upgctl episodic list --json`,
	RunE: runEpisodicList,
}

var episodicResetCmd = &cobra.Command{
	Use:   "reset [target]",
	Short: "Reset one target's episodic record",
	Long: `Reset the episodic record for a target directory. Wins, streak,
and mode history are cleared; the next session against the target starts
from the default mode. The target defaults to the current directory.

Examples:
  # Reset the current directory's record
  upgctl episodic reset

  # Reset an explicit target
  upgctl episodic reset /repos/payments-api`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEpisodicReset,
}

// EpisodicResponse matches internal/httpapi/handlers.go episodicResponse
type EpisodicResponse struct {
	Target        string         `json:"target"`
	Wins          map[string]int `json:"wins"`
	Streak        int            `json:"streak"`
	StreakHolder  string         `json:"streak_holder,omitempty"`
	LastMode      string         `json:"last_mode,omitempty"`
	LastUpdatedMs int64          `json:"last_updated_ms"`
}

// resolveTarget resolves an optional positional target to the absolute
// path the daemon keys episodic records by.
func resolveTarget(args []string) (string, error) {
	if len(args) > 0 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to resolve target path: %w", err)
		}
		return abs, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return wd, nil
}

// runEpisodicShow handles the episodic show command
func runEpisodicShow(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget(args)
	if err != nil {
		return err
	}

	var rec EpisodicResponse
	if err := apiGet("/v1/episodic/"+url.PathEscape(target), &rec); err != nil {
		return err
	}

	if episodicOutputJSON {
		return outputJSON(rec)
	}

	fmt.Printf("Target: %s\n", rec.Target)
	fmt.Printf("Wins: %s\n", monitor.FormatWins(winsToInt64(rec.Wins)))
	fmt.Printf("Streak: %s\n", monitor.FormatStreak(int64(rec.Streak), rec.StreakHolder))
	if rec.LastMode != "" {
		fmt.Printf("Last Mode: %s\n", rec.LastMode)
	}
	if rec.LastUpdatedMs > 0 {
		fmt.Printf("Updated: %s\n", time.UnixMilli(rec.LastUpdatedMs).Format("2006-01-02 15:04:05"))
	}

	return nil
}

// runEpisodicList handles the episodic list command
func runEpisodicList(cmd *cobra.Command, args []string) error {
	var records []EpisodicResponse
	if err := apiGet("/v1/episodic", &records); err != nil {
		return err
	}

	if episodicOutputJSON {
		return outputJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No episodic records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tWINS\tSTREAK\tLAST MODE\tUPDATED")
	for _, rec := range records {
		updated := ""
		if rec.LastUpdatedMs > 0 {
			updated = time.UnixMilli(rec.LastUpdatedMs).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(rec.Target, 40),
			monitor.FormatWins(winsToInt64(rec.Wins)),
			monitor.FormatStreak(int64(rec.Streak), rec.StreakHolder),
			rec.LastMode,
			updated,
		)
	}
	w.Flush()

	return nil
}

// runEpisodicReset handles the episodic reset command
func runEpisodicReset(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget(args)
	if err != nil {
		return err
	}

	if err := apiPost("/v1/episodic/"+url.PathEscape(target)+"/reset", nil, nil); err != nil {
		return err
	}

	fmt.Printf("Episodic record reset\n")
	fmt.Printf("Target: %s\n", target)

	return nil
}

func winsToInt64(wins map[string]int) map[string]int64 {
	if len(wins) == 0 {
		return nil
	}
	out := make(map[string]int64, len(wins))
	for role, count := range wins {
		out[role] = int64(count)
	}
	return out
}
