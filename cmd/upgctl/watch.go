// Package main implements the live dashboard command.
package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/upgraded/internal/monitor"
)

var (
	// watchInterval is the status polling interval
	watchInterval time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "status polling interval")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard for the active session",
	Long: `Run the full-screen dashboard: round progress, winning-score
sparkline, arbitration standings, and the live event feed of the active
session. The "t" key cycles the mode toggle for the next session.

Examples:
  # Watch the local daemon
  upgctl watch

  # Watch a remote daemon, polling faster
  upgctl watch --server http://build-host:8777 --interval 1s`,
	RunE: runWatch,
}

// runWatch handles the watch command
func runWatch(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(monitor.NewModel(serverURL, watchInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
