// Package main implements session commands against the upgraded daemon.
package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/upgraded/internal/monitor"
)

var (
	// session command flags
	sessionMode             string
	sessionMaxRounds        int
	sessionRoundTimeout     time.Duration
	sessionGracePeriod      time.Duration
	sessionMaxIndeterminate int
	sessionOutputJSON       bool
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionAbortCmd)

	sessionCmd.PersistentFlags().BoolVar(&sessionOutputJSON, "json", false, "Output results as JSON")

	// Start-specific flags
	sessionStartCmd.Flags().StringVar(&sessionMode, "mode", "", "Run mode (single-continuous, dual-continuous, dual-tournament); empty lets the daemon pick")
	sessionStartCmd.Flags().IntVar(&sessionMaxRounds, "max-rounds", 0, "Round budget override (0 uses the daemon default)")
	sessionStartCmd.Flags().DurationVar(&sessionRoundTimeout, "round-timeout", 0, "Per-round timeout override (0 uses the daemon default)")
	sessionStartCmd.Flags().DurationVar(&sessionGracePeriod, "grace-period", 0, "Abort grace period override (0 uses the daemon default)")
	sessionStartCmd.Flags().IntVar(&sessionMaxIndeterminate, "max-indeterminate", 0, "Consecutive indeterminate round cap override (0 uses the daemon default)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage upgrade sessions",
	Long: `Manage upgrade sessions on the upgraded daemon.

A session runs autonomous upgrade agents against a target directory in
rounds, merging the winning variant back after each round.

Examples:
  # Start a session against the current directory
  upgctl session start

  # Start a dual tournament against an explicit target
  upgctl session start /repos/payments-api --mode dual-tournament

  # List sessions
  upgctl session list

  # Inspect one session round by round
  upgctl session get sess-8f2c

  # Abort the active session
  upgctl session abort sess-8f2c`,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start [target]",
	Short: "Start an upgrade session",
	Long: `Start an upgrade session against a target directory.

The target defaults to the current directory. Without --mode the daemon
resolves the mode from the buffered toggle preference or episodic memory.

Examples:
  # Start with daemon defaults
  upgctl session start

  # Pin the mode and shrink the budget
  upgctl session start /repos/payments-api --mode dual-continuous --max-rounds 2

  # Give slow agents more room
  upgctl session start --round-timeout 30m

  # Output as JSON
  upgctl session start --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessionStart,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List all sessions the daemon currently remembers.

Examples:
  # List sessions
  upgctl session list

  # Output as JSON
  upgctl session list --json`,
	RunE: runSessionList,
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session round by round",
	Long: `Show a session's state, budget, and per-round arbitration results.

Examples:
  # Inspect a session
  upgctl session get sess-8f2c

  # Output as JSON
  upgctl session get sess-8f2c --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionGet,
}

var sessionAbortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Abort a running session",
	Long: `Abort a running session. In-flight variants are cancelled and the
current round is discarded; rounds already merged stay merged.

Examples:
  # Abort a session
  upgctl session abort sess-8f2c`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionAbort,
}

// StartSessionRequest matches internal/httpapi/handlers.go startSessionRequest
type StartSessionRequest struct {
	TargetRef string         `json:"target_ref"`
	Mode      string         `json:"mode,omitempty"`
	Budget    *BudgetRequest `json:"budget,omitempty"`
}

// BudgetRequest matches internal/httpapi/handlers.go budgetRequest
type BudgetRequest struct {
	MaxRounds              int   `json:"max_rounds,omitempty"`
	RoundTimeoutMs         int64 `json:"round_timeout_ms,omitempty"`
	GracePeriodMs          int64 `json:"grace_period_ms,omitempty"`
	MaxIndeterminateRounds int   `json:"max_indeterminate_rounds,omitempty"`
}

// BudgetResponse matches internal/httpapi/handlers.go budgetResponse
type BudgetResponse struct {
	MaxRounds              int   `json:"max_rounds"`
	RoundTimeoutMs         int64 `json:"round_timeout_ms"`
	GracePeriodMs          int64 `json:"grace_period_ms"`
	MaxIndeterminateRounds int   `json:"max_indeterminate_rounds"`
}

// ResultResponse matches internal/httpapi/handlers.go resultResponse
type ResultResponse struct {
	Variant       string  `json:"variant"`
	Success       bool    `json:"success"`
	QualityScore  float64 `json:"quality_score"`
	CompletedAtMs int64   `json:"completed_at_ms"`
	Summary       string  `json:"summary,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// RoundResponse matches internal/httpapi/handlers.go roundResponse
type RoundResponse struct {
	Round    int              `json:"round"`
	Mode     string           `json:"mode"`
	Results  []ResultResponse `json:"results"`
	Winner   string           `json:"winner,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Merged   bool             `json:"merged"`
	TreeHash string           `json:"tree_hash,omitempty"`
}

// SessionResponse matches internal/httpapi/handlers.go sessionResponse
type SessionResponse struct {
	ID             string          `json:"id"`
	TargetRef      string          `json:"target_ref"`
	Mode           string          `json:"mode"`
	State          string          `json:"state"`
	Budget         BudgetResponse  `json:"budget"`
	Rounds         []RoundResponse `json:"rounds"`
	LastMergedHash string          `json:"last_merged_hash,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

// sessionBudget builds the budget override from the start flags. Returns
// nil when every knob is zero so the daemon applies its configured
// defaults.
func sessionBudget() *BudgetRequest {
	if sessionMaxRounds == 0 && sessionRoundTimeout == 0 &&
		sessionGracePeriod == 0 && sessionMaxIndeterminate == 0 {
		return nil
	}
	return &BudgetRequest{
		MaxRounds:              sessionMaxRounds,
		RoundTimeoutMs:         sessionRoundTimeout.Milliseconds(),
		GracePeriodMs:          sessionGracePeriod.Milliseconds(),
		MaxIndeterminateRounds: sessionMaxIndeterminate,
	}
}

// runSessionStart handles the session start command
func runSessionStart(cmd *cobra.Command, args []string) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	if target == "" {
		var err error
		target, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	// The daemon resolves relative paths against its own working
	// directory, so send an absolute one.
	target, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve target path: %w", err)
	}

	req := StartSessionRequest{
		TargetRef: target,
		Mode:      sessionMode,
		Budget:    sessionBudget(),
	}

	var sess SessionResponse
	if err := apiPost("/v1/sessions", req, &sess); err != nil {
		return err
	}

	if sessionOutputJSON {
		return outputJSON(sess)
	}

	fmt.Printf("Session started\n")
	fmt.Printf("ID: %s\n", sess.ID)
	fmt.Printf("Target: %s\n", sess.TargetRef)
	fmt.Printf("Mode: %s\n", sess.Mode)
	fmt.Printf("State: %s\n", sess.State)
	fmt.Printf("Budget: %d rounds, %s per round\n",
		sess.Budget.MaxRounds,
		time.Duration(sess.Budget.RoundTimeoutMs)*time.Millisecond)

	fmt.Fprintf(os.Stderr, "\n[upgctl] Follow progress with: upgctl watch\n")

	return nil
}

// runSessionList handles the session list command
func runSessionList(cmd *cobra.Command, args []string) error {
	var sessions []SessionResponse
	if err := apiGet("/v1/sessions", &sessions); err != nil {
		return err
	}

	if sessionOutputJSON {
		return outputJSON(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tMODE\tSTATE\tROUNDS\tMERGES\tSTARTED")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(sess.ID, 12),
			truncate(sess.TargetRef, 40),
			sess.Mode,
			sess.State,
			monitor.FormatRounds(len(sess.Rounds), sess.Budget.MaxRounds),
			mergedRounds(sess.Rounds),
			sess.StartedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

// runSessionGet handles the session get command
func runSessionGet(cmd *cobra.Command, args []string) error {
	var sess SessionResponse
	if err := apiGet("/v1/sessions/"+url.PathEscape(args[0]), &sess); err != nil {
		return err
	}

	if sessionOutputJSON {
		return outputJSON(sess)
	}

	fmt.Printf("ID: %s\n", sess.ID)
	fmt.Printf("Target: %s\n", sess.TargetRef)
	fmt.Printf("Mode: %s\n", sess.Mode)
	fmt.Printf("State: %s\n", sess.State)
	fmt.Printf("Rounds: %s\n", monitor.FormatRounds(len(sess.Rounds), sess.Budget.MaxRounds))
	fmt.Printf("Started: %s\n", sess.StartedAt.Format("2006-01-02 15:04:05"))
	if sess.EndedAt != nil {
		fmt.Printf("Ended: %s\n", sess.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if sess.LastMergedHash != "" {
		fmt.Printf("Last Merged: %s\n", monitor.ShortHash(sess.LastMergedHash))
	}
	if sess.Error != "" {
		fmt.Printf("Error: %s\n", sess.Error)
	}

	if len(sess.Rounds) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tMODE\tRESULTS\tWINNER\tREASON\tMERGED")
	for _, round := range sess.Rounds {
		merged := ""
		if round.Merged {
			merged = "yes"
		}
		winner := round.Winner
		if winner == "" {
			winner = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			round.Round,
			round.Mode,
			formatRoundResults(round.Results),
			winner,
			round.Reason,
			merged,
		)
	}
	w.Flush()

	return nil
}

// runSessionAbort handles the session abort command
func runSessionAbort(cmd *cobra.Command, args []string) error {
	var sess SessionResponse
	path := "/v1/sessions/" + url.PathEscape(args[0]) + "/abort"
	if err := apiPost(path, nil, &sess); err != nil {
		return err
	}

	if sessionOutputJSON {
		return outputJSON(sess)
	}

	fmt.Printf("Session aborted\n")
	fmt.Printf("ID: %s\n", sess.ID)
	fmt.Printf("State: %s\n", sess.State)
	if sess.LastMergedHash != "" {
		fmt.Printf("Last Merged: %s\n", monitor.ShortHash(sess.LastMergedHash))
	}

	return nil
}

// formatRoundResults renders variant outcomes as "primary 0.91, refiner failed".
func formatRoundResults(results []ResultResponse) string {
	if len(results) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(results))
	for _, res := range results {
		if res.Success {
			parts = append(parts, fmt.Sprintf("%s %s", res.Variant, monitor.FormatScore(res.QualityScore)))
		} else {
			parts = append(parts, res.Variant+" failed")
		}
	}
	return strings.Join(parts, ", ")
}

func mergedRounds(rounds []RoundResponse) int {
	count := 0
	for _, round := range rounds {
		if round.Merged {
			count++
		}
	}
	return count
}
