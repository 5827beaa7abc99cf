// Package monitor implements the terminal dashboard behind "upgctl watch".
//
// The dashboard is a read-only renderer of the daemon's status read-model
// and per-session event stream. Its only write path is the "t" key, which
// cycles the buffered mode preference for the next session.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	eventTailSize   = 8
)

// Model represents the BubbleTea dashboard model
type Model struct {
	serverURL string
	interval  time.Duration
	client    *Client

	lastUpdate time.Time
	status     events.Status
	toggle     events.ToggleState
	err        error
	quitting   bool

	// Winning quality score per merged round, newest last.
	scoreHistory []float64
	// Latest successful score per variant in the round being streamed.
	roundScores map[string]float64
	// Rendered event log lines, newest last.
	tail []string

	// Session currently streamed over SSE, empty when none.
	streamID     string
	streamCh     <-chan StreamEvent
	streamCancel context.CancelFunc

	roundsProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	// Footer style - bright keys on dim background
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	// Sparkline container
	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model
func NewModel(serverURL string, interval time.Duration) Model {
	roundsProg := progress.New(
		progress.WithGradient("#00ffff", "#00ff00"),
		progress.WithWidth(40),
	)

	return Model{
		serverURL:      serverURL,
		interval:       interval,
		client:         NewClient(serverURL),
		quitting:       false,
		roundsProgress: roundsProg,
		scoreHistory:   make([]float64, 0, historySize),
		roundScores:    make(map[string]float64),
		tail:           make([]string, 0, eventTailSize),
	}
}

// stateBadge returns a colored badge for a session state
func stateBadge(state string) string {
	switch state {
	case "running":
		return healthyStyle.Render("● RUNNING")
	case "completed":
		return healthyStyle.Render("✓ COMPLETED")
	case "aborted":
		return warningStyle.Render("⚠ ABORTED")
	case "failed":
		return errorStyle.Render("✗ FAILED")
	case "idle", "":
		return dimStyle.Render("○ IDLE")
	}
	return dimStyle.Render(strings.ToUpper(state))
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// appendTail appends a log line, maintaining max size
func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > eventTailSize {
		tail = tail[1:]
	}
	return tail
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time

type statusMsg struct {
	status events.Status
	toggle events.ToggleState
}

type toggleMsg events.ToggleState

type errMsg error

type streamOpenedMsg struct {
	id     string
	ch     <-chan StreamEvent
	cancel context.CancelFunc
}

type streamEventMsg struct {
	id string
	ev StreamEvent
}

type streamClosedMsg struct {
	id string
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.client),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatus fetches the status and toggle read-models from the daemon
func fetchStatus(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		tg, err := client.ToggleState(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg{status: st, toggle: tg}
	}
}

// cycleToggle advances the buffered mode preference on the daemon
func cycleToggle(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		tg, err := client.CycleToggle(ctx)
		if err != nil {
			return errMsg(err)
		}
		return toggleMsg(tg)
	}
}

// openStream subscribes to a session's SSE feed. Failures are reported as a
// closed stream rather than an error: the poller keeps the dashboard alive
// and retries while the session stays active.
func openStream(client *Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := client.StreamSession(ctx, id)
		if err != nil {
			cancel()
			return streamClosedMsg{id: id}
		}
		return streamOpenedMsg{id: id, ch: ch, cancel: cancel}
	}
}

// waitForStreamEvent delivers the next event from an open stream
func waitForStreamEvent(id string, ch <-chan StreamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{id: id}
		}
		return streamEventMsg{id: id, ev: ev}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.streamCancel != nil {
				m.streamCancel()
			}
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client)
		case "t":
			return m, cycleToggle(m.client)
		}

	case tickMsg:
		// Auto-refresh triggered
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.client),
		)

	case statusMsg:
		m.status = msg.status
		m.toggle = msg.toggle
		m.lastUpdate = time.Now()
		m.err = nil

		if id := msg.status.ActiveSession; id != "" && id != m.streamID {
			if m.streamCancel != nil {
				m.streamCancel()
				m.streamCancel = nil
				m.streamCh = nil
			}
			m.streamID = id
			return m, openStream(m.client, id)
		}
		return m, nil

	case toggleMsg:
		m.toggle = events.ToggleState(msg)
		return m, nil

	case streamOpenedMsg:
		if msg.id != m.streamID {
			// A newer session superseded this subscription mid-flight.
			msg.cancel()
			return m, nil
		}
		m.streamCh = msg.ch
		m.streamCancel = msg.cancel
		return m, waitForStreamEvent(msg.id, msg.ch)

	case streamEventMsg:
		if msg.id != m.streamID {
			return m, nil
		}
		m = m.applyEvent(msg.ev)
		return m, waitForStreamEvent(msg.id, m.streamCh)

	case streamClosedMsg:
		if msg.id == m.streamID {
			if m.streamCancel != nil {
				m.streamCancel()
			}
			m.streamID = ""
			m.streamCh = nil
			m.streamCancel = nil
		}
		return m, nil

	case errMsg:
		// Error occurred
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// applyEvent folds one session event into the score history and event tail
func (m Model) applyEvent(ev StreamEvent) Model {
	switch ev.Kind {
	case events.KindRoundStart:
		m.roundScores = make(map[string]float64)

	case events.KindRoundResult:
		var res events.RoundResult
		if json.Unmarshal(ev.Data, &res) == nil && res.Success {
			m.roundScores[res.Variant] = res.QualityScore
		}

	case events.KindMergeComplete:
		var merge events.MergeComplete
		if json.Unmarshal(ev.Data, &merge) == nil {
			if score, ok := m.roundScores[merge.Winner]; ok {
				m.scoreHistory = appendToHistory(m.scoreHistory, score)
			}
		}
	}

	line := FormatEventLine(ev.Kind, ev.Data)
	var env struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if json.Unmarshal(ev.Data, &env) == nil && !env.Timestamp.IsZero() {
		line = env.Timestamp.Format("15:04:05") + " " + line
	}
	m.tail = appendTail(m.tail, line)
	return m
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil {
		return m.renderError()
	}

	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render(" upgraded watch ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot connect to upgraded daemon") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure:") + "\n"
	content += dimStyle.Render("  1. the daemon is running (upgraded serve)") + "\n"
	content += dimStyle.Render("  2. --server matches its listen address") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	box := containerStyle.Render(header + "\n" + content)
	return box
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	var content string

	// Header with state badge, active mode, and last poll time
	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	header := headerStyle.Render(" upgraded watch ")
	headerLine := fmt.Sprintf("%s   %s   %s",
		stateBadge(m.status.State),
		valueStyle.Render(m.status.ActiveMode),
		dimStyle.Render(lastUpdateStr))

	content += header + "\n"
	content += headerLine + "\n"

	if m.status.TargetRef != "" {
		content += labelStyle.Render("Target: ") +
			valueStyle.Render(m.status.TargetRef) + "\n"
	}
	if m.status.ActiveSession != "" {
		content += labelStyle.Render("Session: ") +
			valueStyle.Render(m.status.ActiveSession) + "\n"
	}

	// Rounds section with progress bar
	content += "\n" + sectionStyle.Render("┃ Rounds") + "\n"

	roundsPercent := 0.0
	if m.status.RoundsTotal > 0 {
		roundsPercent = float64(m.status.RoundsDone) / float64(m.status.RoundsTotal)
		if roundsPercent > 1.0 {
			roundsPercent = 1.0
		}
	}
	content += labelStyle.Render("  Progress: ") +
		m.roundsProgress.ViewAs(roundsPercent) +
		" " + valueStyle.Render(FormatRounds(m.status.RoundsDone, m.status.RoundsTotal)) + "\n"

	if len(m.status.ActiveVariants) > 0 {
		content += labelStyle.Render("  Variants: ") +
			valueStyle.Render(strings.Join(m.status.ActiveVariants, ", ")) + "\n"
	}

	// Scores section with sparkline of winning quality scores
	content += "\n" + sectionStyle.Render("┃ Scores") + "\n"

	scoreSpark := createSparkline(m.scoreHistory)
	lastScore := "no merges yet"
	if n := len(m.scoreHistory); n > 0 {
		lastScore = FormatScore(m.scoreHistory[n-1])
	}
	content += labelStyle.Render("  Winning: ") +
		valueStyle.Render(lastScore) +
		"   " + scoreSpark + "\n"

	// Arbitration section: win table and streak
	content += "\n" + sectionStyle.Render("┃ Arbitration") + "\n"
	content += m.renderWinsTable()
	content += labelStyle.Render("  Streak: ") +
		valueStyle.Render(FormatStreak(m.status.Streak, m.status.StreakHolder)) + "\n"
	if m.status.LastWinner != "" {
		content += labelStyle.Render("  Last winner: ") +
			valueStyle.Render(m.status.LastWinner) + "\n"
	}

	// Events section: most recent session events
	content += "\n" + sectionStyle.Render("┃ Events") + "\n"
	if len(m.tail) == 0 {
		content += dimStyle.Render("  no events yet") + "\n"
	}
	for _, line := range m.tail {
		content += dimStyle.Render("  "+line) + "\n"
	}

	// Next session section: the buffered toggle preference
	content += "\n" + sectionStyle.Render("┃ Next session") + "\n"
	nextMode := m.toggle.Label
	if nextMode == "" {
		nextMode = m.toggle.NextMode
	}
	toggleLine := labelStyle.Render("  Mode: ") + valueStyle.Render(nextMode)
	if m.toggle.Pending {
		toggleLine += " " + warningStyle.Render("(pending)")
	}
	content += toggleLine + "\n"

	// Footer with keyboard shortcuts
	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[t]") + footerStyle.Render(" toggle mode  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))

	content += "\n" + footer

	// Wrap in container
	return containerStyle.Render(content)
}

// renderWinsTable renders the per-variant win tally as aligned rows
func (m Model) renderWinsTable() string {
	if len(m.status.Wins) == 0 {
		return dimStyle.Render("  no wins recorded") + "\n"
	}

	names := make([]string, 0, len(m.status.Wins))
	for name := range m.status.Wins {
		names = append(names, name)
	}
	sort.Strings(names)

	var out string
	for _, name := range names {
		out += labelStyle.Render(fmt.Sprintf("  %-10s", name)) +
			valueStyle.Render(fmt.Sprintf("%4d", m.status.Wins[name])) +
			dimStyle.Render(" wins") + "\n"
	}
	return out
}
