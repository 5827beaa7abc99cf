package monitor

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

// FormatScore formats a quality score as "0.91"
func FormatScore(score float64) string {
	return fmt.Sprintf("%.2f", score)
}

// FormatRounds formats round progress as "done/total", or just "done" when
// no budget is known
func FormatRounds(done, total int) string {
	if total <= 0 {
		return fmt.Sprintf("%d", done)
	}
	return fmt.Sprintf("%d/%d", done, total)
}

// FormatElapsed formats a variant's wall time from milliseconds as "812ms"
// or "4.2s"
func FormatElapsed(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

// FormatStreak formats a win streak as "3× primary", or "none" when no
// variant holds one
func FormatStreak(streak int64, holder string) string {
	if streak <= 0 || holder == "" {
		return "none"
	}
	return fmt.Sprintf("%d× %s", streak, holder)
}

// FormatWins formats a win tally as "primary 4, refiner 2" with variants in
// stable alphabetical order
func FormatWins(wins map[string]int64) string {
	if len(wins) == 0 {
		return "none"
	}
	names := make([]string, 0, len(wins))
	for name := range wins {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %d", name, wins[name])
	}
	return out
}

// ShortHash truncates a tree hash to its first 8 characters
func ShortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

// FormatEventLine renders one session event as a single log line. Unknown
// kinds and unreadable payloads fall back to the bare kind so the tail never
// drops an event.
func FormatEventLine(kind events.Kind, data []byte) string {
	switch kind {
	case events.KindRoundStart:
		var ev events.RoundStart
		if json.Unmarshal(data, &ev) != nil {
			break
		}
		line := fmt.Sprintf("round %d started: %s", ev.Round, ev.Mode)
		if ev.Parallel {
			line += " [parallel]"
		}
		return line

	case events.KindRoundResult:
		var ev events.RoundResult
		if json.Unmarshal(data, &ev) != nil {
			break
		}
		if !ev.Success {
			if ev.Error != "" {
				return fmt.Sprintf("round %d: %s failed: %s", ev.Round, ev.Variant, ev.Error)
			}
			return fmt.Sprintf("round %d: %s failed", ev.Round, ev.Variant)
		}
		return fmt.Sprintf("round %d: %s scored %s in %s",
			ev.Round, ev.Variant, FormatScore(ev.QualityScore), FormatElapsed(ev.CompletedAt))

	case events.KindMergeComplete:
		var ev events.MergeComplete
		if json.Unmarshal(data, &ev) != nil {
			break
		}
		line := fmt.Sprintf("round %d: merged %s", ev.Round, ev.Winner)
		if ev.Reason != "" {
			line += fmt.Sprintf(" (%s)", ev.Reason)
		}
		if ev.TreeHash != "" {
			line += " @" + ShortHash(ev.TreeHash)
		}
		return line

	case events.KindRoundIndeterminate:
		var ev events.RoundIndeterminate
		if json.Unmarshal(data, &ev) != nil {
			break
		}
		return fmt.Sprintf("round %d: indeterminate, target untouched", ev.Round)

	case events.KindSessionComplete:
		var ev events.SessionComplete
		if json.Unmarshal(data, &ev) != nil {
			break
		}
		if ev.Error != "" {
			return fmt.Sprintf("session %s after %d rounds: %s", ev.Status, ev.Rounds, ev.Error)
		}
		return fmt.Sprintf("session %s after %d rounds", ev.Status, ev.Rounds)

	case events.KindModeChanged:
		var ev events.ModeChanged
		if json.Unmarshal(data, &ev) != nil {
			break
		}
		return fmt.Sprintf("mode changed: %s", ev.NewMode)
	}

	return string(kind)
}
