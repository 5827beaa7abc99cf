package monitor

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

func TestFormatScore(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		expected string
	}{
		{"normal", 0.91, "0.91"},
		{"zero", 0.0, "0.00"},
		{"one", 1.0, "1.00"},
		{"rounded", 0.856, "0.86"},
		{"negative", -0.5, "-0.50"},
		{"nan", math.NaN(), "NaN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatScore(tt.score)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatRounds(t *testing.T) {
	tests := []struct {
		name     string
		done     int
		total    int
		expected string
	}{
		{"mid_session", 3, 6, "3/6"},
		{"start", 0, 4, "0/4"},
		{"complete", 6, 6, "6/6"},
		{"no_budget", 2, 0, "2"},
		{"idle", 0, 0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatRounds(tt.done, tt.total)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		name     string
		ms       int64
		expected string
	}{
		{"milliseconds", 812, "812ms"},
		{"zero", 0, "0ms"},
		{"just_under_second", 999, "999ms"},
		{"one_second", 1000, "1.0s"},
		{"seconds", 4230, "4.2s"},
		{"minutes_as_seconds", 61500, "61.5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatElapsed(tt.ms)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatStreak(t *testing.T) {
	tests := []struct {
		name     string
		streak   int64
		holder   string
		expected string
	}{
		{"active_streak", 3, "primary", "3× primary"},
		{"single_win", 1, "refiner", "1× refiner"},
		{"no_streak", 0, "", "none"},
		{"zero_with_holder", 0, "primary", "none"},
		{"holderless", 5, "", "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatStreak(tt.streak, tt.holder)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatWins(t *testing.T) {
	tests := []struct {
		name     string
		wins     map[string]int64
		expected string
	}{
		{"empty", nil, "none"},
		{"single", map[string]int64{"primary": 4}, "primary 4"},
		{"sorted", map[string]int64{"refiner": 2, "primary": 4}, "primary 4, refiner 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatWins(tt.wins)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestShortHash(t *testing.T) {
	tests := []struct {
		name     string
		hash     string
		expected string
	}{
		{"full_hash", "1234abcdef5678901234abcdef56789012345678", "1234abcd"},
		{"exactly_eight", "1234abcd", "1234abcd"},
		{"short", "abc", "abc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ShortHash(tt.hash)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatEventLine(t *testing.T) {
	marshal := func(t *testing.T, v any) []byte {
		t.Helper()
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}

	t.Run("round_start", func(t *testing.T) {
		data := marshal(t, events.RoundStart{Round: 3, Mode: "dual-continuous"})
		assert.Equal(t, "round 3 started: dual-continuous", FormatEventLine(events.KindRoundStart, data))
	})

	t.Run("round_start_parallel", func(t *testing.T) {
		data := marshal(t, events.RoundStart{Round: 1, Mode: "dual-tournament", Parallel: true})
		assert.Equal(t, "round 1 started: dual-tournament [parallel]", FormatEventLine(events.KindRoundStart, data))
	})

	t.Run("round_result_success", func(t *testing.T) {
		data := marshal(t, events.RoundResult{
			Round: 2, Variant: "primary", Success: true,
			QualityScore: 0.91, CompletedAt: 812,
		})
		assert.Equal(t, "round 2: primary scored 0.91 in 812ms", FormatEventLine(events.KindRoundResult, data))
	})

	t.Run("round_result_failure", func(t *testing.T) {
		data := marshal(t, events.RoundResult{
			Round: 2, Variant: "refiner", Error: "execution timed out",
		})
		assert.Equal(t, "round 2: refiner failed: execution timed out", FormatEventLine(events.KindRoundResult, data))
	})

	t.Run("round_result_failure_no_error", func(t *testing.T) {
		data := marshal(t, events.RoundResult{Round: 2, Variant: "refiner"})
		assert.Equal(t, "round 2: refiner failed", FormatEventLine(events.KindRoundResult, data))
	})

	t.Run("merge_complete", func(t *testing.T) {
		data := marshal(t, events.MergeComplete{
			Round: 2, Winner: "primary", Reason: "score",
			TreeHash: "1234abcdef5678901234abcdef5678901234abcd",
		})
		assert.Equal(t, "round 2: merged primary (score) @1234abcd", FormatEventLine(events.KindMergeComplete, data))
	})

	t.Run("merge_complete_minimal", func(t *testing.T) {
		data := marshal(t, events.MergeComplete{Round: 2, Winner: "primary"})
		assert.Equal(t, "round 2: merged primary", FormatEventLine(events.KindMergeComplete, data))
	})

	t.Run("round_indeterminate", func(t *testing.T) {
		data := marshal(t, events.RoundIndeterminate{Round: 4})
		assert.Equal(t, "round 4: indeterminate, target untouched", FormatEventLine(events.KindRoundIndeterminate, data))
	})

	t.Run("session_complete", func(t *testing.T) {
		data := marshal(t, events.SessionComplete{Status: "completed", Rounds: 4})
		assert.Equal(t, "session completed after 4 rounds", FormatEventLine(events.KindSessionComplete, data))
	})

	t.Run("session_complete_failed", func(t *testing.T) {
		data := marshal(t, events.SessionComplete{
			Status: "failed", Rounds: 2,
			Error: "canonical target changed concurrently",
		})
		assert.Equal(t, "session failed after 2 rounds: canonical target changed concurrently",
			FormatEventLine(events.KindSessionComplete, data))
	})

	t.Run("mode_changed", func(t *testing.T) {
		data := marshal(t, events.ModeChanged{NewMode: "dual-tournament"})
		assert.Equal(t, "mode changed: dual-tournament", FormatEventLine(events.KindModeChanged, data))
	})

	t.Run("unknown_kind", func(t *testing.T) {
		assert.Equal(t, "compaction-start", FormatEventLine(events.Kind("compaction-start"), []byte("{}")))
	})

	t.Run("unreadable_payload", func(t *testing.T) {
		assert.Equal(t, "round-start", FormatEventLine(events.KindRoundStart, []byte("{nope")))
	})
}
