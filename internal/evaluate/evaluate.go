// Package evaluate arbitrates round winners between variant results.
//
// Arbitration is a pure function: the same results produce the same
// verdict regardless of input order. Failed results are disqualified as
// long as at least one variant succeeded; when every variant fails the
// round is indeterminate and nothing merges.
package evaluate

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/upgraded/internal/executor"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

// scoreEpsilon is the equality window for effective scores. Differences
// below it fall through to the completion-time and role tie-breaks.
const scoreEpsilon = 1e-9

// Reasons reported in Outcome.Reason and on merge events.
const (
	ReasonScore     = "score"
	ReasonEarlier   = "earlier-completion"
	ReasonRole      = "role-precedence"
	ReasonSole      = "sole-candidate"
	ReasonAllFailed = "all-variants-failed"
	ReasonNoResults = "no-results"
)

// Outcome is the arbitration verdict for one round.
type Outcome struct {
	// Winner is the winning role. Empty when Indeterminate.
	Winner mode.Role

	// Result is the winning result. Zero when Indeterminate.
	Result executor.Result

	// Indeterminate reports that no variant produced a usable change set.
	Indeterminate bool

	// Reason names the rule that decided the round.
	Reason string

	// Ranked holds the qualifying results, best first.
	Ranked []executor.Result
}

// Decide picks the round winner from one result per variant.
//
// Qualifying results are ranked by quality score plus the mode's refiner
// bias for refiner results, descending. Scores within scoreEpsilon of each
// other are tied; ties go to the earlier completion offset, then to the
// primary role. Results carrying NaN scores never qualify.
func Decide(m mode.Mode, results []executor.Result) Outcome {
	if len(results) == 0 {
		return Outcome{Indeterminate: true, Reason: ReasonNoResults}
	}

	eligible := make([]executor.Result, 0, len(results))
	for _, r := range results {
		if r.Success && !math.IsNaN(r.QualityScore) {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return Outcome{Indeterminate: true, Reason: ReasonAllFailed}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return ranksBefore(m, eligible[i], eligible[j])
	})

	out := Outcome{
		Winner: eligible[0].Role,
		Result: eligible[0],
		Ranked: eligible,
		Reason: ReasonSole,
	}
	if len(eligible) > 1 {
		out.Reason = decidingRule(m, eligible[0], eligible[1])
	}
	return out
}

// EffectiveScore is the ranking score: the raw quality score plus the
// mode's refiner bias for refiner results.
func EffectiveScore(m mode.Mode, r executor.Result) float64 {
	if r.Role == mode.RoleRefiner {
		return r.QualityScore + m.RefinerBias
	}
	return r.QualityScore
}

// ranksBefore is the strict ordering: higher effective score, then earlier
// completion, then primary before refiner.
func ranksBefore(m mode.Mode, a, b executor.Result) bool {
	sa, sb := EffectiveScore(m, a), EffectiveScore(m, b)
	if diff := sa - sb; diff > scoreEpsilon || diff < -scoreEpsilon {
		return sa > sb
	}
	if a.CompletedAtMs != b.CompletedAtMs {
		return a.CompletedAtMs < b.CompletedAtMs
	}
	return a.Role == mode.RolePrimary && b.Role != mode.RolePrimary
}

// decidingRule names the comparison that separated winner from runner-up.
func decidingRule(m mode.Mode, winner, runnerUp executor.Result) string {
	if EffectiveScore(m, winner)-EffectiveScore(m, runnerUp) > scoreEpsilon {
		return ReasonScore
	}
	if winner.CompletedAtMs != runnerUp.CompletedAtMs {
		return ReasonEarlier
	}
	return ReasonRole
}
