package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/upgraded/internal/episodic"
	"github.com/fyrsmithlabs/upgraded/internal/executor"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

var (
	// ErrSessionConflict reports that the target already has a running
	// session. Surfaced to the caller, never retried internally.
	ErrSessionConflict = errors.New("a session is already running for this target")

	// ErrSessionNotFound reports an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClosed reports that the service is shutting down.
	ErrClosed = errors.New("orchestrator is closed")
)

// Error kinds carried on failed sessions so callers can tell a workspace
// fault from a merge conflict without parsing error strings.
const (
	ErrorKindWorkspace     = "workspace"
	ErrorKindMergeConflict = "merge-conflict"
)

// State is the lifecycle state of a session.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// allowedTransitions is the session state machine. Anything not listed is
// a programming error, not a recoverable condition.
var allowedTransitions = map[State][]State{
	StatePending: {StateRunning},
	StateRunning: {StateCompleted, StateAborted, StateFailed},
}

func checkTransition(from, to State) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", from, to)
}

// Budget bounds one session. Zero fields take the service defaults.
type Budget struct {
	// MaxRounds caps how many rounds the session may run.
	MaxRounds int

	// RoundTimeout is the wall-clock budget one round's variants share in
	// sequential modes, and each variant's budget in parallel mode.
	RoundTimeout time.Duration

	// GracePeriod is how long an interrupted variant gets to report back
	// before it is abandoned.
	GracePeriod time.Duration

	// MaxIndeterminateRounds ends the session after this many consecutive
	// rounds in which every variant failed.
	MaxIndeterminateRounds int
}

// StartRequest asks for a new session against one target.
type StartRequest struct {
	// TargetRef is the canonical workspace the session upgrades. Required.
	TargetRef string

	// Mode pins the run mode. Empty resolves via the buffered toggle
	// preference, then the episodic recommendation, then the default.
	Mode mode.ID

	// Budget overrides the configured session budget where non-zero.
	Budget Budget
}

// RoundRecord is one concluded round in a session's history.
type RoundRecord struct {
	Round   int
	Mode    mode.ID
	Results []executor.Result

	// Winner is empty when the round was indeterminate.
	Winner mode.Role

	// Reason names the evaluator rule that decided the round.
	Reason string

	// Merged reports whether the winner reached the canonical target.
	Merged bool

	// TreeHash is the target's content hash after the merge.
	TreeHash string
}

// winnerResult returns the winning variant's result.
func (r RoundRecord) winnerResult() (executor.Result, bool) {
	if r.Winner == "" {
		return executor.Result{}, false
	}
	for _, res := range r.Results {
		if res.Role == r.Winner {
			return res, true
		}
	}
	return executor.Result{}, false
}

// Session is a point-in-time snapshot of one upgrade session. The round
// history is ordered and append-only; terminal sessions additionally carry
// the error kind and the last merged tree hash for provenance.
type Session struct {
	ID        string
	TargetRef string
	Mode      mode.ID
	State     State
	Budget    Budget
	Rounds    []RoundRecord

	// LastMergedHash identifies the target's tree after the most recent
	// merge. Empty when no round merged.
	LastMergedHash string

	Error     string
	ErrorKind string

	StartedAt time.Time
	EndedAt   time.Time
}

func (sn Session) clone() Session {
	out := sn
	out.Rounds = make([]RoundRecord, len(sn.Rounds))
	for i, r := range sn.Rounds {
		r.Results = append([]executor.Result(nil), r.Results...)
		out.Rounds[i] = r
	}
	return out
}

// Bridge is the status and event surface the orchestrator publishes
// through. Event delivery failures never fail a session.
type Bridge interface {
	RoundStart(ctx context.Context, ev events.RoundStart) error
	RoundResult(ctx context.Context, ev events.RoundResult) error
	MergeComplete(ctx context.Context, ev events.MergeComplete) error
	RoundIndeterminate(ctx context.Context, ev events.RoundIndeterminate) error
	SessionComplete(ctx context.Context, ev events.SessionComplete) error
	ModeChanged(ctx context.Context, ev events.ModeChanged) error
	PushStatus(st events.Status)
	DrainPreference() (mode.ID, bool)
}

// Memory is the episodic store surface the orchestrator consults for mode
// recommendations and updates after every concluded round.
type Memory interface {
	Record(ctx context.Context, target string, winner mode.Role, modeID mode.ID) (episodic.Record, error)
	RecommendMode(ctx context.Context, target string) mode.ID
	Snapshot(ctx context.Context, target string) (episodic.Record, error)
}
