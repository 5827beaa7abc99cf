// Package executor defines the adapter boundary between the session
// orchestrator and the external upgrade agents that do the actual work.
//
// An Adapter runs one variant attempt inside one workspace and always
// reports a Result, whether the attempt succeeded, failed, timed out, or
// was cancelled. The daemon never interprets agent output beyond the
// structured report contract; agents are opaque capabilities.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

var (
	// ErrCancelled reports that a run was interrupted by context
	// cancellation before the agent finished.
	ErrCancelled = errors.New("execution cancelled")

	// ErrTimeout reports that a run exceeded its round budget.
	ErrTimeout = errors.New("execution timed out")
)

// Request describes one variant attempt.
type Request struct {
	// SessionID identifies the owning upgrade session.
	SessionID string

	// Round is the 1-based round number within the session.
	Round int

	// Role is the variant identity running this attempt.
	Role mode.Role

	// Dir is the workspace root the agent may mutate. Agents must not
	// touch anything outside it.
	Dir string

	// Guidance is the role instruction resolved from the active mode.
	Guidance string

	// Timeout bounds the attempt. Zero means no per-attempt deadline
	// beyond what ctx already carries.
	Timeout time.Duration

	// SessionStart anchors CompletedAtMs. All variants of a session share
	// the same anchor so completion offsets are comparable.
	SessionStart time.Time
}

// Result is the finalized outcome of one variant attempt. Adapters always
// produce one, even for timeouts and cancellations.
type Result struct {
	Role mode.Role

	// Success reports whether the agent produced a usable change set.
	Success bool

	// QualityScore is the agent's self-reported quality in [0, 1].
	// Meaningless when Success is false.
	QualityScore float64

	// CompletedAtMs is the monotonic offset from Request.SessionStart at
	// which the result was finalized, in milliseconds.
	CompletedAtMs int64

	// Summary describes the change set in one or two sentences. Empty on
	// failure, and empty on success when the agent found nothing left to
	// change.
	Summary string

	// Err carries the failure cause when Success is false.
	Err error
}

// Failure builds a failed Result for role at the given completion offset.
func Failure(role mode.Role, completedAtMs int64, err error) Result {
	return Result{
		Role:          role,
		Success:       false,
		CompletedAtMs: completedAtMs,
		Err:           err,
	}
}

// Adapter runs upgrade attempts. Run returns a non-nil error only when the
// request itself is unusable; agent failures, timeouts, and cancellations
// are reported inside the Result with Success false.
type Adapter interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// elapsedMs returns the monotonic offset from anchor in milliseconds,
// floored at zero.
func elapsedMs(anchor time.Time) int64 {
	ms := time.Since(anchor).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
