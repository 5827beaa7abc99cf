// Package episodic persists per-target win/streak history across sessions
// and turns it into an advisory mode recommendation.
//
// One record exists per canonical target. Writes happen only from the
// orchestrator's sequential round loop; reads may happen concurrently from
// status display, so stores must be safe for one writer and many readers.
package episodic

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

// ErrNotFound marks a target with no episodic record.
var ErrNotFound = errors.New("no episodic record for target")

// Record is the persisted episodic memory for one target.
type Record struct {
	// Target is the canonical target identifier the record is keyed by.
	Target string

	// Wins counts rounds won per role. Counts only ever grow, except
	// through an explicit Reset.
	Wins map[mode.Role]int

	// Streak is the current consecutive-win count.
	Streak int

	// StreakHolder is the role holding the streak; empty when no streak
	// is live (fresh record or after an indeterminate round).
	StreakHolder mode.Role

	// LastMode is the mode of the most recent recorded round.
	LastMode mode.ID

	// LastUpdated is when the record last changed.
	LastUpdated time.Time
}

// clone returns a deep copy so callers can never alias store state.
func (r Record) clone() Record {
	out := r
	out.Wins = make(map[mode.Role]int, len(r.Wins))
	for role, n := range r.Wins {
		out.Wins[role] = n
	}
	return out
}

// Store persists one Record per target.
type Store interface {
	// Get returns the record for a target, or ErrNotFound.
	Get(ctx context.Context, target string) (Record, error)

	// Put upserts a record keyed by its Target.
	Put(ctx context.Context, rec Record) error

	// Reset removes a target's record. A missing record is not an error.
	Reset(ctx context.Context, target string) error

	// List returns all records, most recently updated first.
	List(ctx context.Context) ([]Record, error)

	// Close releases backing resources.
	Close() error
}
