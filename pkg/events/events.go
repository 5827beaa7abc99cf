// Package events defines the wire format for upgrade session status events.
//
// The daemon publishes one JSON-encoded payload per event to NATS subjects of
// the form:
//
//	upgrade.session.{session_id}.{kind}
//
// External renderers consume the same payloads over the daemon's SSE endpoint
// (GET /v1/sessions/{id}/events), where the SSE event name is the Kind and
// the data line is the JSON payload. The JSON field names in this package are
// the stable contract; Go struct shapes may grow but existing fields never
// change meaning.
package events

import (
	"fmt"
	"time"
)

// Kind identifies an event type. It is the final token of the NATS subject
// and the SSE event name.
type Kind string

const (
	// KindRoundStart is published when a round begins, before any variant runs.
	KindRoundStart Kind = "round-start"

	// KindRoundResult is published once per variant as its result is finalized.
	KindRoundResult Kind = "round-result"

	// KindMergeComplete is published after the winning workspace has been
	// merged into the canonical target.
	KindMergeComplete Kind = "merge-complete"

	// KindRoundIndeterminate is published when every variant in a round
	// failed and no merge occurred.
	KindRoundIndeterminate Kind = "round-indeterminate"

	// KindSessionComplete is published exactly once, when the session reaches
	// a terminal state. SSE streams close after this event.
	KindSessionComplete Kind = "session-complete"

	// KindModeChanged is published when a buffered mode preference takes
	// effect at a session boundary.
	KindModeChanged Kind = "mode-changed"
)

// SubjectPrefix is the root of all session event subjects.
const SubjectPrefix = "upgrade.session"

// Subject returns the NATS subject for one event of one session.
func Subject(sessionID string, kind Kind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sessionID, kind)
}

// SubscribeSubject returns the wildcard subject matching every event of one
// session, suitable for nats.Conn.Subscribe.
func SubscribeSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.*", SubjectPrefix, sessionID)
}

// KindFromSubject extracts the event kind from a full subject. Returns an
// empty Kind when the subject does not match the session event scheme.
func KindFromSubject(subject string) Kind {
	// The kind in upgrade.session.{id}.{kind} is everything after the last dot.
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return Kind(subject[i+1:])
		}
	}
	return ""
}

// RoundStart announces a new round.
type RoundStart struct {
	SessionID string    `json:"session_id"`
	Round     int       `json:"round"`
	Mode      string    `json:"mode"`
	Variants  []string  `json:"variants"`
	Parallel  bool      `json:"parallel"`
	Timestamp time.Time `json:"timestamp"`
}

// RoundResult reports one variant's finalized outcome within a round.
type RoundResult struct {
	SessionID    string    `json:"session_id"`
	Round        int       `json:"round"`
	Variant      string    `json:"variant"`
	Success      bool      `json:"success"`
	QualityScore float64   `json:"quality_score"`
	CompletedAt  int64     `json:"completed_at_ms"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// MergeComplete reports that a round's winner was merged into the target.
type MergeComplete struct {
	SessionID string    `json:"session_id"`
	Round     int       `json:"round"`
	Winner    string    `json:"winner"`
	Reason    string    `json:"reason,omitempty"`
	TreeHash  string    `json:"tree_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RoundIndeterminate reports a round in which every variant failed.
type RoundIndeterminate struct {
	SessionID string    `json:"session_id"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionComplete reports the terminal state of a session.
//
// LastMergedHash identifies the canonical target's last merged tree so its
// provenance is reconstructable even after a failure. Empty when no round
// merged.
type SessionComplete struct {
	SessionID      string    `json:"session_id"`
	TargetRef      string    `json:"target_ref"`
	Status         string    `json:"status"`
	Rounds         int       `json:"rounds"`
	LastMergedHash string    `json:"last_merged_hash,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ModeChanged reports that a buffered toggle preference took effect.
type ModeChanged struct {
	SessionID string    `json:"session_id,omitempty"`
	NewMode   string    `json:"new_mode"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the read-model snapshot served by GET /v1/status. The
// orchestrator recomputes and pushes it after every round and on terminal
// transitions.
type Status struct {
	ActiveSession  string           `json:"active_session,omitempty"`
	TargetRef      string           `json:"target_ref,omitempty"`
	ActiveMode     string           `json:"active_mode"`
	ActiveVariants []string         `json:"active_variants,omitempty"`
	State          string           `json:"state"`
	RoundsDone     int              `json:"rounds_done"`
	RoundsTotal    int              `json:"rounds_total"`
	Wins           map[string]int64 `json:"wins,omitempty"`
	LastWinner     string           `json:"last_winner,omitempty"`
	Streak         int64            `json:"streak"`
	StreakHolder   string           `json:"streak_holder,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ToggleState is the read-model for GET /v1/toggle: which mode the next
// session will use, plus display metadata for renderers.
type ToggleState struct {
	NextMode  string    `json:"next_mode"`
	Label     string    `json:"label"`
	Hotkey    string    `json:"hotkey"`
	Pending   bool      `json:"pending"`
	UpdatedAt time.Time `json:"updated_at"`
}
