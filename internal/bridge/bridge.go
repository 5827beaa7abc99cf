// Package bridge is the single fan-out point between the orchestrator and
// everything that renders it.
//
// It publishes the session event sequence as JSON to NATS subjects
// (upgrade.session.{id}.{kind}), keeps a bounded per-session tail so late
// SSE subscribers can catch up, holds the current status snapshot, and
// buffers the operator's mode toggle until the orchestrator drains it at the
// next session boundary. A buffered preference never touches a running
// session.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

const instrumentationName = "github.com/fyrsmithlabs/upgraded/internal/bridge"

// CycleHotkey is the key renderers bind to the mode cycle command.
const CycleHotkey = "m"

// Config configures the bridge.
type Config struct {
	// TailSize bounds the per-session event tail kept for late
	// subscribers. Zero takes the default.
	TailSize int

	// TailTTL is how long a completed session's tail stays replayable.
	// Zero takes the default.
	TailTTL time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		TailSize: 64,
		TailTTL:  time.Hour,
	}
}

// StoredEvent is one published event retained in the replay tail.
type StoredEvent struct {
	Kind    events.Kind
	Subject string
	Data    []byte
}

// Bridge publishes session events and serves the status/toggle read models.
type Bridge struct {
	nc       *nats.Conn
	registry *mode.Registry
	cfg      Config
	logger   *zap.Logger
	meter    metric.Meter

	eventCounter metric.Int64Counter

	mu     sync.RWMutex
	status events.Status
	toggle events.ToggleState
	tails  map[string][]StoredEvent
}

// New creates a bridge over an established NATS connection.
func New(nc *nats.Conn, registry *mode.Registry, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if nc == nil {
		return nil, fmt.Errorf("bridge requires a NATS connection")
	}
	if registry == nil {
		registry = mode.NewRegistry(nil)
	}
	def := DefaultConfig()
	if cfg.TailSize <= 0 {
		cfg.TailSize = def.TailSize
	}
	if cfg.TailTTL <= 0 {
		cfg.TailTTL = def.TailTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		nc:       nc,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
		status: events.Status{
			ActiveMode: string(mode.Default),
			State:      "idle",
			UpdatedAt:  time.Now().UTC(),
		},
		toggle: events.ToggleState{
			NextMode:  string(mode.Default),
			Label:     modeLabel(mode.Default),
			Hotkey:    CycleHotkey,
			UpdatedAt: time.Now().UTC(),
		},
		tails: map[string][]StoredEvent{},
	}
	b.initMetrics()
	return b, nil
}

func (b *Bridge) initMetrics() {
	var err error
	b.eventCounter, err = b.meter.Int64Counter("bridge.events",
		metric.WithDescription("Session events published by kind"))
	if err != nil {
		b.logger.Warn("failed to create bridge.events counter", zap.Error(err))
	}
}

// RoundStart publishes a round-start event.
func (b *Bridge) RoundStart(ctx context.Context, ev events.RoundStart) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publish(ctx, ev.SessionID, events.KindRoundStart, ev)
}

// RoundResult publishes one variant's finalized result.
func (b *Bridge) RoundResult(ctx context.Context, ev events.RoundResult) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publish(ctx, ev.SessionID, events.KindRoundResult, ev)
}

// MergeComplete publishes a merge-complete event.
func (b *Bridge) MergeComplete(ctx context.Context, ev events.MergeComplete) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publish(ctx, ev.SessionID, events.KindMergeComplete, ev)
}

// RoundIndeterminate publishes a round-indeterminate event.
func (b *Bridge) RoundIndeterminate(ctx context.Context, ev events.RoundIndeterminate) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publish(ctx, ev.SessionID, events.KindRoundIndeterminate, ev)
}

// SessionComplete publishes the terminal event of a session and schedules
// the session's tail for release.
func (b *Bridge) SessionComplete(ctx context.Context, ev events.SessionComplete) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	err := b.publish(ctx, ev.SessionID, events.KindSessionComplete, ev)
	go b.scheduleTailRelease(ev.SessionID, b.cfg.TailTTL)
	return err
}

// ModeChanged publishes that a buffered preference took effect.
func (b *Bridge) ModeChanged(ctx context.Context, ev events.ModeChanged) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publish(ctx, ev.SessionID, events.KindModeChanged, ev)
}

// publish marshals, records to the tail, and sends. The tail is appended
// even when the send fails so SSE replay reflects the daemon's own view.
func (b *Bridge) publish(ctx context.Context, sessionID string, kind events.Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	subject := events.Subject(sessionID, kind)

	b.appendTail(sessionID, StoredEvent{Kind: kind, Subject: subject, Data: data})

	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}

	if b.eventCounter != nil {
		b.eventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
	}
	b.logger.Debug("session event published",
		zap.String("subject", subject),
		zap.String("kind", string(kind)))
	return nil
}

func (b *Bridge) appendTail(sessionID string, ev StoredEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := append(b.tails[sessionID], ev)
	if len(tail) > b.cfg.TailSize {
		tail = tail[len(tail)-b.cfg.TailSize:]
	}
	b.tails[sessionID] = tail
}

// Tail returns a copy of the retained events for a session, oldest first.
func (b *Bridge) Tail(sessionID string) []StoredEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tail := b.tails[sessionID]
	out := make([]StoredEvent, len(tail))
	copy(out, tail)
	return out
}

func (b *Bridge) scheduleTailRelease(sessionID string, ttl time.Duration) {
	time.Sleep(ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tails, sessionID)
}

// PushStatus replaces the status snapshot.
func (b *Bridge) PushStatus(st events.Status) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	st.Wins = cloneWins(st.Wins)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = st
}

// Status returns the current status snapshot.
func (b *Bridge) Status() events.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := b.status
	st.Wins = cloneWins(st.Wins)
	return st
}

// SetModePreference buffers a mode for the next session. The id must
// resolve; a running session is never touched.
func (b *Bridge) SetModePreference(id mode.ID) (events.ToggleState, error) {
	m, err := b.registry.Resolve(id)
	if err != nil {
		return events.ToggleState{}, fmt.Errorf("set mode preference: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.toggle = events.ToggleState{
		NextMode:  string(m.ID),
		Label:     modeLabel(m.ID),
		Hotkey:    CycleHotkey,
		Pending:   true,
		UpdatedAt: time.Now().UTC(),
	}
	b.logger.Info("mode preference buffered", zap.String("next_mode", string(m.ID)))
	return b.toggle, nil
}

// CycleModePreference buffers the next mode in display order.
func (b *Bridge) CycleModePreference() events.ToggleState {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.registry.CycleNext(mode.ID(b.toggle.NextMode))
	b.toggle = events.ToggleState{
		NextMode:  string(next),
		Label:     modeLabel(next),
		Hotkey:    CycleHotkey,
		Pending:   true,
		UpdatedAt: time.Now().UTC(),
	}
	b.logger.Info("mode preference cycled", zap.String("next_mode", string(next)))
	return b.toggle
}

// ToggleState returns the current toggle read model.
func (b *Bridge) ToggleState() events.ToggleState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.toggle
}

// DrainPreference hands the buffered preference to the orchestrator and
// clears the pending flag. The second return is false when nothing was
// buffered since the last drain.
func (b *Bridge) DrainPreference() (mode.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.toggle.Pending {
		return "", false
	}
	b.toggle.Pending = false
	b.toggle.UpdatedAt = time.Now().UTC()
	return mode.ID(b.toggle.NextMode), true
}

func cloneWins(wins map[string]int64) map[string]int64 {
	if wins == nil {
		return nil
	}
	out := make(map[string]int64, len(wins))
	for k, v := range wins {
		out[k] = v
	}
	return out
}

func modeLabel(id mode.ID) string {
	switch id {
	case mode.SingleContinuous:
		return "Single (continuous)"
	case mode.DualContinuous:
		return "Dual (continuous)"
	case mode.DualTournament:
		return "Dual (tournament)"
	default:
		return string(id)
	}
}
