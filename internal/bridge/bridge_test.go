package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *nats.Conn) {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	b, err := New(nc, mode.NewRegistry(nil), cfg, zap.NewNop())
	require.NoError(t, err)
	return b, nc
}

func subscribe(t *testing.T, nc *nats.Conn, subject string) chan *nats.Msg {
	t.Helper()

	ch := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func waitForMsg(t *testing.T, ch chan *nats.Msg) *nats.Msg {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(nil, mode.NewRegistry(nil), Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NATS connection")
}

func TestRoundStartPublishesToSessionSubject(t *testing.T) {
	b, nc := newTestBridge(t, Config{})
	ch := subscribe(t, nc, events.Subject("sess-1", events.KindRoundStart))

	err := b.RoundStart(context.Background(), events.RoundStart{
		SessionID: "sess-1",
		Round:     1,
		Mode:      string(mode.DualContinuous),
		Variants:  []string{"primary", "refiner"},
	})
	require.NoError(t, err)

	msg := waitForMsg(t, ch)
	var ev events.RoundStart
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, 1, ev.Round)
	assert.Equal(t, "dual-continuous", ev.Mode)
	assert.Equal(t, []string{"primary", "refiner"}, ev.Variants)
	assert.False(t, ev.Timestamp.IsZero(), "timestamp is stamped when the caller leaves it zero")
}

func TestWildcardSubscriberSeesWholeSequence(t *testing.T) {
	b, nc := newTestBridge(t, Config{})
	ch := subscribe(t, nc, events.SubscribeSubject("sess-2"))
	ctx := context.Background()

	require.NoError(t, b.RoundStart(ctx, events.RoundStart{SessionID: "sess-2", Round: 1}))
	require.NoError(t, b.RoundResult(ctx, events.RoundResult{
		SessionID: "sess-2", Round: 1, Variant: "primary", Success: true, QualityScore: 0.8,
	}))
	require.NoError(t, b.MergeComplete(ctx, events.MergeComplete{
		SessionID: "sess-2", Round: 1, Winner: "primary", TreeHash: "abc123",
	}))
	require.NoError(t, b.SessionComplete(ctx, events.SessionComplete{
		SessionID: "sess-2", TargetRef: "/repo", Status: "completed", Rounds: 1,
	}))

	var kinds []events.Kind
	for i := 0; i < 4; i++ {
		msg := waitForMsg(t, ch)
		kinds = append(kinds, events.KindFromSubject(msg.Subject))
	}
	assert.Equal(t, []events.Kind{
		events.KindRoundStart,
		events.KindRoundResult,
		events.KindMergeComplete,
		events.KindSessionComplete,
	}, kinds)
}

func TestPublishFailureReturnsError(t *testing.T) {
	b, nc := newTestBridge(t, Config{})
	nc.Close()

	err := b.RoundStart(context.Background(), events.RoundStart{SessionID: "sess-3", Round: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish round-start event")
}

func TestTailRetainsEventsInOrder(t *testing.T) {
	b, _ := newTestBridge(t, Config{})
	ctx := context.Background()

	require.NoError(t, b.RoundStart(ctx, events.RoundStart{SessionID: "sess-4", Round: 1}))
	require.NoError(t, b.RoundResult(ctx, events.RoundResult{SessionID: "sess-4", Round: 1, Variant: "primary"}))
	require.NoError(t, b.RoundIndeterminate(ctx, events.RoundIndeterminate{SessionID: "sess-4", Round: 1}))

	tail := b.Tail("sess-4")
	require.Len(t, tail, 3)
	assert.Equal(t, events.KindRoundStart, tail[0].Kind)
	assert.Equal(t, events.KindRoundResult, tail[1].Kind)
	assert.Equal(t, events.KindRoundIndeterminate, tail[2].Kind)
	assert.Equal(t, events.Subject("sess-4", events.KindRoundStart), tail[0].Subject)

	assert.Empty(t, b.Tail("sess-other"))
}

func TestTailDropsOldestPastCapacity(t *testing.T) {
	b, _ := newTestBridge(t, Config{TailSize: 2})
	ctx := context.Background()

	for round := 1; round <= 3; round++ {
		require.NoError(t, b.RoundStart(ctx, events.RoundStart{SessionID: "sess-5", Round: round}))
	}

	tail := b.Tail("sess-5")
	require.Len(t, tail, 2)

	var first, last events.RoundStart
	require.NoError(t, json.Unmarshal(tail[0].Data, &first))
	require.NoError(t, json.Unmarshal(tail[1].Data, &last))
	assert.Equal(t, 2, first.Round)
	assert.Equal(t, 3, last.Round)
}

func TestTailReleasedAfterSessionCompleteTTL(t *testing.T) {
	b, _ := newTestBridge(t, Config{TailTTL: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.RoundStart(ctx, events.RoundStart{SessionID: "sess-6", Round: 1}))
	require.NoError(t, b.SessionComplete(ctx, events.SessionComplete{
		SessionID: "sess-6", Status: "completed", Rounds: 1,
	}))
	require.NotEmpty(t, b.Tail("sess-6"), "tail stays replayable right after completion")

	assert.Eventually(t, func() bool {
		return len(b.Tail("sess-6")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusStartsIdle(t *testing.T) {
	b, _ := newTestBridge(t, Config{})

	st := b.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, string(mode.Default), st.ActiveMode)
	assert.False(t, st.UpdatedAt.IsZero())
}

func TestPushStatusCopiesWins(t *testing.T) {
	b, _ := newTestBridge(t, Config{})

	wins := map[string]int64{"primary": 2}
	b.PushStatus(events.Status{
		ActiveSession: "sess-7",
		ActiveMode:    string(mode.DualContinuous),
		State:         "running",
		Wins:          wins,
	})
	wins["primary"] = 99

	st := b.Status()
	assert.Equal(t, "sess-7", st.ActiveSession)
	assert.Equal(t, int64(2), st.Wins["primary"], "snapshot does not alias the caller's map")
	assert.False(t, st.UpdatedAt.IsZero())

	st.Wins["primary"] = 50
	assert.Equal(t, int64(2), b.Status().Wins["primary"])
}

func TestSetModePreferenceBuffers(t *testing.T) {
	b, _ := newTestBridge(t, Config{})

	state, err := b.SetModePreference(mode.DualTournament)
	require.NoError(t, err)
	assert.Equal(t, "dual-tournament", state.NextMode)
	assert.Equal(t, "Dual (tournament)", state.Label)
	assert.Equal(t, CycleHotkey, state.Hotkey)
	assert.True(t, state.Pending)

	assert.Equal(t, state.NextMode, b.ToggleState().NextMode)
	assert.True(t, b.ToggleState().Pending)
}

func TestSetModePreferenceRejectsUnknownMode(t *testing.T) {
	b, _ := newTestBridge(t, Config{})

	_, err := b.SetModePreference("triple-chaos")
	require.Error(t, err)

	state := b.ToggleState()
	assert.False(t, state.Pending, "rejected preference leaves the buffer untouched")
	assert.Equal(t, string(mode.Default), state.NextMode)
}

func TestCycleModePreferenceWrapsAround(t *testing.T) {
	b, _ := newTestBridge(t, Config{})

	first := b.CycleModePreference()
	assert.Equal(t, string(mode.DualContinuous), first.NextMode)
	assert.True(t, first.Pending)

	second := b.CycleModePreference()
	assert.Equal(t, string(mode.DualTournament), second.NextMode)

	third := b.CycleModePreference()
	assert.Equal(t, string(mode.SingleContinuous), third.NextMode)
}

func TestDrainPreference(t *testing.T) {
	b, _ := newTestBridge(t, Config{})

	_, ok := b.DrainPreference()
	assert.False(t, ok, "nothing buffered yet")

	_, err := b.SetModePreference(mode.DualContinuous)
	require.NoError(t, err)

	id, ok := b.DrainPreference()
	require.True(t, ok)
	assert.Equal(t, mode.DualContinuous, id)

	_, ok = b.DrainPreference()
	assert.False(t, ok, "drain clears the buffer")

	state := b.ToggleState()
	assert.False(t, state.Pending)
	assert.Equal(t, string(mode.DualContinuous), state.NextMode)
}

func TestModeChangedPublishes(t *testing.T) {
	b, nc := newTestBridge(t, Config{})
	ch := subscribe(t, nc, events.Subject("sess-8", events.KindModeChanged))

	err := b.ModeChanged(context.Background(), events.ModeChanged{
		SessionID: "sess-8",
		NewMode:   string(mode.DualTournament),
	})
	require.NoError(t, err)

	msg := waitForMsg(t, ch)
	var ev events.ModeChanged
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "dual-tournament", ev.NewMode)
}
