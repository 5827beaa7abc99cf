package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

func TestFailure(t *testing.T) {
	err := errors.New("boom")
	res := Failure(mode.RoleRefiner, 1234, err)

	assert.Equal(t, mode.RoleRefiner, res.Role)
	assert.False(t, res.Success)
	assert.Equal(t, int64(1234), res.CompletedAtMs)
	assert.Same(t, err, res.Err)
	assert.Zero(t, res.QualityScore)
}

func TestScriptedAdapter_ReplaysInOrder(t *testing.T) {
	s := NewScriptedAdapter()
	s.Script(1, mode.RolePrimary, 0.5, "first pass")
	s.Script(1, mode.RolePrimary, 0.7, "second pass")

	req := Request{SessionID: "s", Round: 1, Role: mode.RolePrimary, SessionStart: time.Now()}

	res, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.5, res.QualityScore)
	assert.Equal(t, "first pass", res.Summary)

	res, err = s.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.7, res.QualityScore)

	assert.Equal(t, 2, s.CallCount(1, mode.RolePrimary))
}

func TestScriptedAdapter_UnscriptedFails(t *testing.T) {
	s := NewScriptedAdapter()

	res, err := s.Run(context.Background(), Request{Round: 3, Role: mode.RoleRefiner})
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "no scripted result for round 3 role refiner")
}

func TestScriptedAdapter_ScriptFailure(t *testing.T) {
	s := NewScriptedAdapter()
	cause := errors.New("compilation broke")
	s.ScriptFailure(1, mode.RolePrimary, cause)

	res, err := s.Run(context.Background(), Request{Round: 1, Role: mode.RolePrimary})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, cause)
}

func TestScriptedAdapter_BlockUntilCancel(t *testing.T) {
	s := NewScriptedAdapter()
	s.ScriptStep(1, mode.RolePrimary, Step{BlockUntilCancel: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := s.Run(ctx, Request{Round: 1, Role: mode.RolePrimary, SessionStart: time.Now()})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrCancelled)
}

func TestScriptedAdapter_DelayCompletes(t *testing.T) {
	s := NewScriptedAdapter()
	s.ScriptStep(1, mode.RoleRefiner, Step{
		Delay:  10 * time.Millisecond,
		Result: Result{Success: true, QualityScore: 0.9},
	})

	res, err := s.Run(context.Background(), Request{Round: 1, Role: mode.RoleRefiner, SessionStart: time.Now()})
	require.NoError(t, err)

	assert.True(t, res.Success)
	// Role is filled from the request when the step leaves it empty.
	assert.Equal(t, mode.RoleRefiner, res.Role)
}

func TestScriptedAdapter_RequestError(t *testing.T) {
	s := NewScriptedAdapter()
	s.ScriptStep(1, mode.RolePrimary, Step{Err: errors.New("adapter exploded")})

	_, err := s.Run(context.Background(), Request{Round: 1, Role: mode.RolePrimary})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter exploded")
}

func TestScriptedAdapter_Calls(t *testing.T) {
	s := NewScriptedAdapter()
	s.Script(1, mode.RolePrimary, 0.5, "")
	s.Script(1, mode.RoleRefiner, 0.6, "")

	_, _ = s.Run(context.Background(), Request{Round: 1, Role: mode.RolePrimary, Guidance: "a"})
	_, _ = s.Run(context.Background(), Request{Round: 1, Role: mode.RoleRefiner, Guidance: "b"})

	calls := s.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, mode.RolePrimary, calls[0].Role)
	assert.Equal(t, "a", calls[0].Guidance)
	assert.Equal(t, mode.RoleRefiner, calls[1].Role)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", b.String())

	_, err = b.Write([]byte("defghijkl"))
	require.NoError(t, err)
	assert.Equal(t, "efghijkl", b.String())
	assert.LessOrEqual(t, len(b.String()), 8)
}

func TestTailBuffer_TrimsWhitespace(t *testing.T) {
	b := newTailBuffer(64)
	_, _ = b.Write([]byte("line one\nline two\n"))
	assert.True(t, strings.HasSuffix(b.String(), "line two"))
}
