package episodic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := sampleRecord("t1", time.UnixMilli(1000).UTC())
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, s.Reset(ctx, "t1"))
	_, err = s.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleRecord("t1", time.UnixMilli(1000).UTC())))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	got.Wins[mode.RolePrimary] = 99

	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, again.Wins[mode.RolePrimary], "callers must not alias store state")
}

func TestMemoryStore_ListOrdersByRecency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleRecord("b-old", time.UnixMilli(1000).UTC())))
	require.NoError(t, s.Put(ctx, sampleRecord("a-new", time.UnixMilli(2000).UTC())))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-new", got[0].Target)
	assert.Equal(t, "b-old", got[1].Target)
}
