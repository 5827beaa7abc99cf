package episodic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "episodic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(target string, updated time.Time) Record {
	return Record{
		Target:       target,
		Wins:         map[mode.Role]int{mode.RolePrimary: 3, mode.RoleRefiner: 1},
		Streak:       2,
		StreakHolder: mode.RolePrimary,
		LastMode:     mode.DualContinuous,
		LastUpdated:  updated,
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "github.com/acme/api")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	updated := time.UnixMilli(1724400000123).UTC()

	require.NoError(t, s.Put(ctx, sampleRecord("github.com/acme/api", updated)))

	got, err := s.Get(ctx, "github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("github.com/acme/api", updated), got)
}

func TestSQLiteStore_PutUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("github.com/acme/api", time.UnixMilli(1000).UTC())
	require.NoError(t, s.Put(ctx, rec))

	rec.Wins[mode.RolePrimary] = 4
	rec.Streak = 3
	rec.LastMode = mode.DualTournament
	rec.LastUpdated = time.UnixMilli(2000).UTC()
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Wins[mode.RolePrimary])
	assert.Equal(t, 1, got.Wins[mode.RoleRefiner])
	assert.Equal(t, 3, got.Streak)
	assert.Equal(t, mode.DualTournament, got.LastMode)
	assert.Len(t, got.Wins, 2, "win rows are upserted, not duplicated")
}

func TestSQLiteStore_ResetRemovesRecordAndWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleRecord("github.com/acme/api", time.UnixMilli(1000).UTC())))
	require.NoError(t, s.Reset(ctx, "github.com/acme/api"))

	_, err := s.Get(ctx, "github.com/acme/api")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reset is idempotent.
	require.NoError(t, s.Reset(ctx, "github.com/acme/api"))

	// Old win rows must not resurface after a fresh Put: the delete
	// cascades through episodic_wins.
	fresh := Record{
		Target:      "github.com/acme/api",
		Wins:        map[mode.Role]int{mode.RolePrimary: 1},
		Streak:      1,
		LastUpdated: time.UnixMilli(3000).UTC(),
	}
	fresh.StreakHolder = mode.RolePrimary
	require.NoError(t, s.Put(ctx, fresh))

	got, err := s.Get(ctx, "github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, map[mode.Role]int{mode.RolePrimary: 1}, got.Wins)
}

func TestSQLiteStore_ListOrdersByRecency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleRecord("target-old", time.UnixMilli(1000).UTC())))
	require.NoError(t, s.Put(ctx, sampleRecord("target-new", time.UnixMilli(3000).UTC())))
	require.NoError(t, s.Put(ctx, sampleRecord("target-mid", time.UnixMilli(2000).UTC())))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "target-new", got[0].Target)
	assert.Equal(t, "target-mid", got[1].Target)
	assert.Equal(t, "target-old", got[2].Target)
	assert.Equal(t, 3, got[0].Wins[mode.RolePrimary], "win counts ride along in List")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "episodic.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err, "missing parent directories are created")
	require.NoError(t, s.Put(ctx, sampleRecord("github.com/acme/api", time.UnixMilli(1000).UTC())))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Wins[mode.RolePrimary])
	assert.Equal(t, mode.DualContinuous, got.LastMode)
}

func TestSQLiteStore_PutRejectsEmptyTarget(t *testing.T) {
	s := openTestStore(t)

	err := s.Put(context.Background(), Record{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}
