package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

func startTestWatcher(t *testing.T, target string) *Watcher {
	t.Helper()
	w, err := NewWatcher(target, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_MarksDirtyOnOutOfBandWrite(t *testing.T) {
	target := newTestTarget(t)
	w := startTestWatcher(t, target)

	assert.False(t, w.Dirty())

	writeFile(t, target, "main.go", "package main // drive-by edit\n")

	require.Eventually(t, w.Dirty, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_SeesWritesInSubdirectories(t *testing.T) {
	target := newTestTarget(t)
	w := startTestWatcher(t, target)

	writeFile(t, target, "internal/app/app.go", "package app // edited\n")

	require.Eventually(t, w.Dirty, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_MergeWindowIsNotDrift(t *testing.T) {
	target := newTestTarget(t)
	w := startTestWatcher(t, target)

	w.BeginMerge()
	writeFile(t, target, "main.go", "package main // merged\n")
	w.EndMerge()

	// Give any stray event time to be processed after the settle.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, w.Dirty())

	// Writes after the window are drift again.
	writeFile(t, target, "main.go", "package main // drift\n")
	require.Eventually(t, w.Dirty, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_WatchesDirectoriesAddedDuringMerge(t *testing.T) {
	target := newTestTarget(t)
	w := startTestWatcher(t, target)

	w.BeginMerge()
	require.NoError(t, os.MkdirAll(filepath.Join(target, "pkg/util"), 0o755))
	w.EndMerge()

	time.Sleep(150 * time.Millisecond)
	require.False(t, w.Dirty())

	writeFile(t, target, "pkg/util/util.go", "package util\n")
	require.Eventually(t, w.Dirty, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresGitChurn(t *testing.T) {
	target := newTestTarget(t)
	w := startTestWatcher(t, target)

	writeFile(t, target, ".git/index", "rewritten by git gc")

	time.Sleep(200 * time.Millisecond)
	assert.False(t, w.Dirty())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	target := newTestTarget(t)
	w, err := NewWatcher(target, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}

func TestManager_StartWatchDisabled(t *testing.T) {
	m, err := NewManager(Config{Root: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	target := newTestTarget(t)
	m.StartWatch(context.Background(), target)

	abs, err := filepath.Abs(target)
	require.NoError(t, err)
	assert.Nil(t, m.watcherFor(abs))
}

func TestManager_MergeConsultsWatcher(t *testing.T) {
	m := newTestManager(t)
	target := newTestTarget(t)
	ctx := context.Background()

	ws, err := m.Create(ctx, "sess-1", target, mode.RolePrimary)
	require.NoError(t, err)
	writeFile(t, ws.Dir, "main.go", "package main // upgraded\n")

	m.StartWatch(ctx, target)
	t.Cleanup(func() { m.StopWatch(target) })

	// A clean merge passes through the watcher's merge window.
	_, err = m.Merge(ctx, ws, target)
	require.NoError(t, err)

	// Out-of-band drift after the merge fails the next merge before any
	// hashing happens.
	writeFile(t, target, "main.go", "package main // drift\n")
	abs, err := filepath.Abs(target)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		w := m.watcherFor(abs)
		return w != nil && w.Dirty()
	}, 2*time.Second, 10*time.Millisecond)

	ws2, err := m.Create(ctx, "sess-2", target, mode.RolePrimary)
	require.NoError(t, err)
	_, err = m.Merge(ctx, ws2, target)
	assert.ErrorIs(t, err, ErrMergeConflict)
}
