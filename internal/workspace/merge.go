package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Merge promotes the workspace tree into the canonical target. The merge
// is all-or-nothing: on any failure the target is restored to its
// pre-merge state. The target's own .git survives the merge; git metadata
// created inside a workspace is never transferred.
//
// Before applying, the target's current content hash is compared against
// the hash recorded at snapshot time, and the drift watcher is consulted
// when one is running. Any mismatch is ErrMergeConflict and the target is
// left untouched.
func (m *Manager) Merge(ctx context.Context, ws *Workspace, targetRef string) (MergeReport, error) {
	ctx, span := m.tracer.Start(ctx, "workspace.merge")
	defer span.End()

	if ws == nil {
		return MergeReport{}, fmt.Errorf("workspace: nil workspace")
	}
	span.SetAttributes(
		attribute.String("session.id", ws.SessionID),
		attribute.String("workspace.id", ws.ID),
		attribute.String("variant.role", string(ws.Role)),
	)

	target, err := filepath.Abs(targetRef)
	if err != nil {
		return MergeReport{}, fmt.Errorf("workspace: resolve target: %w", err)
	}

	w := m.watcherFor(target)
	if w != nil && w.Dirty() {
		m.countOp(ctx, "merge", "conflict")
		span.SetStatus(codes.Error, "merge conflict")
		return MergeReport{}, fmt.Errorf("%w: out-of-band write observed on %s", ErrMergeConflict, target)
	}

	currentHash, err := TreeHash(ctx, target)
	if err != nil {
		m.countOp(ctx, "merge", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "hash failed")
		return MergeReport{}, fmt.Errorf("workspace: hash target: %w", err)
	}
	if currentHash != ws.BaseHash {
		m.countOp(ctx, "merge", "conflict")
		span.SetStatus(codes.Error, "merge conflict")
		return MergeReport{}, fmt.Errorf("%w: target tree diverged from snapshot base", ErrMergeConflict)
	}

	// The merged target will contain exactly the workspace tree, so its
	// hash can be computed up front from the workspace.
	mergedHash, err := TreeHash(ctx, ws.Dir)
	if err != nil {
		m.countOp(ctx, "merge", "error")
		span.RecordError(err)
		return MergeReport{}, fmt.Errorf("workspace: hash workspace: %w", err)
	}

	// Stage a copy of the workspace tree next to the target so every
	// apply step below is a same-filesystem rename. The workspace root
	// may live on a different filesystem than the target.
	parent := filepath.Dir(target)
	stage := filepath.Join(parent, ".upgraded-stage-"+ws.ID)
	backup := filepath.Join(parent, ".upgraded-backup-"+ws.ID)
	defer func() {
		_ = os.RemoveAll(stage)
		_ = os.RemoveAll(backup)
	}()

	skipGit := func(path, name string, isDir bool) bool { return name == ".git" }
	files, err := copyTree(ctx, ws.Dir, stage, skipGit)
	if err != nil {
		m.countOp(ctx, "merge", "error")
		span.RecordError(err)
		return MergeReport{}, fmt.Errorf("workspace: stage merge: %w", err)
	}
	if err := os.MkdirAll(backup, 0o700); err != nil {
		m.countOp(ctx, "merge", "error")
		return MergeReport{}, fmt.Errorf("workspace: create backup dir: %w", err)
	}

	// Writes between here and EndMerge are the merge itself, not drift.
	if w != nil {
		w.BeginMerge()
		defer w.EndMerge()
	}

	if err := swapEntries(target, stage, backup); err != nil {
		m.countOp(ctx, "merge", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return MergeReport{}, fmt.Errorf("workspace: apply merge: %w", err)
	}

	m.countOp(ctx, "merge", "ok")
	m.logger.Info("workspace merged",
		zap.String("session_id", ws.SessionID),
		zap.String("workspace_id", ws.ID),
		zap.String("role", string(ws.Role)),
		zap.String("target", target),
		zap.Int("files", files),
		zap.String("tree_hash", mergedHash))
	return MergeReport{TreeHash: mergedHash, Files: files}, nil
}

// swapEntries replaces the target's entries with the staged entries,
// keeping .git in place. Every completed move is undone on failure.
func swapEntries(target, stage, backup string) error {
	targetEntries, err := os.ReadDir(target)
	if err != nil {
		return err
	}

	var moved []string   // names now in backup
	var applied []string // names now in target

	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			_ = os.Rename(filepath.Join(target, applied[i]), filepath.Join(stage, applied[i]))
		}
		for i := len(moved) - 1; i >= 0; i-- {
			_ = os.Rename(filepath.Join(backup, moved[i]), filepath.Join(target, moved[i]))
		}
	}

	for _, e := range targetEntries {
		name := e.Name()
		if name == ".git" {
			continue
		}
		if err := os.Rename(filepath.Join(target, name), filepath.Join(backup, name)); err != nil {
			rollback()
			return fmt.Errorf("move aside %s: %w", name, err)
		}
		moved = append(moved, name)
	}

	stageEntries, err := os.ReadDir(stage)
	if err != nil {
		rollback()
		return err
	}
	for _, e := range stageEntries {
		name := e.Name()
		if err := os.Rename(filepath.Join(stage, name), filepath.Join(target, name)); err != nil {
			rollback()
			return fmt.Errorf("apply %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return nil
}

func (m *Manager) watcherFor(target string) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchers[target]
}

// StartWatch begins drift watching for the duration of a session. A no-op
// when WatchDrift is disabled. Watcher setup failure is non-fatal: merge
// conflict detection falls back to hash comparison alone.
func (m *Manager) StartWatch(ctx context.Context, targetRef string) {
	if !m.cfg.WatchDrift {
		return
	}
	target, err := filepath.Abs(targetRef)
	if err != nil {
		m.logger.Warn("drift watcher skipped", zap.String("target", targetRef), zap.Error(err))
		return
	}

	m.mu.Lock()
	_, exists := m.watchers[target]
	m.mu.Unlock()
	if exists {
		return
	}

	w, err := NewWatcher(target, m.logger)
	if err != nil {
		m.logger.Warn("drift watcher unavailable, relying on hash comparison",
			zap.String("target", target), zap.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		m.logger.Warn("drift watcher failed to start, relying on hash comparison",
			zap.String("target", target), zap.Error(err))
		w.Stop()
		return
	}

	m.mu.Lock()
	if _, exists := m.watchers[target]; exists {
		m.mu.Unlock()
		w.Stop()
		return
	}
	m.watchers[target] = w
	m.mu.Unlock()
}

// StopWatch stops drift watching a target.
func (m *Manager) StopWatch(targetRef string) {
	target, err := filepath.Abs(targetRef)
	if err != nil {
		return
	}
	m.mu.Lock()
	w := m.watchers[target]
	delete(m.watchers, target)
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}
