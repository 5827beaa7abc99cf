// Package workspace manages the isolated working trees that upgrade
// variants mutate, and the single-writer merge that promotes a winning
// tree into the canonical target.
//
// Every variant works in its own snapshot under the configured workspace
// root; no workspace ever touches another workspace's storage. Snapshots
// taken in one call are byte-identical, so tournament variants start from
// the same tree. Merging is all-or-nothing: either the target ends up
// exactly as the winning workspace left it, or the target is unchanged.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

const instrumentationName = "github.com/fyrsmithlabs/upgraded/internal/workspace"

// ErrMergeConflict reports that the canonical target changed concurrently
// between workspace creation and merge. The target is left untouched.
var ErrMergeConflict = errors.New("canonical target changed concurrently")

// Workspace is one variant's isolated working tree.
type Workspace struct {
	// ID uniquely identifies the workspace.
	ID string

	// SessionID is the owning upgrade session.
	SessionID string

	// Role is the variant this workspace was created for.
	Role mode.Role

	// Dir is the tree root the variant may mutate.
	Dir string

	// BaseHash is the content hash of the canonical tree at snapshot time.
	BaseHash string

	// Provenance captures the target's git position at snapshot time, when
	// the target is a repository.
	Provenance Provenance

	// CreatedAt is the snapshot time.
	CreatedAt time.Time

	// baseManifest maps relative path to content digest at snapshot time.
	// Used to compute the files a variant changed.
	baseManifest map[string]string
}

// MergeReport describes a completed merge.
type MergeReport struct {
	// TreeHash is the content hash of the target after the merge.
	TreeHash string

	// Files is the number of files in the merged tree.
	Files int
}

// Config configures a Manager.
type Config struct {
	// Root is the base directory for all workspace storage.
	Root string

	// WatchDrift enables the fsnotify watcher over canonical targets for
	// the duration of a session. Disabled, merges still detect drift by
	// hash comparison alone.
	WatchDrift bool
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("workspace root is required")
	}
	return nil
}

// Manager creates, merges, and discards workspaces. One Manager serves the
// whole daemon; merges are serialized by the orchestrator's round loop.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	opCounter metric.Int64Counter

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates a workspace manager and ensures the root exists.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workspace config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		watchers: make(map[string]*Watcher),
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error
	m.opCounter, err = m.meter.Int64Counter("workspace.operations",
		metric.WithDescription("Workspace operations by type and status"))
	if err != nil {
		m.logger.Warn("failed to create workspace.operations counter", zap.Error(err))
	}
}

func (m *Manager) countOp(ctx context.Context, op, status string) {
	if m.opCounter == nil {
		return
	}
	m.opCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status),
	))
}

// Create snapshots the target into a single new workspace.
func (m *Manager) Create(ctx context.Context, sessionID, targetRef string, role mode.Role) (*Workspace, error) {
	wss, err := m.Snapshot(ctx, sessionID, targetRef, []mode.Role{role})
	if err != nil {
		return nil, err
	}
	return wss[0], nil
}

// Snapshot creates one workspace per role from a single read of the
// target tree. All returned workspaces are byte-identical.
func (m *Manager) Snapshot(ctx context.Context, sessionID, targetRef string, roles []mode.Role) ([]*Workspace, error) {
	ctx, span := m.tracer.Start(ctx, "workspace.snapshot")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("workspace.count", len(roles)),
	)

	if len(roles) == 0 {
		return nil, fmt.Errorf("workspace: at least one role is required")
	}
	target, err := filepath.Abs(targetRef)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve target: %w", err)
	}
	if info, err := os.Stat(target); err != nil {
		m.countOp(ctx, "snapshot", "error")
		return nil, fmt.Errorf("workspace: target: %w", err)
	} else if !info.IsDir() {
		m.countOp(ctx, "snapshot", "error")
		return nil, fmt.Errorf("workspace: target %s is not a directory", target)
	}

	sessionDir := filepath.Join(m.cfg.Root, sessionID)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		m.countOp(ctx, "snapshot", "error")
		return nil, fmt.Errorf("workspace: create session dir: %w", err)
	}

	prov := captureProvenance(target)
	now := time.Now()

	// One read of the base: the first workspace is copied from the target,
	// the rest are cloned from the first.
	wss := make([]*Workspace, 0, len(roles))
	first := ""
	for _, role := range roles {
		id := uuid.New().String()
		dir := filepath.Join(sessionDir, id)

		src := target
		skip := m.skipFunc(target)
		if first != "" {
			src = first
			skip = nil
		}
		if _, err := copyTree(ctx, src, dir, skip); err != nil {
			for _, ws := range wss {
				_ = m.Discard(ws)
			}
			_ = os.RemoveAll(dir)
			m.countOp(ctx, "snapshot", "error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "snapshot failed")
			return nil, fmt.Errorf("workspace: snapshot %s: %w", target, err)
		}
		if first == "" {
			first = dir
		}

		wss = append(wss, &Workspace{
			ID:         id,
			SessionID:  sessionID,
			Role:       role,
			Dir:        dir,
			Provenance: prov,
			CreatedAt:  now,
		})
	}

	// The base hash and manifest come from the first copy, which holds
	// exactly the snapshotted content.
	manifest, hash, err := buildManifest(ctx, first)
	if err != nil {
		for _, ws := range wss {
			_ = m.Discard(ws)
		}
		m.countOp(ctx, "snapshot", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "hash failed")
		return nil, fmt.Errorf("workspace: hash snapshot: %w", err)
	}
	for _, ws := range wss {
		ws.BaseHash = hash
		ws.baseManifest = manifest
	}

	m.countOp(ctx, "snapshot", "ok")
	m.logger.Info("workspaces created",
		zap.String("session_id", sessionID),
		zap.String("target", target),
		zap.Int("count", len(wss)),
		zap.String("base_hash", hash),
		zap.String("branch", prov.Branch))
	return wss, nil
}

// skipFunc excludes .git metadata and the workspace root itself from
// snapshots, so a target containing the workspace root never recurses.
func (m *Manager) skipFunc(target string) func(path string, name string, isDir bool) bool {
	absRoot, err := filepath.Abs(m.cfg.Root)
	if err != nil {
		absRoot = m.cfg.Root
	}
	return func(path string, name string, isDir bool) bool {
		if name == ".git" {
			return true
		}
		return isDir && path == absRoot
	}
}

// Checkpoint snapshots a live workspace's current tree into a new
// workspace attributed to role. Sequential rounds checkpoint the shared
// workspace after each variant finalizes, so any variant's result state
// can still be merged after a later variant keeps mutating the tree.
//
// The checkpoint inherits the parent's base hash and manifest: merge
// conflict detection and changed-file accounting stay anchored to the
// round's original base.
func (m *Manager) Checkpoint(ctx context.Context, ws *Workspace, role mode.Role) (*Workspace, error) {
	ctx, span := m.tracer.Start(ctx, "workspace.checkpoint")
	defer span.End()

	if ws == nil {
		return nil, fmt.Errorf("workspace: nil workspace")
	}
	span.SetAttributes(
		attribute.String("session.id", ws.SessionID),
		attribute.String("workspace.id", ws.ID),
		attribute.String("variant.role", string(role)),
	)

	id := uuid.New().String()
	dir := filepath.Join(m.cfg.Root, ws.SessionID, id)
	if _, err := copyTree(ctx, ws.Dir, dir, nil); err != nil {
		_ = os.RemoveAll(dir)
		m.countOp(ctx, "checkpoint", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		return nil, fmt.Errorf("workspace: checkpoint %s: %w", ws.ID, err)
	}

	m.countOp(ctx, "checkpoint", "ok")
	m.logger.Debug("workspace checkpointed",
		zap.String("session_id", ws.SessionID),
		zap.String("from", ws.ID),
		zap.String("workspace_id", id),
		zap.String("role", string(role)))
	return &Workspace{
		ID:           id,
		SessionID:    ws.SessionID,
		Role:         role,
		Dir:          dir,
		BaseHash:     ws.BaseHash,
		Provenance:   ws.Provenance,
		CreatedAt:    time.Now(),
		baseManifest: ws.baseManifest,
	}, nil
}

// Discard removes the workspace storage. Missing directories are success:
// discard is idempotent and safe to repeat.
func (m *Manager) Discard(ws *Workspace) error {
	if ws == nil || ws.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		m.countOp(context.Background(), "discard", "error")
		return fmt.Errorf("workspace: discard %s: %w", ws.ID, err)
	}
	m.countOp(context.Background(), "discard", "ok")
	m.logger.Debug("workspace discarded",
		zap.String("session_id", ws.SessionID),
		zap.String("workspace_id", ws.ID))
	return nil
}

// CleanupSession removes the session's workspace directory after all its
// workspaces are discarded.
func (m *Manager) CleanupSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	dir := filepath.Join(m.cfg.Root, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: cleanup session %s: %w", sessionID, err)
	}
	return nil
}

// ChangedFiles returns the relative paths of regular files the variant
// added or modified since snapshot time, sorted. Deletions are not
// reported.
func (m *Manager) ChangedFiles(ctx context.Context, ws *Workspace) ([]string, error) {
	if ws == nil || ws.baseManifest == nil {
		return nil, fmt.Errorf("workspace: no base manifest")
	}
	current, _, err := buildManifest(ctx, ws.Dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: manifest %s: %w", ws.ID, err)
	}

	var changed []string
	for path, digest := range current {
		if base, found := ws.baseManifest[path]; !found || base != digest {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Close stops all drift watchers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for target, w := range m.watchers {
		w.Stop()
		delete(m.watchers, target)
	}
	return nil
}
