// Package orchestrator drives upgrade sessions end to end.
//
// For each session it resolves the run mode, allocates workspaces per the
// mode's topology, executes variants through the adapter, arbitrates a
// winner, merges the winning tree into the canonical target under
// single-writer discipline, records the outcome in episodic memory, and
// publishes status throughout. One session per target at a time; sessions
// run asynchronously after Start returns.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/executor"
	"github.com/fyrsmithlabs/upgraded/internal/guard"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/internal/workspace"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

const instrumentationName = "github.com/fyrsmithlabs/upgraded/internal/orchestrator"

// Config holds the default session budget. An explicit budget on a start
// request overrides it field by field.
type Config struct {
	MaxRounds              int
	RoundTimeout           time.Duration
	GracePeriod            time.Duration
	MaxIndeterminateRounds int
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:              4,
		RoundTimeout:           10 * time.Minute,
		GracePeriod:            10 * time.Second,
		MaxIndeterminateRounds: 2,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be at least 1, got %d", c.MaxRounds)
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("round timeout must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if c.MaxIndeterminateRounds < 1 {
		return fmt.Errorf("max indeterminate rounds must be at least 1, got %d", c.MaxIndeterminateRounds)
	}
	return nil
}

// Deps are the collaborators a Service drives.
type Deps struct {
	// Registry resolves mode ids. Nil takes the default registry.
	Registry *mode.Registry

	Workspaces *workspace.Manager
	Adapter    executor.Adapter
	Guard      *guard.Guard
	Memory     Memory
	Bridge     Bridge
}

func (d *Deps) validate() error {
	if d.Workspaces == nil {
		return fmt.Errorf("workspace manager is required")
	}
	if d.Adapter == nil {
		return fmt.Errorf("executor adapter is required")
	}
	if d.Guard == nil {
		return fmt.Errorf("merge guard is required")
	}
	if d.Memory == nil {
		return fmt.Errorf("episodic memory is required")
	}
	if d.Bridge == nil {
		return fmt.Errorf("status bridge is required")
	}
	return nil
}

// session is the live state behind one Session snapshot.
//
// m, start, and the snap fields ID, TargetRef, Mode, Budget, and StartedAt
// are immutable after Start; everything else is guarded by the service
// mutex.
type session struct {
	snap   Session
	m      mode.Mode
	start  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs upgrade sessions.
type Service struct {
	cfg        Config
	registry   *mode.Registry
	workspaces *workspace.Manager
	adapter    executor.Adapter
	guard      *guard.Guard
	memory     Memory
	bridge     Bridge
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	sessionCounter metric.Int64Counter
	roundCounter   metric.Int64Counter

	mu       sync.RWMutex
	sessions map[string]*session
	active   map[string]string
	closed   bool
	wg       sync.WaitGroup
}

// New creates a session orchestrator. Zero config fields take defaults.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Service, error) {
	def := DefaultConfig()
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MaxIndeterminateRounds == 0 {
		cfg.MaxIndeterminateRounds = def.MaxIndeterminateRounds
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator deps: %w", err)
	}
	if deps.Registry == nil {
		deps.Registry = mode.NewRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:        cfg,
		registry:   deps.Registry,
		workspaces: deps.Workspaces,
		adapter:    deps.Adapter,
		guard:      deps.Guard,
		memory:     deps.Memory,
		bridge:     deps.Bridge,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		sessions:   make(map[string]*session),
		active:     make(map[string]string),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.sessionCounter, err = s.meter.Int64Counter("orchestrator.sessions",
		metric.WithDescription("Sessions finished by terminal state"))
	if err != nil {
		s.logger.Warn("failed to create orchestrator.sessions counter", zap.Error(err))
	}
	s.roundCounter, err = s.meter.Int64Counter("orchestrator.rounds",
		metric.WithDescription("Rounds by outcome"))
	if err != nil {
		s.logger.Warn("failed to create orchestrator.rounds counter", zap.Error(err))
	}
}

// Start begins a new session and returns once its round loop is launched.
// The returned snapshot is already Running; progress is observable through
// Get, the status snapshot, and the session's event stream.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.start")
	defer span.End()

	if req.TargetRef == "" {
		return nil, fmt.Errorf("orchestrator: target ref is required")
	}
	target, err := filepath.Abs(req.TargetRef)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve target: %w", err)
	}
	if info, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("orchestrator: target: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("orchestrator: target %s is not a directory", target)
	}

	m, source := s.resolveMode(ctx, req.Mode, target)
	budget := s.budgetFor(req.Budget)
	id := uuid.New().String()
	span.SetAttributes(
		attribute.String("session.id", id),
		attribute.String("session.mode", string(m.ID)),
	)

	now := time.Now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		snap: Session{
			ID:        id,
			TargetRef: target,
			Mode:      m.ID,
			State:     StatePending,
			Budget:    budget,
			StartedAt: now.UTC(),
		},
		m:      m,
		start:  now,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if holder, busy := s.active[target]; busy {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s held by session %s", ErrSessionConflict, target, holder)
	}
	if err := checkTransition(sess.snap.State, StateRunning); err != nil {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	sess.snap.State = StateRunning
	s.sessions[id] = sess
	s.active[target] = id
	s.wg.Add(1)
	s.mu.Unlock()

	if source == modeSourceToggle {
		s.emit(s.bridge.ModeChanged(ctx, events.ModeChanged{
			SessionID: id,
			NewMode:   string(m.ID),
		}))
	}
	s.logger.Info("session started",
		zap.String("session_id", id),
		zap.String("target", target),
		zap.String("mode", string(m.ID)),
		zap.String("mode_source", source),
		zap.Int("max_rounds", budget.MaxRounds),
		zap.Duration("round_timeout", budget.RoundTimeout))

	s.workspaces.StartWatch(runCtx, target)
	s.pushStatus(runCtx, sess, string(StateRunning))
	go s.run(runCtx, sess)

	snap := s.sessionSnapshot(sess)
	return &snap, nil
}

const (
	modeSourceRequest = "request"
	modeSourceToggle  = "toggle"
	modeSourceMemory  = "episodic"
	modeSourceDefault = "default"
)

// resolveMode picks the session mode: explicit request, then the buffered
// toggle preference, then the episodic recommendation. An unresolvable id
// at any step falls back to the documented default, never to an arbitrary
// substitute. The toggle buffer is only consumed when no explicit mode was
// requested, so a pinned session leaves the preference for the next one.
func (s *Service) resolveMode(ctx context.Context, explicit mode.ID, target string) (mode.Mode, string) {
	if explicit != "" {
		m, err := s.registry.Resolve(explicit)
		if err == nil {
			return m, modeSourceRequest
		}
		s.logger.Warn("unknown mode requested, falling back to default",
			zap.String("mode", string(explicit)), zap.Error(err))
		return s.registry.ResolveOrDefault(""), modeSourceDefault
	}

	if id, ok := s.bridge.DrainPreference(); ok {
		m, err := s.registry.Resolve(id)
		if err == nil {
			return m, modeSourceToggle
		}
		s.logger.Warn("buffered mode preference no longer resolves, falling back to default",
			zap.String("mode", string(id)), zap.Error(err))
		return s.registry.ResolveOrDefault(""), modeSourceDefault
	}

	return s.registry.ResolveOrDefault(s.memory.RecommendMode(ctx, target)), modeSourceMemory
}

func (s *Service) budgetFor(override Budget) Budget {
	b := Budget{
		MaxRounds:              s.cfg.MaxRounds,
		RoundTimeout:           s.cfg.RoundTimeout,
		GracePeriod:            s.cfg.GracePeriod,
		MaxIndeterminateRounds: s.cfg.MaxIndeterminateRounds,
	}
	if override.MaxRounds > 0 {
		b.MaxRounds = override.MaxRounds
	}
	if override.RoundTimeout > 0 {
		b.RoundTimeout = override.RoundTimeout
	}
	if override.GracePeriod > 0 {
		b.GracePeriod = override.GracePeriod
	}
	if override.MaxIndeterminateRounds > 0 {
		b.MaxIndeterminateRounds = override.MaxIndeterminateRounds
	}
	return b
}

// Abort cancels a running session and waits until it has settled. The
// canonical target is left at its last merged state. Aborting a session
// that already finished is a no-op.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.snap.State.Terminal() {
		s.mu.Unlock()
		return nil
	}
	cancel, done := sess.cancel, sess.done
	s.mu.Unlock()

	s.logger.Info("session abort requested", zap.String("session_id", sessionID))
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: waiting for abort: %w", ctx.Err())
	}
}

// Get returns a snapshot of one session.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	snap := s.sessionSnapshot(sess)
	return &snap, nil
}

// List returns snapshots of all known sessions, newest first.
func (s *Service) List(ctx context.Context) []*Session {
	s.mu.RLock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.RUnlock()

	out := make([]*Session, 0, len(live))
	for _, sess := range live {
		snap := s.sessionSnapshot(sess)
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops accepting sessions, cancels the running ones, and waits for
// their round loops to settle.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, sess := range s.sessions {
		if !sess.snap.State.Terminal() {
			sess.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Service) sessionSnapshot(sess *session) Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sess.snap.clone()
}

func (s *Service) appendRound(sess *session, rec RoundRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.snap.Rounds = append(sess.snap.Rounds, rec)
	if rec.Merged && rec.TreeHash != "" {
		sess.snap.LastMergedHash = rec.TreeHash
	}
}

// pushStatus recomputes the status read-model and hands it to the bridge.
func (s *Service) pushStatus(ctx context.Context, sess *session, state string) {
	snap := s.sessionSnapshot(sess)

	rec, err := s.memory.Snapshot(ctx, snap.TargetRef)
	if err != nil {
		s.logger.Warn("episodic snapshot unavailable for status",
			zap.String("target", snap.TargetRef), zap.Error(err))
	}
	wins := make(map[string]int64, len(rec.Wins))
	for role, n := range rec.Wins {
		wins[string(role)] = int64(n)
	}

	var lastWinner string
	for i := len(snap.Rounds) - 1; i >= 0; i-- {
		if snap.Rounds[i].Winner != "" {
			lastWinner = string(snap.Rounds[i].Winner)
			break
		}
	}

	s.bridge.PushStatus(events.Status{
		ActiveSession:  snap.ID,
		TargetRef:      snap.TargetRef,
		ActiveMode:     string(snap.Mode),
		ActiveVariants: roleStrings(sess.m.Variants),
		State:          state,
		RoundsDone:     len(snap.Rounds),
		RoundsTotal:    snap.Budget.MaxRounds,
		Wins:           wins,
		LastWinner:     lastWinner,
		Streak:         int64(rec.Streak),
		StreakHolder:   string(rec.StreakHolder),
		UpdatedAt:      time.Now().UTC(),
	})
}

// emit logs a dropped status event. Event delivery is best-effort and
// never fails a session.
func (s *Service) emit(err error) {
	if err != nil {
		s.logger.Warn("status event dropped", zap.Error(err))
	}
}

func (s *Service) countSession(ctx context.Context, state string) {
	if s.sessionCounter == nil {
		return
	}
	s.sessionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

func (s *Service) countRound(ctx context.Context, outcome string) {
	if s.roundCounter == nil {
		return
	}
	s.roundCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func roleStrings(roles []mode.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// sinceMs returns the wall-clock offset from anchor in milliseconds,
// floored at zero.
func sinceMs(anchor time.Time) int64 {
	ms := time.Since(anchor).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
