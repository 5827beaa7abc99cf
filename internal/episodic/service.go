package episodic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

const instrumentationName = "github.com/fyrsmithlabs/upgraded/internal/episodic"

// Service applies round outcomes to the episodic record and answers mode
// recommendations from it.
type Service struct {
	store    Store
	registry *mode.Registry
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	recordCounter metric.Int64Counter
}

// NewService creates the episodic service over a store.
func NewService(store Store, registry *mode.Registry, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("episodic service requires a store")
	}
	if registry == nil {
		registry = mode.NewRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:    store,
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.recordCounter, err = s.meter.Int64Counter("episodic.records",
		metric.WithDescription("Round outcomes recorded by result"))
	if err != nil {
		s.logger.Warn("failed to create episodic.records counter", zap.Error(err))
	}
}

// Record applies one round outcome to a target's record. winner is empty
// for an indeterminate round: win counts stay untouched and the streak
// breaks. Any winner increments that role's count and either extends the
// streak (same holder) or starts a fresh one at 1. The session's active
// mode is stamped either way. Returns the updated record.
func (s *Service) Record(ctx context.Context, target string, winner mode.Role, modeID mode.ID) (Record, error) {
	ctx, span := s.tracer.Start(ctx, "episodic.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("episodic.target", target),
		attribute.String("episodic.winner", string(winner)),
	)

	rec, err := s.store.Get(ctx, target)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{Target: target, Wins: map[mode.Role]int{}}
	case err != nil:
		return Record{}, fmt.Errorf("load episodic record: %w", err)
	}
	if rec.Wins == nil {
		rec.Wins = map[mode.Role]int{}
	}

	outcome := "win"
	if winner == "" {
		outcome = "indeterminate"
		rec.Streak = 0
		rec.StreakHolder = ""
	} else {
		rec.Wins[winner]++
		if rec.StreakHolder == winner {
			rec.Streak++
		} else {
			rec.Streak = 1
			rec.StreakHolder = winner
		}
	}
	rec.LastMode = modeID
	rec.LastUpdated = time.Now().UTC()

	if err := s.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("save episodic record: %w", err)
	}

	if s.recordCounter != nil {
		s.recordCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("role", string(winner)),
		))
	}
	s.logger.Info("episodic record updated",
		zap.String("target", target),
		zap.String("winner", string(winner)),
		zap.Int("streak", rec.Streak),
		zap.String("streak_holder", string(rec.StreakHolder)))

	return rec, nil
}

// RecommendMode suggests a mode for the next session on a target: the
// target's last mode when it still resolves, otherwise the default.
// Adaptive memory never starts parallel execution on its own, so a parallel
// last mode is demoted to the sequential mode with the same variants. The
// recommendation is advisory; an explicit request always overrides it.
func (s *Service) RecommendMode(ctx context.Context, target string) mode.ID {
	rec, err := s.store.Get(ctx, target)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("episodic read failed, recommending default",
				zap.String("target", target), zap.Error(err))
		}
		return mode.Default
	}

	m, err := s.registry.Resolve(rec.LastMode)
	if err != nil {
		return mode.Default
	}
	if m.Parallel {
		return mode.DualContinuous
	}
	return m.ID
}

// Snapshot returns the current record without mutating it. A target with no
// history yields a zero-valued record so status display can always render
// counts.
func (s *Service) Snapshot(ctx context.Context, target string) (Record, error) {
	rec, err := s.store.Get(ctx, target)
	if errors.Is(err, ErrNotFound) {
		return Record{Target: target, Wins: map[mode.Role]int{}}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load episodic record: %w", err)
	}
	return rec, nil
}

// List returns every target's record, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.store.List(ctx)
}

// Reset clears a target's record. The only path by which win counts go
// backwards.
func (s *Service) Reset(ctx context.Context, target string) error {
	if err := s.store.Reset(ctx, target); err != nil {
		return fmt.Errorf("reset episodic record: %w", err)
	}
	s.logger.Info("episodic record reset", zap.String("target", target))
	return nil
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
