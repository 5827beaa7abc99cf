package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/evaluate"
	"github.com/fyrsmithlabs/upgraded/internal/executor"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/internal/workspace"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

// run is the session round loop. It owns every transition out of Running.
func (s *Service) run(ctx context.Context, sess *session) {
	defer s.wg.Done()
	defer sess.cancel()

	ctx, span := s.tracer.Start(ctx, "orchestrator.session")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sess.snap.ID),
		attribute.String("session.mode", string(sess.m.ID)),
	)

	budget := sess.snap.Budget
	indeterminate := 0

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			s.finish(ctx, sess, StateAborted, "", nil)
			return
		}
		if round > budget.MaxRounds {
			s.logger.Info("round budget exhausted",
				zap.String("session_id", sess.snap.ID),
				zap.Int("rounds", budget.MaxRounds))
			s.finish(ctx, sess, StateCompleted, "", nil)
			return
		}

		rec, err := s.runRound(ctx, sess, round)
		if retryableRoundError(ctx, err) {
			// A workspace fault aborts the round without a merge; the
			// round gets one fresh attempt before it fails the session.
			s.logger.Warn("round hit a workspace fault, retrying once",
				zap.String("session_id", sess.snap.ID),
				zap.Int("round", round),
				zap.Error(err))
			s.countRound(ctx, "retried")
			rec, err = s.runRound(ctx, sess, round)
		}

		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			s.finish(ctx, sess, StateAborted, "", nil)
			return
		case errors.Is(err, workspace.ErrMergeConflict):
			if len(rec.Results) > 0 {
				s.appendRound(sess, rec)
			}
			span.SetStatus(codes.Error, "merge conflict")
			s.finish(ctx, sess, StateFailed, ErrorKindMergeConflict, err)
			return
		default:
			if len(rec.Results) > 0 {
				s.appendRound(sess, rec)
			}
			span.SetStatus(codes.Error, "workspace fault")
			s.finish(ctx, sess, StateFailed, ErrorKindWorkspace, err)
			return
		}

		s.appendRound(sess, rec)
		s.pushStatus(ctx, sess, string(StateRunning))

		if rec.Merged {
			indeterminate = 0
			if res, ok := rec.winnerResult(); ok && res.Summary == "" {
				s.logger.Info("no further applicable change",
					zap.String("session_id", sess.snap.ID),
					zap.Int("round", round))
				s.finish(ctx, sess, StateCompleted, "", nil)
				return
			}
			continue
		}

		indeterminate++
		if indeterminate >= budget.MaxIndeterminateRounds {
			s.logger.Info("consecutive indeterminate rounds, completing session",
				zap.String("session_id", sess.snap.ID),
				zap.Int("rounds", indeterminate))
			s.finish(ctx, sess, StateCompleted, "", nil)
			return
		}
	}
}

// retryableRoundError reports whether a round may be re-attempted: any
// workspace fault except a merge conflict, and never after cancellation.
func retryableRoundError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, workspace.ErrMergeConflict) && !errors.Is(err, context.Canceled)
}

// runRound executes one round: workspaces, variants per topology,
// arbitration, and at most one merge. A non-nil error is a workspace or
// merge fault that aborted the round; variant failures are carried inside
// the record instead.
func (s *Service) runRound(ctx context.Context, sess *session, round int) (RoundRecord, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.round")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sess.snap.ID),
		attribute.Int("session.round", round),
		attribute.String("session.mode", string(sess.m.ID)),
	)

	m := sess.m
	rec := RoundRecord{Round: round, Mode: m.ID}

	s.emit(s.bridge.RoundStart(ctx, events.RoundStart{
		SessionID: sess.snap.ID,
		Round:     round,
		Mode:      string(m.ID),
		Variants:  roleStrings(m.Variants),
		Parallel:  m.Parallel,
	}))
	s.logger.Info("round started",
		zap.String("session_id", sess.snap.ID),
		zap.Int("round", round),
		zap.String("mode", string(m.ID)))

	// Every workspace the round touches is discarded at the end; the
	// winner's tree survives only through the merge.
	var all []*workspace.Workspace
	defer func() {
		for _, ws := range all {
			if err := s.workspaces.Discard(ws); err != nil {
				s.logger.Warn("workspace discard failed", zap.Error(err))
			}
		}
	}()

	var (
		results    []executor.Result
		candidates map[mode.Role]*workspace.Workspace
		err        error
	)
	if m.Parallel {
		results, candidates, all, err = s.runParallel(ctx, sess, round)
	} else {
		results, candidates, all, err = s.runSequential(ctx, sess, round)
	}
	if err != nil {
		rec.Results = results
		span.RecordError(err)
		return rec, err
	}
	rec.Results = results

	if ctx.Err() != nil {
		return rec, ctx.Err()
	}

	outcome := evaluate.Decide(m, results)
	if outcome.Indeterminate {
		rec.Reason = outcome.Reason
		s.emit(s.bridge.RoundIndeterminate(ctx, events.RoundIndeterminate{
			SessionID: sess.snap.ID,
			Round:     round,
		}))
		s.recordEpisodic(ctx, sess, "", m.ID)
		s.countRound(ctx, "indeterminate")
		s.logger.Info("round indeterminate",
			zap.String("session_id", sess.snap.ID),
			zap.Int("round", round),
			zap.String("reason", outcome.Reason))
		return rec, nil
	}

	rec.Winner = outcome.Winner
	rec.Reason = outcome.Reason

	report, err := s.workspaces.Merge(ctx, candidates[outcome.Winner], sess.snap.TargetRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		return rec, fmt.Errorf("round %d: %w", round, err)
	}
	rec.Merged = true
	rec.TreeHash = report.TreeHash

	s.emit(s.bridge.MergeComplete(ctx, events.MergeComplete{
		SessionID: sess.snap.ID,
		Round:     round,
		Winner:    string(outcome.Winner),
		Reason:    outcome.Reason,
		TreeHash:  report.TreeHash,
	}))
	s.recordEpisodic(ctx, sess, outcome.Winner, m.ID)
	s.countRound(ctx, "merged")
	s.logger.Info("round merged",
		zap.String("session_id", sess.snap.ID),
		zap.Int("round", round),
		zap.String("winner", string(outcome.Winner)),
		zap.String("reason", outcome.Reason),
		zap.Float64("quality_score", outcome.Result.QualityScore),
		zap.String("tree_hash", report.TreeHash))
	return rec, nil
}

// runSequential executes the variants in listed order against one shared
// workspace, so a later variant observes the prior variant's applied
// changes. Each variant's result is fully finalized, guard validation
// included, before the next variant starts. Successful states are
// checkpointed so any variant can still win after a later one keeps
// mutating the shared tree.
func (s *Service) runSequential(ctx context.Context, sess *session, round int) ([]executor.Result, map[mode.Role]*workspace.Workspace, []*workspace.Workspace, error) {
	m := sess.m
	target := sess.snap.TargetRef
	candidates := make(map[mode.Role]*workspace.Workspace, len(m.Variants))
	var all []*workspace.Workspace
	var results []executor.Result

	live, err := s.workspaces.Create(ctx, sess.snap.ID, target, m.Variants[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("round %d: %w", round, err)
	}
	all = append(all, live)

	deadline := time.Now().Add(sess.snap.Budget.RoundTimeout)
	for i, role := range m.Variants {
		res := s.runVariant(ctx, sess, round, role, live.Dir, deadline)
		if res.Success {
			changed, cerr := s.workspaces.ChangedFiles(ctx, live)
			if cerr != nil {
				return results, candidates, all, fmt.Errorf("round %d: %w", round, cerr)
			}
			res = s.guard.Validate(ctx, target, live.Dir, changed, res)
		}
		if res.Success {
			if i == len(m.Variants)-1 {
				// The last variant's tree is final; no checkpoint copy.
				live.Role = role
				candidates[role] = live
			} else {
				cp, cperr := s.workspaces.Checkpoint(ctx, live, role)
				if cperr != nil {
					return results, candidates, all, fmt.Errorf("round %d: %w", round, cperr)
				}
				all = append(all, cp)
				candidates[role] = cp
			}
		}

		results = append(results, res)
		s.emitRoundResult(ctx, sess, round, res)

		if ctx.Err() != nil {
			return results, candidates, all, ctx.Err()
		}
	}
	return results, candidates, all, nil
}

// runParallel snapshots one byte-identical workspace per variant, fans the
// variants out, and collects at the round barrier: every variant has
// returned or been abandoned before evaluation sees anything.
func (s *Service) runParallel(ctx context.Context, sess *session, round int) ([]executor.Result, map[mode.Role]*workspace.Workspace, []*workspace.Workspace, error) {
	m := sess.m
	target := sess.snap.TargetRef

	wss, err := s.workspaces.Snapshot(ctx, sess.snap.ID, target, m.Variants)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("round %d: %w", round, err)
	}
	candidates := make(map[mode.Role]*workspace.Workspace, len(wss))
	for _, ws := range wss {
		candidates[ws.Role] = ws
	}

	deadline := time.Now().Add(sess.snap.Budget.RoundTimeout)
	ch := make(chan executor.Result, len(m.Variants))
	for _, role := range m.Variants {
		go func(role mode.Role, dir string) {
			ch <- s.runVariant(ctx, sess, round, role, dir, deadline)
		}(role, candidates[role].Dir)
	}

	var results []executor.Result
	for range m.Variants {
		res := <-ch
		if res.Success {
			ws := candidates[res.Role]
			changed, cerr := s.workspaces.ChangedFiles(ctx, ws)
			if cerr != nil {
				// Keep draining the barrier before reporting the fault.
				results = append(results, res)
				for len(results) < len(m.Variants) {
					results = append(results, <-ch)
				}
				return results, candidates, wss, fmt.Errorf("round %d: %w", round, cerr)
			}
			res = s.guard.Validate(ctx, target, ws.Dir, changed, res)
		}
		results = append(results, res)
		s.emitRoundResult(ctx, sess, round, res)
	}
	return results, candidates, wss, nil
}

// runVariant runs one attempt and always produces a result. The attempt
// budget is the time left until the round deadline; an adapter that blows
// through budget plus grace, or that ignores cancellation past grace, is
// abandoned and reported as timed out or cancelled.
func (s *Service) runVariant(ctx context.Context, sess *session, round int, role mode.Role, dir string, deadline time.Time) executor.Result {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return executor.Failure(role, sinceMs(sess.start),
			fmt.Errorf("%w: round budget exhausted before start", executor.ErrTimeout))
	}

	req := executor.Request{
		SessionID:    sess.snap.ID,
		Round:        round,
		Role:         role,
		Dir:          dir,
		Guidance:     sess.m.GuidanceFor(role),
		Timeout:      remaining,
		SessionStart: sess.start,
	}

	ch := make(chan executor.Result, 1)
	go func() {
		res, err := s.adapter.Run(ctx, req)
		if err != nil {
			res = executor.Failure(role, sinceMs(sess.start),
				fmt.Errorf("executor rejected the attempt: %w", err))
		}
		if res.Role == "" {
			res.Role = role
		}
		ch <- res
	}()

	grace := sess.snap.Budget.GracePeriod
	select {
	case res := <-ch:
		return res
	case <-time.After(remaining + grace):
		s.logger.Warn("variant abandoned after grace period",
			zap.String("session_id", sess.snap.ID),
			zap.Int("round", round),
			zap.String("role", string(role)))
		return executor.Failure(role, sinceMs(sess.start),
			fmt.Errorf("%w: abandoned after grace period", executor.ErrTimeout))
	case <-ctx.Done():
		select {
		case res := <-ch:
			return res
		case <-time.After(grace):
			s.logger.Warn("variant ignored cancellation past grace period",
				zap.String("session_id", sess.snap.ID),
				zap.Int("round", round),
				zap.String("role", string(role)))
			return executor.Failure(role, sinceMs(sess.start), executor.ErrCancelled)
		}
	}
}

func (s *Service) emitRoundResult(ctx context.Context, sess *session, round int, res executor.Result) {
	ev := events.RoundResult{
		SessionID:    sess.snap.ID,
		Round:        round,
		Variant:      string(res.Role),
		Success:      res.Success,
		QualityScore: res.QualityScore,
		CompletedAt:  res.CompletedAtMs,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.emit(s.bridge.RoundResult(ctx, ev))
}

// recordEpisodic updates the target's episodic record. Memory faults are
// logged and swallowed: losing a counter update never fails a session.
func (s *Service) recordEpisodic(ctx context.Context, sess *session, winner mode.Role, modeID mode.ID) {
	if _, err := s.memory.Record(ctx, sess.snap.TargetRef, winner, modeID); err != nil {
		s.logger.Warn("episodic record failed",
			zap.String("session_id", sess.snap.ID),
			zap.String("target", sess.snap.TargetRef),
			zap.Error(err))
	}
}

// finish moves the session to a terminal state, publishes the terminal
// event, and releases the target. Terminal work runs detached from the
// session context so an abort still gets its cleanup and events.
func (s *Service) finish(ctx context.Context, sess *session, to State, errKind string, cause error) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	if err := checkTransition(sess.snap.State, to); err != nil {
		s.mu.Unlock()
		s.logger.Error("refusing session transition",
			zap.String("session_id", sess.snap.ID), zap.Error(err))
		return
	}
	sess.snap.State = to
	sess.snap.EndedAt = time.Now().UTC()
	if cause != nil {
		sess.snap.Error = cause.Error()
		sess.snap.ErrorKind = errKind
	}
	delete(s.active, sess.snap.TargetRef)
	snap := sess.snap.clone()
	s.mu.Unlock()

	s.workspaces.StopWatch(snap.TargetRef)
	if err := s.workspaces.CleanupSession(snap.ID); err != nil {
		s.logger.Warn("session workspace cleanup failed",
			zap.String("session_id", snap.ID), zap.Error(err))
	}

	s.emit(s.bridge.SessionComplete(ctx, events.SessionComplete{
		SessionID:      snap.ID,
		TargetRef:      snap.TargetRef,
		Status:         string(to),
		Rounds:         len(snap.Rounds),
		LastMergedHash: snap.LastMergedHash,
		Error:          snap.Error,
		ErrorKind:      snap.ErrorKind,
	}))
	s.pushStatus(ctx, sess, string(to))
	s.countSession(ctx, string(to))

	if to == StateFailed {
		s.logger.Error("session failed",
			zap.String("session_id", snap.ID),
			zap.String("error_kind", snap.ErrorKind),
			zap.Int("rounds", len(snap.Rounds)),
			zap.String("last_merged_hash", snap.LastMergedHash),
			zap.Error(cause))
	} else {
		s.logger.Info("session finished",
			zap.String("session_id", snap.ID),
			zap.String("status", string(to)),
			zap.Int("rounds", len(snap.Rounds)),
			zap.String("last_merged_hash", snap.LastMergedHash))
	}

	close(sess.done)
}
