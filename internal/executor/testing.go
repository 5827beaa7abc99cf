// internal/executor/testing.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

// Step is one scripted attempt outcome for a ScriptedAdapter.
type Step struct {
	// Result is returned from Run when Err is nil.
	Result Result

	// Delay makes the attempt take this long, honoring ctx cancellation.
	Delay time.Duration

	// BlockUntilCancel ignores Delay and holds the attempt open until the
	// context is cancelled, then reports ErrCancelled.
	BlockUntilCancel bool

	// Err is returned directly from Run, modeling a request-level fault.
	Err error
}

type stepKey struct {
	round int
	role  mode.Role
}

// ScriptedAdapter replays pre-programmed results keyed by round and role.
// Repeated attempts of the same round and role consume scripted steps in
// order, so retry behavior is scriptable. Unscripted attempts fail loudly.
type ScriptedAdapter struct {
	mu    sync.Mutex
	steps map[stepKey][]Step
	calls []Request
}

// NewScriptedAdapter creates an empty scripted adapter.
func NewScriptedAdapter() *ScriptedAdapter {
	return &ScriptedAdapter{steps: make(map[stepKey][]Step)}
}

// Script appends a successful result for round and role.
func (s *ScriptedAdapter) Script(round int, role mode.Role, score float64, summary string) {
	s.ScriptStep(round, role, Step{Result: Result{
		Role:         role,
		Success:      true,
		QualityScore: score,
		Summary:      summary,
	}})
}

// ScriptFailure appends a failed result for round and role.
func (s *ScriptedAdapter) ScriptFailure(round int, role mode.Role, err error) {
	s.ScriptStep(round, role, Step{Result: Failure(role, 0, err)})
}

// ScriptStep appends an arbitrary step for round and role.
func (s *ScriptedAdapter) ScriptStep(round int, role mode.Role, step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{round, role}
	s.steps[key] = append(s.steps[key], step)
}

// Run consumes the next scripted step for the request's round and role.
func (s *ScriptedAdapter) Run(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	key := stepKey{req.Round, req.Role}
	queue := s.steps[key]
	var step Step
	scripted := len(queue) > 0
	if scripted {
		step = queue[0]
		s.steps[key] = queue[1:]
	}
	s.mu.Unlock()

	if !scripted {
		err := fmt.Errorf("no scripted result for round %d role %s", req.Round, req.Role)
		return Failure(req.Role, elapsedMs(req.SessionStart), err), nil
	}

	// Honor the request budget like the command adapter does, so timeout
	// behavior is scriptable with slow steps.
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	interrupted := func() Result {
		err := error(ErrCancelled)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrTimeout
		}
		return Failure(req.Role, elapsedMs(req.SessionStart), err)
	}

	if step.BlockUntilCancel {
		<-runCtx.Done()
		return interrupted(), nil
	}
	if step.Delay > 0 {
		select {
		case <-runCtx.Done():
			return interrupted(), nil
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return Result{}, step.Err
	}

	res := step.Result
	if res.Role == "" {
		res.Role = req.Role
	}
	if res.CompletedAtMs == 0 {
		res.CompletedAtMs = elapsedMs(req.SessionStart)
	}
	return res, nil
}

// Calls returns a snapshot of every request seen so far, in arrival order.
func (s *ScriptedAdapter) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount reports how many attempts ran for round and role.
func (s *ScriptedAdapter) CallCount(round int, role mode.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Round == round && c.Role == role {
			n++
		}
	}
	return n
}

var _ Adapter = (*ScriptedAdapter)(nil)
