package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/upgraded/internal/executor"

// Agent subprocess contract. The adapter starts the agent with the
// workspace as its working directory, sets these variables, and reads the
// JSON report from the path in UPGRADED_REPORT after the agent exits.
const (
	envSessionID = "UPGRADED_SESSION_ID"
	envRound     = "UPGRADED_ROUND"
	envRole      = "UPGRADED_ROLE"
	envGuidance  = "UPGRADED_GUIDANCE"
	envReport    = "UPGRADED_REPORT"
)

// stderrTailSize bounds how much agent stderr is kept for diagnostics.
const stderrTailSize = 4 * 1024

// CommandConfig configures a CommandAdapter.
type CommandConfig struct {
	// Command is the agent binary invoked once per attempt.
	Command string

	// Args are static arguments passed on every invocation.
	Args []string

	// Env is extra environment in KEY=VALUE form, appended after the
	// parent environment.
	Env []string

	// Grace is how long an interrupted agent gets between SIGTERM and
	// SIGKILL.
	Grace time.Duration
}

// DefaultCommandConfig returns the adapter defaults.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{Grace: 10 * time.Second}
}

// Validate checks the configuration.
func (c *CommandConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Grace < 0 {
		return fmt.Errorf("grace period cannot be negative")
	}
	return nil
}

// report is the JSON document agents write to UPGRADED_REPORT.
type report struct {
	Success      bool    `json:"success"`
	QualityScore float64 `json:"quality_score"`
	Summary      string  `json:"summary,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// CommandAdapter runs an external agent binary for each attempt.
//
// A missing, empty, or malformed report after a clean exit is an execution
// failure: the adapter never guesses what an agent meant.
type CommandAdapter struct {
	cfg    CommandConfig
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	runCounter metric.Int64Counter
}

// NewCommandAdapter creates a command adapter. A zero Grace takes the
// default.
func NewCommandAdapter(cfg CommandConfig, logger *zap.Logger) (*CommandAdapter, error) {
	if cfg.Grace == 0 {
		cfg.Grace = DefaultCommandConfig().Grace
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &CommandAdapter{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	a.initMetrics()
	return a, nil
}

func (a *CommandAdapter) initMetrics() {
	var err error
	a.runCounter, err = a.meter.Int64Counter("executor.runs",
		metric.WithDescription("Variant attempts by role and outcome"))
	if err != nil {
		a.logger.Warn("failed to create executor.runs counter", zap.Error(err))
	}
}

// Run launches the agent and blocks until it exits or the budget fires.
// The process group gets SIGTERM at cancellation and SIGKILL after Grace.
func (a *CommandAdapter) Run(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	ctx, span := a.tracer.Start(ctx, "executor.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("session.round", req.Round),
		attribute.String("variant.role", string(req.Role)),
	)

	res := a.launch(ctx, req)

	outcome := "success"
	switch {
	case res.Success:
	case errors.Is(res.Err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(res.Err, ErrCancelled):
		outcome = "cancelled"
	default:
		outcome = "failure"
	}
	if a.runCounter != nil {
		a.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", string(req.Role)),
			attribute.String("outcome", outcome),
		))
	}

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, outcome)
		a.logger.Warn("variant attempt failed",
			zap.String("session_id", req.SessionID),
			zap.Int("round", req.Round),
			zap.String("role", string(req.Role)),
			zap.String("outcome", outcome),
			zap.Int64("completed_at_ms", res.CompletedAtMs),
			zap.Error(res.Err))
	} else {
		a.logger.Info("variant attempt finished",
			zap.String("session_id", req.SessionID),
			zap.Int("round", req.Round),
			zap.String("role", string(req.Role)),
			zap.Float64("quality_score", res.QualityScore),
			zap.Int64("completed_at_ms", res.CompletedAtMs))
	}
	return res, nil
}

func (a *CommandAdapter) launch(ctx context.Context, req Request) Result {
	reportFile, err := os.CreateTemp("", "upgraded-report-*.json")
	if err != nil {
		return Failure(req.Role, elapsedMs(req.SessionStart), fmt.Errorf("create report file: %w", err))
	}
	reportPath := reportFile.Name()
	_ = reportFile.Close()
	defer func() { _ = os.Remove(reportPath) }()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), a.cfg.Env...)
	cmd.Env = append(cmd.Env,
		envSessionID+"="+req.SessionID,
		envRound+"="+strconv.Itoa(req.Round),
		envRole+"="+string(req.Role),
		envGuidance+"="+req.Guidance,
		envReport+"="+reportPath,
	)

	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = a.cfg.Grace

	runErr := cmd.Run()
	at := elapsedMs(req.SessionStart)

	// Budget and cancellation take precedence over whatever exit status
	// the dying agent produced.
	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return Failure(req.Role, at, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout))
		}
		return Failure(req.Role, at, ErrCancelled)
	}

	if runErr != nil {
		a.logger.Warn("agent exited abnormally",
			zap.String("session_id", req.SessionID),
			zap.String("role", string(req.Role)),
			zap.String("stderr_tail", stderr.String()))
		return Failure(req.Role, at, fmt.Errorf("agent exited abnormally: %w", runErr))
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return Failure(req.Role, at, fmt.Errorf("read agent report: %w", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Failure(req.Role, at, errors.New("agent exited without writing a report"))
	}

	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Failure(req.Role, at, fmt.Errorf("malformed agent report: %w", err))
	}

	if !rep.Success {
		msg := rep.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return Failure(req.Role, at, errors.New(msg))
	}

	// Scores land in [0, 1]; out-of-range values are clamped.
	score := rep.QualityScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Result{
		Role:          req.Role,
		Success:       true,
		QualityScore:  score,
		CompletedAtMs: at,
		Summary:       rep.Summary,
	}
}

func validateRequest(req Request) error {
	if req.Role == "" {
		return fmt.Errorf("executor: role is required")
	}
	if req.Dir == "" {
		return fmt.Errorf("executor: workspace dir is required")
	}
	info, err := os.Stat(req.Dir)
	if err != nil {
		return fmt.Errorf("executor: workspace dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("executor: workspace path %s is not a directory", req.Dir)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(bytes.TrimSpace(b.buf))
}

var _ Adapter = (*CommandAdapter)(nil)
