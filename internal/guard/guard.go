// Package guard validates finalized variant results before they can compete
// for a merge.
//
// After a variant reports success, the guard scans every file it added or
// modified with the gitleaks detector and demotes the result to a failure
// when a credential shows up in the changes. A demoted result flows through
// evaluation as an ordinary failed variant; the guard never aborts a round
// on its own. A scan that cannot complete also demotes: an unverifiable
// tree is treated the same as a dirty one.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/executor"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
)

const instrumentationName = "github.com/fyrsmithlabs/upgraded/internal/guard"

var (
	// ErrLeakedCredential demotes a variant whose changes contain a
	// detectable secret.
	ErrLeakedCredential = errors.New("leaked credential in variant changes")

	// ErrInvalidAllowlist marks an allowlist file that exists but cannot
	// be used.
	ErrInvalidAllowlist = errors.New("invalid merge guard allowlist")
)

// Config configures the merge guard.
type Config struct {
	// Enabled turns the pre-merge secret scan on.
	Enabled bool

	// AllowlistFile names the TOML allowlist, relative to the canonical
	// target root.
	AllowlistFile string
}

// DefaultConfig returns the guard defaults: enabled, reading
// .upgraded-allowlist.toml from the target.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		AllowlistFile: ".upgraded-allowlist.toml",
	}
}

// Finding locates one detector hit. The matched secret value itself is
// never carried, logged, or put in an error.
type Finding struct {
	File        string
	RuleID      string
	Description string
	Line        int
}

// Guard scans variant changes for leaked credentials.
type Guard struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	scanCounter metric.Int64Counter
}

// New creates a merge guard. An empty allowlist file name takes the default.
func New(cfg Config, logger *zap.Logger) *Guard {
	if cfg.AllowlistFile == "" {
		cfg.AllowlistFile = DefaultConfig().AllowlistFile
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guard{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	g.initMetrics()
	return g
}

func (g *Guard) initMetrics() {
	var err error
	g.scanCounter, err = g.meter.Int64Counter("guard.scans",
		metric.WithDescription("Merge guard scans by role and outcome"))
	if err != nil {
		g.logger.Warn("failed to create guard.scans counter", zap.Error(err))
	}
}

// Validate applies the guard to one finalized result. Failed results and
// empty change sets pass through untouched. targetRef is the canonical
// target root holding the allowlist; dir is the tree the changed paths are
// read from.
func (g *Guard) Validate(ctx context.Context, targetRef, dir string, changed []string, res executor.Result) executor.Result {
	if !g.cfg.Enabled || !res.Success || len(changed) == 0 {
		return res
	}

	ctx, span := g.tracer.Start(ctx, "guard.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("variant.role", string(res.Role)),
		attribute.Int("guard.changed_files", len(changed)),
	)

	findings, err := g.scan(ctx, targetRef, dir, changed)
	switch {
	case err != nil:
		res.Success = false
		res.Err = fmt.Errorf("merge guard scan failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		g.countScan(ctx, res.Role, "error")
		g.logger.Warn("merge guard scan failed, demoting result",
			zap.String("role", string(res.Role)),
			zap.Error(err))
	case len(findings) > 0:
		res.Success = false
		res.Err = fmt.Errorf("%w: %s", ErrLeakedCredential, findingSummary(findings))
		span.SetAttributes(attribute.Int("guard.findings", len(findings)))
		span.SetStatus(codes.Error, "findings")
		g.countScan(ctx, res.Role, "findings")
		g.logger.Warn("merge guard demoted variant result",
			zap.String("role", string(res.Role)),
			zap.Int("findings", len(findings)),
			zap.String("rule", findings[0].RuleID),
			zap.String("file", findings[0].File))
	default:
		g.countScan(ctx, res.Role, "clean")
		g.logger.Debug("merge guard passed variant changes",
			zap.String("role", string(res.Role)),
			zap.Int("files", len(changed)))
	}
	return res
}

// scan runs the detector over every changed file not excluded by path.
func (g *Guard) scan(ctx context.Context, targetRef, dir string, changed []string) ([]Finding, error) {
	allow, err := LoadAllowlist(filepath.Join(targetRef, g.cfg.AllowlistFile))
	if err != nil {
		return nil, err
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}
	allow.apply(&detector.Config)

	var findings []Finding
	for _, rel := range changed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if allow.SkipPath(rel) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("read changed file %s: %w", rel, err)
		}
		for _, hit := range detector.DetectString(string(content)) {
			findings = append(findings, Finding{
				File:        rel,
				RuleID:      hit.RuleID,
				Description: hit.Description,
				Line:        hit.StartLine,
			})
		}
	}
	return findings, nil
}

func (g *Guard) countScan(ctx context.Context, role mode.Role, status string) {
	if g.scanCounter == nil {
		return
	}
	g.scanCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(role)),
		attribute.String("status", status),
	))
}

// findingSummary names the first hit and counts the rest.
func findingSummary(findings []Finding) string {
	first := findings[0]
	s := fmt.Sprintf("%s in %s:%d", first.RuleID, first.File, first.Line)
	if len(findings) > 1 {
		s += fmt.Sprintf(" and %d more", len(findings)-1)
	}
	return s
}
