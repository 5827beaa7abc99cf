// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
//
// Every log line emitted through Logger carries these fields so a single
// session can be followed across the orchestrator, the variant executors
// and the merge path without joining on timestamps.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Session context
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	// Round context (1-based; 0 means outside a round)
	if round := RoundFromContext(ctx); round > 0 {
		fields = append(fields, zap.Int("session.round", round))
	}

	// Variant context
	if variant := VariantFromContext(ctx); variant != "" {
		fields = append(fields, zap.String("session.variant", variant))
	}

	// Request ID
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Context key types
type sessionCtxKey struct{}
type roundCtxKey struct{}
type variantCtxKey struct{}
type requestCtxKey struct{}

// Validation constants
const (
	maxIDLen      = 128
	maxVariantLen = 32
)

var (
	// idPattern allows alphanumeric, hyphen, underscore
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validateID validates a session or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// SessionIDFromContext extracts the upgrade session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds an upgrade session ID to context.
// Panics if sessionID is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if err := validateID(sessionID, "sessionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// RoundFromContext extracts the round number from context. Returns 0 when
// the context is not inside a round.
func RoundFromContext(ctx context.Context) int {
	if r, ok := ctx.Value(roundCtxKey{}).(int); ok {
		return r
	}
	return 0
}

// WithRound adds the 1-based round number to context.
// Panics if round is not positive.
func WithRound(ctx context.Context, round int) context.Context {
	if round < 1 {
		panic(fmt.Sprintf("logging: round must be >= 1, got %d", round))
	}
	return context.WithValue(ctx, roundCtxKey{}, round)
}

// VariantFromContext extracts the variant role from context.
func VariantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(variantCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithVariant adds a variant role (primary, refiner, ...) to context.
// Panics if the role is empty or contains invalid characters.
func WithVariant(ctx context.Context, role string) context.Context {
	if err := validateID(role, "variant"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if len(role) > maxVariantLen {
		panic(fmt.Sprintf("logging: variant exceeds max length %d", maxVariantLen))
	}
	return context.WithValue(ctx, variantCtxKey{}, role)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
