package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestContextFields_Empty(t *testing.T) {
	ctx := context.Background()
	fields := ContextFields(ctx)
	assert.Empty(t, fields)
}

func TestContextFields_OTELTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	fields := ContextFields(ctx)

	var hasTraceID, hasSpanID bool
	for _, f := range fields {
		if f.Key == "trace_id" {
			hasTraceID = true
			assert.NotEmpty(t, f.String, "trace_id should not be empty")
		}
		if f.Key == "span_id" {
			hasSpanID = true
			assert.NotEmpty(t, f.String, "span_id should not be empty")
		}
	}
	assert.True(t, hasTraceID, "trace_id field missing from context fields")
	assert.True(t, hasSpanID, "span_id field missing from context fields")
}

func TestContextFields_OTELSampling(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "sampled-operation")
	defer span.End()

	fields := ContextFields(ctx)

	assertBoolFieldExists(t, fields, "trace_sampled", true)
}

func TestContextFields_Session(t *testing.T) {
	ctx := context.WithValue(context.Background(), sessionCtxKey{}, "sess-123")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "session.id", "sess-123")
}

func TestContextFields_RoundAndVariant(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-123")
	ctx = WithRound(ctx, 3)
	ctx = WithVariant(ctx, "refiner")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 3)
	assertFieldExists(t, fields, "session.id", "sess-123")
	assertFieldExists(t, fields, "session.variant", "refiner")

	var hasRound bool
	for _, f := range fields {
		if f.Key == "session.round" && f.Integer == 3 {
			hasRound = true
		}
	}
	assert.True(t, hasRound, "session.round field missing or wrong")
}

func TestContextFields_Request(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestCtxKey{}, "req-456")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "request.id", "req-456")
}

func assertFieldExists(t *testing.T, fields []zap.Field, key, expected string) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key && field.String == expected {
			return
		}
	}
	t.Errorf("field %q with value %q not found", key, expected)
}

func assertBoolFieldExists(t *testing.T, fields []zap.Field, key string, expected bool) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key {
			// zap stores bool as integer (1 for true, 0 for false)
			if expected && field.Integer == 1 {
				return
			} else if !expected && field.Integer == 0 {
				return
			}
		}
	}
	t.Errorf("bool field %q with value %v not found", key, expected)
}

func TestLogger_InContext(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
	ctx := WithLogger(context.Background(), logger)

	retrieved := FromContext(ctx)
	assert.Equal(t, logger, retrieved)
}

func TestLogger_FromContextMissing(t *testing.T) {
	ctx := context.Background()
	retrieved := FromContext(ctx)

	assert.NotNil(t, retrieved)
}

// Validation tests

func TestWithSessionID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{"simple", "sess_123"},
		{"with hyphens", "sess-abc-123"},
		{"with underscores", "sess_abc_123"},
		{"alphanumeric", "sessABC123"},
		{"uuid shaped", "4f3c2a1b-9d8e-4c7f-a6b5-0e1d2c3b4a59"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithSessionID(context.Background(), tt.sessionID)
			retrieved := SessionIDFromContext(ctx)
			assert.Equal(t, tt.sessionID, retrieved)
		})
	}
}

func TestWithSessionID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: sessionID cannot be empty", func() {
		WithSessionID(context.Background(), "")
	})
}

func TestWithSessionID_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{"with spaces", "sess 123"},
		{"with slash", "sess/123"},
		{"with special chars", "sess@123"},
		{"with dots", "sess.123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithSessionID(context.Background(), tt.sessionID)
			})
		})
	}
}

func TestWithSessionID_TooLongPanics(t *testing.T) {
	longID := strings.Repeat("a", 129) // max is 128

	assert.Panics(t, func() {
		WithSessionID(context.Background(), longID)
	})
}

func TestWithRound_Valid(t *testing.T) {
	ctx := WithRound(context.Background(), 1)
	assert.Equal(t, 1, RoundFromContext(ctx))

	ctx = WithRound(ctx, 7)
	assert.Equal(t, 7, RoundFromContext(ctx))
}

func TestWithRound_ZeroPanics(t *testing.T) {
	assert.Panics(t, func() {
		WithRound(context.Background(), 0)
	})
	assert.Panics(t, func() {
		WithRound(context.Background(), -1)
	})
}

func TestRoundFromContext_Missing(t *testing.T) {
	assert.Equal(t, 0, RoundFromContext(context.Background()))
}

func TestWithVariant_Valid(t *testing.T) {
	for _, role := range []string{"primary", "refiner", "solo"} {
		ctx := WithVariant(context.Background(), role)
		assert.Equal(t, role, VariantFromContext(ctx))
	}
}

func TestWithVariant_InvalidPanics(t *testing.T) {
	assert.Panics(t, func() {
		WithVariant(context.Background(), "")
	})
	assert.Panics(t, func() {
		WithVariant(context.Background(), "pri mary")
	})
	assert.Panics(t, func() {
		WithVariant(context.Background(), strings.Repeat("x", 33))
	})
}

func TestWithRequestID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"simple", "req_456"},
		{"with hyphens", "req-abc-456"},
		{"with underscores", "req_abc_456"},
		{"alphanumeric", "reqABC456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.requestID)
			retrieved := RequestIDFromContext(ctx)
			assert.Equal(t, tt.requestID, retrieved)
		})
	}
}

func TestWithRequestID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: requestID cannot be empty", func() {
		WithRequestID(context.Background(), "")
	})
}

func TestWithRequestID_TooLongPanics(t *testing.T) {
	longID := strings.Repeat("a", 129) // max is 128

	assert.Panics(t, func() {
		WithRequestID(context.Background(), longID)
	})
}
