package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepKey
	pipelineKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStep returns a context with the current step name set.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithPipeline returns a context with the pipeline name set.
func WithPipeline(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, pipelineKey, name)
}

// RunIDFrom extracts the run ID from the context, or "" if absent.
func RunIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepFrom extracts the step name from the context, or "" if absent.
func StepFrom(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// PipelineFrom extracts the pipeline name from the context, or "" if absent.
func PipelineFrom(ctx context.Context) string {
	v, _ := ctx.Value(pipelineKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunIDFrom(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if s := StepFrom(ctx); s != "" {
		logger = logger.With(slog.String("step", s))
	}
	if p := PipelineFrom(ctx); p != "" {
		logger = logger.With(slog.String("pipeline", p))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunIDFrom(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StepFrom(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	if v := PipelineFrom(ctx); v != "" {
		r.AddAttrs(slog.String("pipeline", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
