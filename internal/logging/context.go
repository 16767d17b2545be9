package logging

import (
	"context"
	"log/slog"

	"loom/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies one pipeline run; it also names the run's log file.
	FieldRunID = "run_id"
	// FieldJobID is the remote job identifier assigned by the API.
	FieldJobID = "job_id"
	// FieldNode is the local job tree key (for example imagine-0.U2).
	FieldNode = "node"
	// FieldStage is the pipeline stage name.
	FieldStage = "stage"
	// FieldChannel is the external channel a submission or notification belongs to.
	FieldChannel = "channel"
	// FieldCorrelationID is the per-delivery webhook correlation identifier.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact states the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldError carries the error value.
	FieldError = "error"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if key, ok := services.NodeKeyFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldNode, key))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if ch, ok := services.ChannelFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldChannel, ch))
	}
	if cid, ok := services.CorrelationIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, cid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
