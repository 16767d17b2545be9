package services

import "context"

type contextKey string

const (
	runIDKey         contextKey = "run_id"
	nodeKey          contextKey = "node"
	stageKey         contextKey = "stage"
	channelKey       contextKey = "channel"
	correlationIDKey contextKey = "correlation_id"
)

// WithRunID annotates context with the run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	return withString(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, runIDKey)
}

// WithNodeKey annotates context with the local key of the job node being worked.
func WithNodeKey(ctx context.Context, key string) context.Context {
	return withString(ctx, nodeKey, key)
}

// NodeKeyFromContext returns the node key if present.
func NodeKeyFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, nodeKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageKey)
}

// WithChannel annotates context with the external channel name (midjourney, faceswap, pika).
func WithChannel(ctx context.Context, channel string) context.Context {
	return withString(ctx, channelKey, channel)
}

// ChannelFromContext returns the channel name if present.
func ChannelFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, channelKey)
}

// WithCorrelationID annotates context with a per-delivery correlation identifier.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return withString(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation identifier if present.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, correlationIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
