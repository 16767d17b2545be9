package services_test

import (
	"context"
	"testing"

	"loom/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithNodeKey(ctx, "imagine-0.U1")
	ctx = services.WithStage(ctx, "select")
	ctx = services.WithChannel(ctx, "midjourney")
	ctx = services.WithCorrelationID(ctx, "req-123")

	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if key, ok := services.NodeKeyFromContext(ctx); !ok || key != "imagine-0.U1" {
		t.Fatalf("unexpected node key: %v %v", key, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "select" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if ch, ok := services.ChannelFromContext(ctx); !ok || ch != "midjourney" {
		t.Fatalf("unexpected channel: %v %v", ch, ok)
	}
	if rid, ok := services.CorrelationIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected correlation id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithChannel(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.ChannelFromContext(ctx); ok {
		t.Fatal("expected no channel value")
	}
}
