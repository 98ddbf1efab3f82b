package trace_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/bdobrica/Kotori/common/trace"
)

func TestGenerateID_IsUUID(t *testing.T) {
	id := trace.GenerateID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a UUID, got %q: %v", id, err)
	}
	if id == trace.GenerateID() {
		t.Fatal("expected distinct IDs")
	}
}

func TestEnsure_KeepsExistingID(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "req-1")
	ctx2, id := trace.Ensure(ctx)
	if id != "req-1" || trace.FromContext(ctx2) != "req-1" {
		t.Fatalf("expected existing id to be kept, got %q", id)
	}
}

func TestEnsure_GeneratesWhenMissing(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" {
		t.Fatal("expected generated id")
	}
	if trace.FromContext(ctx) != id {
		t.Fatalf("context does not carry generated id")
	}
}

func TestFromContext_Empty(t *testing.T) {
	if got := trace.FromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
