package utils

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestCorrelationIdFromContextOrNew(t *testing.T) {
	ctx := SetCorrelationIdInContext(context.Background(), "cid-123")
	if got := CorrelationIdFromContextOrNew(ctx); got != "cid-123" {
		t.Fatalf("existing id must be kept, got %q", got)
	}

	fresh := CorrelationIdFromContextOrNew(context.Background())
	if fresh == "" {
		t.Fatalf("bare context must get a new id")
	}
	if _, err := uuid.Parse(fresh); err != nil {
		t.Fatalf("generated id is not a uuid: %q", fresh)
	}
	if again := CorrelationIdFromContextOrNew(context.Background()); again == fresh {
		t.Fatalf("each bare context must get its own id")
	}
}

func TestEntityTypeRoundtrip(t *testing.T) {
	if _, ok := GetEntityTypeFromContext(context.Background()); ok {
		t.Fatalf("bare context must carry no entity type")
	}
	ctx := SetEntityTypeInContext(context.Background(), "movies")
	got, ok := GetEntityTypeFromContext(ctx)
	if !ok || got != "movies" {
		t.Fatalf("entity type roundtrip: got %q ok=%v", got, ok)
	}
}
