package sessionstore

import (
	"context"
	"errors"
	"testing"

	"github.com/example/kyc-flow/internal/verification"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	snap := verification.Snapshot{
		FlowID:        "flow-1",
		Step:          verification.StepAwaitingDocumentBack,
		StepName:      verification.StepAwaitingDocumentBack.String(),
		FrontUploaded: true,
	}

	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(context.Background(), "flow-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Step != verification.StepAwaitingDocumentBack {
		t.Fatalf("expected awaiting back, got %s", loaded.Step)
	}
	if !loaded.FrontUploaded {
		t.Fatal("expected front upload flag to survive")
	}
}

func TestMemoryStoreSaveOverwrites(t *testing.T) {
	store := NewMemoryStore()
	first := verification.Snapshot{FlowID: "flow-1", StepName: "idle"}
	second := verification.Snapshot{FlowID: "flow-1", StepName: "awaiting_document_front"}

	if err := store.Save(context.Background(), first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(context.Background(), second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(context.Background(), "flow-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.StepName != "awaiting_document_front" {
		t.Fatalf("expected the newer snapshot, got %q", loaded.StepName)
	}
}

func TestMemoryStoreLoadMissingFlow(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	snap := verification.Snapshot{FlowID: "flow-1"}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.Delete(context.Background(), "flow-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Load(context.Background(), "flow-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(context.Background(), "flow-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestRedisStoreKeyNamespacing(t *testing.T) {
	store := NewRedisStore(nil, "kycflow")
	if got := store.key("flow-1"); got != "kycflow:flow:flow-1" {
		t.Fatalf("unexpected key %q", got)
	}
}
