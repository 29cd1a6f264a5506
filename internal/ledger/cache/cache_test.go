package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/memory"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis down")
}

func TestRetrieveIsReadThrough(t *testing.T) {
	next := memory.New()
	backend := New(next, NewMemoryStore())
	ctx := context.Background()

	id, err := backend.Submit(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 3; i++ {
		data, err := backend.Retrieve(ctx, id)
		if err != nil || string(data) != "payload" {
			t.Fatalf("retrieve: %q %v", data, err)
		}
	}
	if next.Calls(memory.OpRetrieve) != 1 {
		t.Fatalf("expected a single backend retrieve, got %d", next.Calls(memory.OpRetrieve))
	}
	if f, err := backend.Finality(ctx, id); err != nil || f != ledger.FinalityConfirmed {
		t.Fatalf("cached record should be confirmed, got %s err=%v", f, err)
	}
}

func TestPendingRecordsAreNotCached(t *testing.T) {
	next := memory.New(memory.WithManualConfirmation())
	backend := New(next, NewMemoryStore())
	ctx := context.Background()
	id, _ := backend.Submit(ctx, []byte("payload"))

	if _, err := backend.Retrieve(ctx, id); err == nil {
		t.Fatalf("pending record must not be retrievable")
	}
	_ = next.Confirm(id)
	if _, err := backend.Retrieve(ctx, id); err != nil {
		t.Fatalf("retrieve after confirmation: %v", err)
	}
}

func TestStoreFailuresAreBypassed(t *testing.T) {
	next := memory.New()
	backend := New(next, failingStore{})
	ctx := context.Background()
	id, _ := backend.Submit(ctx, []byte("payload"))
	if data, err := backend.Retrieve(ctx, id); err != nil || string(data) != "payload" {
		t.Fatalf("store failure must not fail retrieve: %q %v", data, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	_ = store.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatalf("entry should be present")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("entry should have expired")
	}
}
