package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryReceiptRepositoryLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryReceiptRepository(dir)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	record := &ReceiptRecord{
		TransactionID: "tx-1",
		Ledger:        "memory",
		Status:        "PENDING",
		RecordDigest:  "abc",
		Payload:       []byte(`{"schema_version":1}`),
		Attempts:      1,
		SubmittedAt:   1000,
	}
	if err := repo.Save(ctx, record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if record.ID == "" {
		t.Fatalf("expected id to be assigned")
	}

	if err := repo.UpdateStatus(ctx, record.ID, StatusUpdate{Status: "CONFIRMED", ConfirmedAt: 2000, UpdatedAt: 2000}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", StatusUpdate{Status: "CONFIRMED"}); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}

	reopened, err := NewMemoryReceiptRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	stored, err := reopened.GetByTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get by transaction failed: %v", err)
	}
	if stored.Status != "CONFIRMED" || stored.ConfirmedAt != 2000 || string(stored.Payload) != `{"schema_version":1}` {
		t.Fatalf("unexpected restored record: %+v", stored)
	}
	if _, err := reopened.Get(ctx, "missing"); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestMemoryReceiptRepositoryListByStatus(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryReceiptRepository("")
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}
	ctx := context.Background()
	for i, status := range []string{"PENDING", "CONFIRMED", "INDETERMINATE", "PENDING"} {
		if err := repo.Save(ctx, &ReceiptRecord{Status: status, Ledger: "memory", SubmittedAt: int64(100 - i)}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	list, err := repo.ListByStatus(ctx, []string{"PENDING", "INDETERMINATE"}, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].UpdatedAt > list[i].UpdatedAt {
			t.Fatalf("records not ordered by updated_at: %+v", list)
		}
	}

	limited, _ := repo.ListByStatus(ctx, []string{"PENDING"}, 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}
