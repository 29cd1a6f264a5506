package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/memory"
	"PromptProof-Chain/internal/observability/alerting"
	"PromptProof-Chain/internal/storage"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	backend *memory.Ledger
	repo    *storage.MemoryReceiptRepository
	alerts  *recordingDispatcher
	queue   *MemoryQueue
	proc    *Processor
	now     time.Time
}

func newFixture(t *testing.T, opts ...ProcessorOption) *fixture {
	t.Helper()
	backend := memory.New(memory.WithManualConfirmation())
	client, err := ledger.NewClient(backend, ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 1}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	repo, err := storage.NewMemoryReceiptRepository("")
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	f := &fixture{
		backend: backend,
		repo:    repo,
		alerts:  &recordingDispatcher{},
		queue:   NewMemoryQueue(16),
		now:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	lookup := func(name string) (StatusChecker, bool) {
		if name != backend.Name() {
			return nil, false
		}
		return client, true
	}
	base := []ProcessorOption{
		WithAlertDispatcher(f.alerts),
		WithMaxAge(time.Hour),
		WithClock(func() time.Time { return f.now }),
	}
	f.proc = NewProcessor(repo, lookup, f.queue, append(base, opts...)...)
	return f
}

func (f *fixture) save(t *testing.T, status, txID string, age time.Duration) string {
	t.Helper()
	record := &storage.ReceiptRecord{
		TransactionID: txID,
		Ledger:        "memory",
		Status:        status,
		SubmittedAt:   f.now.Add(-age).UnixMilli(),
	}
	if err := f.repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}
	return record.ID
}

func (f *fixture) status(t *testing.T, id string) storage.ReceiptRecord {
	t.Helper()
	record, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return record
}

func TestHandleConfirmsPendingReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txID, err := f.backend.Submit(ctx, []byte("{}"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := f.save(t, "PENDING", txID, time.Minute)

	if err := f.proc.Handle(ctx, id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.status(t, id).Status; got != "PENDING" {
		t.Fatalf("expected PENDING before confirmation, got %s", got)
	}

	if err := f.backend.Confirm(txID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.proc.Handle(ctx, id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	record := f.status(t, id)
	if record.Status != "CONFIRMED" || record.ConfirmedAt != f.now.UnixMilli() {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestHandleDowngradesIndeterminateToPending(t *testing.T) {
	f := newFixture(t)
	txID, _ := f.backend.Submit(context.Background(), []byte("{}"))
	id := f.save(t, "INDETERMINATE", txID, time.Minute)

	if err := f.proc.Handle(context.Background(), id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.status(t, id).Status; got != "PENDING" {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestHandleMarksUnresolved(t *testing.T) {
	tests := []struct {
		name   string
		status string
		txID   func(f *fixture) string
		age    time.Duration
	}{
		{name: "missing identifier", status: "INDETERMINATE", txID: func(*fixture) string { return "" }, age: time.Minute},
		{name: "expired pending", status: "PENDING", txID: func(f *fixture) string {
			id, _ := f.backend.Submit(context.Background(), []byte("{}"))
			return id
		}, age: 2 * time.Hour},
		{name: "expired unknown", status: "PENDING", txID: func(*fixture) string { return "ghost" }, age: 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.save(t, tt.status, tt.txID(f), tt.age)
			if err := f.proc.Handle(context.Background(), id); err != nil {
				t.Fatalf("handle: %v", err)
			}
			record := f.status(t, id)
			if record.Status != StatusUnresolved || record.LastError == "" {
				t.Fatalf("unexpected record %+v", record)
			}
			if f.alerts.count() != 1 {
				t.Fatalf("expected one alert, got %d", f.alerts.count())
			}
		})
	}
}

func TestHandleKeepsStatusOnLookupError(t *testing.T) {
	f := newFixture(t)
	id := f.save(t, "PENDING", "ghost", time.Minute)
	if err := f.proc.Handle(context.Background(), id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	record := f.status(t, id)
	if record.Status != "PENDING" || record.LastError == "" {
		t.Fatalf("unexpected record %+v", record)
	}
	if f.alerts.count() != 0 {
		t.Fatalf("unexpected alerts")
	}
}

func TestHandleIgnoresFinalReceipts(t *testing.T) {
	f := newFixture(t)
	id := f.save(t, "CONFIRMED", "tx", time.Minute)
	if err := f.proc.Handle(context.Background(), id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.proc.Handle(context.Background(), "missing"); err != nil {
		t.Fatalf("missing receipts should be skipped: %v", err)
	}
}

func TestScanSkipsQueuedReceipts(t *testing.T) {
	f := newFixture(t)
	f.save(t, "PENDING", "a", time.Minute)
	f.save(t, "INDETERMINATE", "b", time.Minute)
	f.save(t, "CONFIRMED", "c", time.Minute)

	n, err := f.proc.Scan(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 published, got %d err=%v", n, err)
	}
	n, err = f.proc.Scan(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected queued receipts to be skipped, got %d err=%v", n, err)
	}
}

func TestStartReconcilesUntilConfirmed(t *testing.T) {
	f := newFixture(t, WithInterval(10*time.Millisecond), WithWorkerCount(2))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	txID, _ := f.backend.Submit(ctx, []byte("{}"))
	id := f.save(t, "PENDING", txID, time.Minute)

	done := make(chan error, 1)
	go func() { done <- f.proc.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if err := f.backend.Confirm(txID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for f.status(t, id).Status != "CONFIRMED" {
		select {
		case <-deadline:
			t.Fatalf("receipt was not confirmed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start returned %v", err)
	}
}
