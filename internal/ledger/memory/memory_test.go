package memory

import (
	"context"
	"testing"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
)

func TestSubmitRetrieve(t *testing.T) {
	l := New()
	ctx := context.Background()
	id, err := l.Submit(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	data, err := l.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected payload %q", data)
	}
	data[0] = 'X'
	again, _ := l.Retrieve(ctx, id)
	if string(again) != "payload" {
		t.Fatalf("stored bytes must not be aliased")
	}
}

func TestManualConfirmation(t *testing.T) {
	l := New(WithManualConfirmation())
	ctx := context.Background()
	id, _ := l.Submit(ctx, []byte("p"))

	if _, err := l.Retrieve(ctx, id); !xerrors.HasCode(err, xerrors.CodeRecordNotFound) {
		t.Fatalf("pending record must not be retrievable, got %v", err)
	}
	if f, _ := l.Finality(ctx, id); f != ledger.FinalityPending {
		t.Fatalf("expected pending, got %s", f)
	}
	if err := l.Confirm(id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f, _ := l.Finality(ctx, id); f != ledger.FinalityConfirmed {
		t.Fatalf("expected confirmed, got %s", f)
	}
}

func TestConfirmAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(WithConfirmAfter(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	id, _ := l.Submit(ctx, []byte("p"))
	if f, _ := l.Finality(ctx, id); f != ledger.FinalityPending {
		t.Fatalf("expected pending, got %s", f)
	}
	now = now.Add(time.Minute)
	if f, _ := l.Finality(ctx, id); f != ledger.FinalityConfirmed {
		t.Fatalf("expected confirmed, got %s", f)
	}
}

func TestFailNext(t *testing.T) {
	l := New()
	boom := xerrors.New(xerrors.CodeNetworkTransient, "boom")
	l.FailNext(OpSubmit, boom)
	if _, err := l.Submit(context.Background(), []byte("p")); err != boom {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := l.Submit(context.Background(), []byte("p")); err != nil {
		t.Fatalf("second submit should succeed: %v", err)
	}
	if l.Calls(OpSubmit) != 2 || l.Len() != 1 {
		t.Fatalf("unexpected calls=%d len=%d", l.Calls(OpSubmit), l.Len())
	}
}

func TestPutDoesNotOverwrite(t *testing.T) {
	l := New()
	if !l.Put("tx", []byte("a")) {
		t.Fatalf("first put should succeed")
	}
	if l.Put("tx", []byte("b")) {
		t.Fatalf("append-only ledger must not overwrite")
	}
}
