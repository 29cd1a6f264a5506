package ledger_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/memory"
	"PromptProof-Chain/internal/proofs"
)

func fastRetry() ledger.Option {
	return ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	})
}

func buildRecord(t *testing.T) *proofs.Record {
	t.Helper()
	rec, err := proofs.NewBuilder().Build("Summarize the Q1 report", "Revenue grew 12% YoY.",
		proofs.NewMetadata(proofs.MetadataKeyModel, "gpt-4o"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return rec
}

func newClient(t *testing.T, backend ledger.Backend, opts ...ledger.Option) *ledger.Client {
	t.Helper()
	client, err := ledger.NewClient(backend, append([]ledger.Option{fastRetry()}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCommitSubmittedAndFetch(t *testing.T) {
	backend := memory.New()
	client := newClient(t, backend)
	rec := buildRecord(t)

	receipt, err := client.Commit(context.Background(), rec, ledger.CommitOptions{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if receipt.Status != ledger.StatusSubmitted || !receipt.HasIdentifier() {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if !bytes.Equal(receipt.Payload, rec.Canonical()) {
		t.Fatalf("receipt must carry the submitted canonical bytes")
	}
	if receipt.RecordDigest != rec.Digest().Hex() || receipt.Attempts != 1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	fetched, err := client.Fetch(context.Background(), receipt.TransactionID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !fetched.Digest().Equal(rec.Digest()) {
		t.Fatalf("fetched record differs from committed record")
	}
}

func TestCommitWaitsForConfirmation(t *testing.T) {
	client := newClient(t, memory.New())
	receipt, err := client.Commit(context.Background(), buildRecord(t), ledger.CommitOptions{
		WaitForConfirmation: true,
		Timeout:             time.Second,
		PollInterval:        time.Millisecond,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if receipt.Status != ledger.StatusConfirmed || receipt.ConfirmedAt == nil {
		t.Fatalf("expected confirmed receipt, got %+v", receipt)
	}
}

func TestCommitTimeoutReturnsPending(t *testing.T) {
	backend := memory.New(memory.WithManualConfirmation())
	client := newClient(t, backend)

	receipt, err := client.Commit(context.Background(), buildRecord(t), ledger.CommitOptions{
		WaitForConfirmation: true,
		Timeout:             30 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must not fail the commit: %v", err)
	}
	if receipt.Status != ledger.StatusPending || receipt.TransactionID == "" {
		t.Fatalf("expected pending receipt with id, got %+v", receipt)
	}

	if _, err := client.Fetch(context.Background(), receipt.TransactionID); !xerrors.HasCode(err, xerrors.CodeRecordNotFound) {
		t.Fatalf("pending record should not be fetchable, got %v", err)
	}
	if err := backend.Confirm(receipt.TransactionID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := client.Fetch(context.Background(), receipt.TransactionID); err != nil {
		t.Fatalf("record should be fetchable once confirmed: %v", err)
	}
	if f, err := client.Status(context.Background(), receipt.TransactionID); err != nil || f != ledger.FinalityConfirmed {
		t.Fatalf("unexpected status %s err=%v", f, err)
	}
}

func TestCommitRetriesTransientFailures(t *testing.T) {
	backend := memory.New()
	transient := xerrors.New(xerrors.CodeNetworkTransient, "gateway timeout")
	backend.FailNext(memory.OpSubmit, transient, transient)
	client := newClient(t, backend)

	receipt, err := client.Commit(context.Background(), buildRecord(t), ledger.CommitOptions{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if receipt.Attempts != 3 || backend.Calls(memory.OpSubmit) != 3 {
		t.Fatalf("expected 3 attempts, got %d", receipt.Attempts)
	}
}

func TestCommitStopsAtAttemptCeiling(t *testing.T) {
	backend := memory.New()
	transient := xerrors.New(xerrors.CodeNetworkTransient, "gateway timeout")
	backend.FailNext(memory.OpSubmit, transient, transient, transient, transient)
	client := newClient(t, backend)

	_, err := client.Commit(context.Background(), buildRecord(t), ledger.CommitOptions{})
	if !xerrors.HasCode(err, xerrors.CodeNetworkTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if xerrors.AttemptsOf(err) != 3 {
		t.Fatalf("error should carry attempt count, got %v", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("nothing should be stored")
	}
}

func TestCommitDoesNotRetryFatal(t *testing.T) {
	backend := memory.New()
	backend.FailNext(memory.OpSubmit, xerrors.New(xerrors.CodeNetworkFatal, "bad request"))
	client := newClient(t, backend)

	_, err := client.Commit(context.Background(), buildRecord(t), ledger.CommitOptions{})
	if !xerrors.HasCode(err, xerrors.CodeNetworkFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if backend.Calls(memory.OpSubmit) != 1 {
		t.Fatalf("fatal errors must not be retried")
	}
	if e, _ := xerrors.From(err); e.Metadata()[xerrors.MetaLedger] != "memory" {
		t.Fatalf("error should name the ledger, got %v", err)
	}
}

func TestCommitCancelledBeforeSubmit(t *testing.T) {
	client := newClient(t, memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	receipt, err := client.Commit(ctx, buildRecord(t), ledger.CommitOptions{})
	if !xerrors.HasCode(err, xerrors.CodeIndeterminate) {
		t.Fatalf("expected INDETERMINATE, got %v", err)
	}
	if receipt.Status != ledger.StatusIndeterminate || receipt.HasIdentifier() {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestCommitCancelledWhileWaiting(t *testing.T) {
	backend := memory.New(memory.WithManualConfirmation())
	client := newClient(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	receipt, err := client.Commit(ctx, buildRecord(t), ledger.CommitOptions{
		WaitForConfirmation: true,
		Timeout:             5 * time.Second,
		PollInterval:        2 * time.Millisecond,
	})
	if !xerrors.HasCode(err, xerrors.CodeIndeterminate) {
		t.Fatalf("expected INDETERMINATE, got %v", err)
	}
	if receipt.Status != ledger.StatusIndeterminate || receipt.TransactionID == "" {
		t.Fatalf("indeterminate receipt must keep the identifier, got %+v", receipt)
	}
}

func TestFetchEmptyIDSkipsNetwork(t *testing.T) {
	backend := memory.New()
	client := newClient(t, backend)
	if _, err := client.Fetch(context.Background(), "  "); !xerrors.HasCode(err, xerrors.CodeRecordNotFound) {
		t.Fatalf("expected RECORD_NOT_FOUND, got %v", err)
	}
	if backend.Calls(memory.OpRetrieve) != 0 {
		t.Fatalf("empty id must not reach the backend")
	}
}

func TestFetchMalformed(t *testing.T) {
	backend := memory.New()
	backend.Put("bad", []byte(`{"schema_version":2}`))
	client := newClient(t, backend)

	_, err := client.Fetch(context.Background(), "bad")
	if !xerrors.HasCode(err, xerrors.CodeMalformedRecord) {
		t.Fatalf("expected MALFORMED_RECORD, got %v", err)
	}
	e, _ := xerrors.From(err)
	if e.Metadata()[xerrors.MetaTransactionID] != "bad" {
		t.Fatalf("error should carry the transaction id, got %v", err)
	}
	if backend.Calls(memory.OpRetrieve) != 1 {
		t.Fatalf("malformed records must not be retried")
	}
}

func TestFetchRetriesTransient(t *testing.T) {
	backend := memory.New()
	client := newClient(t, backend)
	receipt, err := client.Commit(context.Background(), buildRecord(t), ledger.CommitOptions{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	backend.FailNext(memory.OpRetrieve, xerrors.New(xerrors.CodeNetworkTransient, "502"))
	if _, err := client.Fetch(context.Background(), receipt.TransactionID); err != nil {
		t.Fatalf("fetch should succeed after retry: %v", err)
	}
	if backend.Calls(memory.OpRetrieve) != 2 {
		t.Fatalf("expected 2 retrieve calls, got %d", backend.Calls(memory.OpRetrieve))
	}
}

func TestNewClientRequiresBackend(t *testing.T) {
	if _, err := ledger.NewClient(nil); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected INITIALIZATION_FAILURE, got %v", err)
	}
}
