package proofclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PromptProof-Chain/internal/api"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/provider"
	"PromptProof-Chain/internal/provenance"
	"PromptProof-Chain/internal/storage"
)

func newService(t *testing.T) *Client {
	t.Helper()
	registry, err := provider.NewRegistry(context.Background(), ledger.Definitions{}, "", provider.Options{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	repo, _ := storage.NewMemoryReceiptRepository("")
	svc, err := provenance.NewService(registry, provenance.WithReceiptStore(repo))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := httptest.NewServer(api.NewServer("", svc).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return client
}

func TestCommitVerifyRoundTrip(t *testing.T) {
	client := newService(t)
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	resp, err := client.Commit(ctx, CommitRequest{
		Prompt:   "Summarize the Q1 report",
		Output:   "Revenue grew 12% YoY.",
		Metadata: []MetadataEntry{{Key: "ai_model", Value: "m1"}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.TransactionID == "" || resp.Status != "SUBMITTED" {
		t.Fatalf("unexpected commit response %+v", resp)
	}

	result, err := client.Verify(ctx, VerifyRequest{TransactionID: resp.TransactionID, Prompt: "Summarize the Q1 report", Output: "Revenue grew 12% YoY."})
	if err != nil || result.Status != "MATCH" || !result.Verified {
		t.Fatalf("expected MATCH, got %+v err=%v", result, err)
	}
	if result.Metadata["ai_model"] != "m1" {
		t.Fatalf("metadata not returned: %+v", result.Metadata)
	}

	result, err = client.Verify(ctx, VerifyRequest{TransactionID: resp.TransactionID, Prompt: "Summarize the Q1 report", Output: "Revenue grew 13% YoY."})
	if err != nil || result.Status != "OUTPUT_MISMATCH" || !result.Tampered() {
		t.Fatalf("expected OUTPUT_MISMATCH, got %+v err=%v", result, err)
	}

	record, err := client.Record(ctx, resp.TransactionID, "")
	if err != nil || record.RecordDigest != resp.RecordDigest {
		t.Fatalf("record: %+v err=%v", record, err)
	}
	receipt, err := client.Receipt(ctx, resp.ReceiptID)
	if err != nil || receipt.TransactionID != resp.TransactionID {
		t.Fatalf("receipt: %+v err=%v", receipt, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newService(t)
	_, err := client.Commit(context.Background(), CommitRequest{Prompt: "", Output: "o"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INVALID_INPUT" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = client.Record(context.Background(), "missing", "")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "RECORD_NOT_FOUND" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPlainTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	err := client.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "down for maintenance" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatalf("expected error")
	}
}
