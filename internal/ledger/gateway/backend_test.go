package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"PromptProof-Chain/internal/credential"
	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/proofs"
)

const record = `{"schema_version":1}`

// fakeGateway stores uploads and serves them on the /tx/{id}/data pattern as
// Base64, the way many gateways do.
type fakeGateway struct {
	mu      sync.Mutex
	data    map[string][]byte
	headers http.Header
	pending bool
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/tx":
		body, _ := io.ReadAll(r.Body)
		g.headers = r.Header.Clone()
		g.data["tx-1"] = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"tx-1"}`)
	case strings.HasSuffix(r.URL.Path, "/status"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tx/"), "/status")
		if _, ok := g.data[id]; !ok {
			http.NotFound(w, r)
			return
		}
		if g.pending {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = io.WriteString(w, `{"block_height":10,"number_of_confirmations":3}`)
	case strings.HasPrefix(r.URL.Path, "/tx/") && strings.HasSuffix(r.URL.Path, "/data"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tx/"), "/data")
		body, ok := g.data[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, base64.RawURLEncoding.EncodeToString(body))
	default:
		http.NotFound(w, r)
	}
}

func newFake() *fakeGateway {
	return &fakeGateway{data: map[string][]byte{}}
}

func TestSubmitAndRetrieveBase64(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	key, _ := crypto.GenerateKey()
	signer, _ := credential.NewECDSAProvider(key)
	backend, err := New(Config{Endpoints: []string{srv.URL}}, signer)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	ctx := context.Background()
	id, err := backend.Submit(ctx, []byte(record))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "tx-1" {
		t.Fatalf("unexpected id %s", id)
	}
	if fake.headers.Get(HeaderAppName) != defaultAppName || fake.headers.Get(HeaderProofType) != defaultProofType {
		t.Fatalf("missing tags: %v", fake.headers)
	}
	sig, err := hex.DecodeString(fake.headers.Get(HeaderSignature))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if ok, _ := credential.Verify(fake.headers.Get(HeaderIdentity), []byte(record), sig); !ok {
		t.Fatalf("upload signature should verify")
	}

	data, err := backend.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(data) != record {
		t.Fatalf("unexpected payload %q", data)
	}
	if f, err := backend.Finality(ctx, id); err != nil || f != ledger.FinalityConfirmed {
		t.Fatalf("expected confirmed, got %s err=%v", f, err)
	}
	fake.mu.Lock()
	fake.pending = true
	fake.mu.Unlock()
	if f, err := backend.Finality(ctx, id); err != nil || f != ledger.FinalityPending {
		t.Fatalf("expected pending, got %s err=%v", f, err)
	}
}

func TestSubmitFailsOverOnTransientError(t *testing.T) {
	var downCalls atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	fake := newFake()
	up := httptest.NewServer(fake)
	defer up.Close()

	backend, _ := New(Config{Endpoints: []string{down.URL, up.URL}}, nil)
	id, err := backend.Submit(context.Background(), []byte(record))
	if err != nil {
		t.Fatalf("submit should fail over: %v", err)
	}
	if id != "tx-1" || downCalls.Load() != 1 {
		t.Fatalf("unexpected id=%s downCalls=%d", id, downCalls.Load())
	}
}

func TestSubmitClientErrorIsFatal(t *testing.T) {
	var secondCalls atomic.Int32
	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer reject.Close()
	second := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		secondCalls.Add(1)
	}))
	defer second.Close()

	backend, _ := New(Config{Endpoints: []string{reject.URL, second.URL}}, nil)
	_, err := backend.Submit(context.Background(), []byte(record))
	if !xerrors.HasCode(err, xerrors.CodeNetworkFatal) {
		t.Fatalf("expected NETWORK_FATAL, got %v", err)
	}
	if secondCalls.Load() != 0 {
		t.Fatalf("fatal errors must not fail over")
	}
}

func TestSubmitAllEndpointsDownIsTransient(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	backend, _ := New(Config{Endpoints: []string{down.URL}}, nil)
	_, err := backend.Submit(context.Background(), []byte(record))
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestRetrieveUnknownIsNotFound(t *testing.T) {
	srv := httptest.NewServer(newFake())
	defer srv.Close()
	backend, _ := New(Config{Endpoints: []string{srv.URL}}, nil)
	if _, err := backend.Retrieve(context.Background(), "nonexistent-tx-id"); !xerrors.HasCode(err, xerrors.CodeRecordNotFound) {
		t.Fatalf("expected RECORD_NOT_FOUND, got %v", err)
	}
	if _, err := backend.Finality(context.Background(), "nonexistent-tx-id"); !xerrors.HasCode(err, xerrors.CodeRecordNotFound) {
		t.Fatalf("expected RECORD_NOT_FOUND, got %v", err)
	}
}

func TestRetrieveTriesPatternsInOrder(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.RequestURI())
		mu.Unlock()
		if r.URL.Path == "/abc/data" {
			_, _ = io.WriteString(w, record)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	backend, _ := New(Config{Endpoints: []string{srv.URL}}, nil)
	data, err := backend.Retrieve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(data) != record {
		t.Fatalf("unexpected payload %q", data)
	}
	want := []string{"/abc?raw=1", "/abc", "/tx/abc/data", "/abc/data"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected request order %v", paths)
	}
}

func TestRetrieveUndecodableBodyIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/abc" {
			_, _ = io.WriteString(w, "<html>not a record</html>")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	backend, _ := New(Config{Endpoints: []string{srv.URL}}, nil)
	data, err := backend.Retrieve(context.Background(), "abc")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.Contains(string(data), "html") {
		t.Fatalf("expected raw body, got %q", data)
	}
}

func TestRetrieveTransientWhenGatewaysDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	backend, _ := New(Config{Endpoints: []string{down.URL}}, nil)
	if _, err := backend.Retrieve(context.Background(), "abc"); !xerrors.HasCode(err, xerrors.CodeNetworkTransient) {
		t.Fatalf("expected NETWORK_TRANSIENT, got %v", err)
	}
}

func TestDecodeBody(t *testing.T) {
	raw := []byte(`{"a":"b"}`)
	cases := map[string]string{
		"json":       string(raw),
		"std":        base64.StdEncoding.EncodeToString(raw),
		"raw std":    base64.RawStdEncoding.EncodeToString(raw),
		"url":        base64.URLEncoding.EncodeToString(raw),
		"raw url":    base64.RawURLEncoding.EncodeToString(raw),
		"whitespace": "\n" + string(raw) + "\n",
	}
	for name, body := range cases {
		got, ok := DecodeBody([]byte(body))
		if !ok || string(got) != string(raw) {
			t.Fatalf("%s: unexpected result %q ok=%v", name, got, ok)
		}
	}
	if _, ok := DecodeBody([]byte("not json")); ok {
		t.Fatalf("plain text must not decode")
	}
}

func TestDefaultEndpoints(t *testing.T) {
	backend, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if strings.Join(backend.Endpoints(), ",") != strings.Join(DefaultEndpoints, ",") {
		t.Fatalf("unexpected endpoints %v", backend.Endpoints())
	}
}

func TestRetrieveFailsOverAcrossEndpoints(t *testing.T) {
	serving := newFake()
	serving.data["abc"] = []byte(record)
	up := httptest.NewServer(serving)
	defer up.Close()

	cases := map[string]http.HandlerFunc{
		"bad gateway": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"html page": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html>maintenance</html>")
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			first := httptest.NewServer(handler)
			defer first.Close()
			backend, _ := New(Config{Endpoints: []string{first.URL, up.URL}}, nil)
			data, err := backend.Retrieve(context.Background(), "abc")
			if err != nil {
				t.Fatalf("retrieve should fail over: %v", err)
			}
			if string(data) != record {
				t.Fatalf("expected record from second endpoint, got %q", data)
			}
		})
	}
}

func TestRetrieveMissingOnOneEndpointTransientOnOther(t *testing.T) {
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	for _, order := range [][]string{{missing.URL, down.URL}, {down.URL, missing.URL}} {
		backend, _ := New(Config{Endpoints: order}, nil)
		_, err := backend.Retrieve(context.Background(), "abc")
		if !xerrors.HasCode(err, xerrors.CodeNetworkTransient) {
			t.Fatalf("endpoints %v: expected NETWORK_TRANSIENT, got %v", order, err)
		}
	}
}

func TestRateLimitWaitBeyondDeadlineIsContextError(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	backend, _ := New(Config{Endpoints: []string{srv.URL}, RequestsPerSecond: 0.001, Burst: 1}, nil)

	if _, err := backend.Submit(context.Background(), []byte(record)); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := backend.Retrieve(ctx, "tx-1")
	if !errors.Is(err, context.DeadlineExceeded) || xerrors.HasCode(err, xerrors.CodeNetworkTransient) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	client, err := ledger.NewClient(backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	rec, err := proofs.NewBuilder().Build("p", "o", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	receipt, err := client.Commit(ctx, rec, ledger.CommitOptions{})
	if !xerrors.HasCode(err, xerrors.CodeIndeterminate) || receipt.Status != ledger.StatusIndeterminate {
		t.Fatalf("expected INDETERMINATE, got status=%s err=%v", receipt.Status, err)
	}
	if receipt.Attempts != 1 {
		t.Fatalf("limiter deadline must not be retried, attempts=%d", receipt.Attempts)
	}
}
