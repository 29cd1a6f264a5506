// Package gateway stores proof records through HTTP gateways of an
// Arweave-style permanent storage network.
//
// Endpoints are tried in order. A transient failure (transport error, 429 or
// 5xx) moves on to the next endpoint; any other 4xx on submit is final.
package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"PromptProof-Chain/internal/credential"
	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/pkg/logger"
)

// DefaultEndpoints are used when none are configured.
var DefaultEndpoints = []string{"https://arweave.net", "https://ar-io.net"}

const (
	defaultTimeout   = 20 * time.Second
	defaultAppName   = "PromptGenix-Proof-Layer"
	defaultProofType = "AI_OUTPUT_PROVENANCE"
	maxBodyBytes     = 4 << 20

	HeaderSignature = "X-Proof-Signature"
	HeaderIdentity  = "X-Proof-Identity"
	HeaderAppName   = "App-Name"
	HeaderProofType = "Proof-Type"
)

// retrievalPatterns are tried in order for each endpoint. Gateways differ in
// whether they serve the raw payload or a Base64 rendition of it.
var retrievalPatterns = []string{
	"%s/%s?raw=1",
	"%s/%s",
	"%s/tx/%s/data",
	"%s/%s/data",
}

// Config describes the gateway set.
type Config struct {
	Name              string
	Endpoints         []string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Confirmations     uint64
	AppName           string
	ProofType         string
	HTTPClient        *http.Client
}

// Backend implements ledger.Backend over HTTP gateways.
type Backend struct {
	name          string
	endpoints     []string
	client        *http.Client
	limiter       *rate.Limiter
	signer        credential.Provider
	confirmations uint64
	appName       string
	proofType     string
	logger        *slog.Logger
}

var _ ledger.Backend = (*Backend)(nil)

// New creates a gateway backend. signer may be nil when the gateway does not
// authenticate uploads.
func New(cfg Config, signer credential.Provider) (*Backend, error) {
	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep == "" {
			continue
		}
		if _, err := url.ParseRequestURI(ep); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, fmt.Sprintf("invalid gateway endpoint %q", ep))
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, DefaultEndpoints...)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	b := &Backend{
		name:          cfg.Name,
		endpoints:     endpoints,
		client:        client,
		limiter:       rate.NewLimiter(limit, burst),
		signer:        signer,
		confirmations: cfg.Confirmations,
		appName:       cfg.AppName,
		proofType:     cfg.ProofType,
		logger:        logger.Named("ledger.gateway"),
	}
	if b.name == "" {
		b.name = "gateway"
	}
	if b.confirmations == 0 {
		b.confirmations = 1
	}
	if b.appName == "" {
		b.appName = defaultAppName
	}
	if b.proofType == "" {
		b.proofType = defaultProofType
	}
	return b, nil
}

// Name implements ledger.Backend.
func (b *Backend) Name() string { return b.name }

// Endpoints returns the endpoints in failover order.
func (b *Backend) Endpoints() []string {
	return append([]string(nil), b.endpoints...)
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit posts payload to {endpoint}/tx.
func (b *Backend) Submit(ctx context.Context, payload []byte) (string, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderAppName, b.appName)
	headers.Set(HeaderProofType, b.proofType)
	if b.signer != nil {
		sig, err := b.signer.Sign(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", xerrors.Wrap(xerrors.CodeCredentialFailure, err, "sign upload")
		}
		headers.Set(HeaderSignature, hex.EncodeToString(sig))
		headers.Set(HeaderIdentity, b.signer.Identity())
	}

	var lastErr error
	for _, ep := range b.endpoints {
		status, body, err := b.do(ctx, http.MethodPost, ep+"/tx", headers, payload)
		if err != nil {
			if cerr := contextError(ctx, err); cerr != nil {
				return "", cerr
			}
			lastErr = transient(ep, err)
			b.logger.Debug("gateway submit failed, trying next endpoint", slog.String("endpoint", ep), slog.Any("error", err))
			continue
		}
		switch {
		case status >= 200 && status < 300:
			id := parseSubmitID(body)
			if id == "" {
				return "", xerrors.New(xerrors.CodeNetworkFatal, "gateway response carries no transaction id",
					xerrors.WithMetadata(xerrors.MetaEndpoint, ep))
			}
			return id, nil
		case isTransientStatus(status):
			lastErr = xerrors.New(xerrors.CodeNetworkTransient, fmt.Sprintf("gateway answered %d", status),
				xerrors.WithMetadata(xerrors.MetaEndpoint, ep))
			b.logger.Debug("gateway submit failed, trying next endpoint", slog.String("endpoint", ep), slog.Int("status", status))
		default:
			return "", xerrors.New(xerrors.CodeNetworkFatal,
				fmt.Sprintf("gateway rejected upload with %d: %s", status, snippet(body)),
				xerrors.WithMetadata(xerrors.MetaEndpoint, ep))
		}
	}
	return "", lastErr
}

func parseSubmitID(body []byte) string {
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		return strings.TrimSpace(resp.ID)
	}
	text := strings.TrimSpace(string(body))
	if text == "" || strings.ContainsAny(text, " \t\r\n{}\"") {
		return ""
	}
	return text
}

// Retrieve downloads the payload stored under id, trying every retrieval
// pattern on every endpoint. A body that is neither JSON nor Base64 encoded
// JSON is returned as is when no other candidate decodes, so the caller sees
// a malformed record rather than a missing one.
func (b *Backend) Retrieve(ctx context.Context, id string) ([]byte, error) {
	escaped := url.PathEscape(strings.TrimSpace(id))
	if escaped == "" {
		return nil, notFound(id)
	}

	seen := make(map[string]struct{})
	var (
		undecodable []byte
		lastErr     error
	)
	for _, ep := range b.endpoints {
		for _, pattern := range retrievalPatterns {
			target := fmt.Sprintf(pattern, ep, escaped)
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}

			status, body, err := b.do(ctx, http.MethodGet, target, nil, nil)
			if err != nil {
				if cerr := contextError(ctx, err); cerr != nil {
					return nil, cerr
				}
				lastErr = transient(ep, err)
				continue
			}
			switch {
			case status == http.StatusOK:
				if decoded, ok := DecodeBody(body); ok {
					return decoded, nil
				}
				if undecodable == nil {
					undecodable = body
				}
			case isTransientStatus(status):
				lastErr = xerrors.New(xerrors.CodeNetworkTransient, fmt.Sprintf("gateway answered %d", status),
					xerrors.WithMetadata(xerrors.MetaEndpoint, ep))
			}
		}
	}
	if undecodable != nil {
		return undecodable, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, notFound(id)
}

type statusResponse struct {
	BlockHeight           int64  `json:"block_height"`
	NumberOfConfirmations uint64 `json:"number_of_confirmations"`
}

// Finality queries {endpoint}/tx/{id}/status. 200 carries the confirmation
// count, 202 means the transaction is known but pending.
func (b *Backend) Finality(ctx context.Context, id string) (ledger.Finality, error) {
	escaped := url.PathEscape(strings.TrimSpace(id))
	if escaped == "" {
		return ledger.FinalityUnknown, notFound(id)
	}
	var lastErr error
	for _, ep := range b.endpoints {
		status, body, err := b.do(ctx, http.MethodGet, fmt.Sprintf("%s/tx/%s/status", ep, escaped), nil, nil)
		if err != nil {
			if cerr := contextError(ctx, err); cerr != nil {
				return ledger.FinalityUnknown, cerr
			}
			lastErr = transient(ep, err)
			continue
		}
		switch {
		case status == http.StatusOK:
			var resp statusResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				lastErr = xerrors.Wrap(xerrors.CodeNetworkTransient, err, "decode gateway status",
					xerrors.WithMetadata(xerrors.MetaEndpoint, ep))
				continue
			}
			if resp.NumberOfConfirmations >= b.confirmations {
				return ledger.FinalityConfirmed, nil
			}
			return ledger.FinalityPending, nil
		case status == http.StatusAccepted:
			return ledger.FinalityPending, nil
		case isTransientStatus(status):
			lastErr = xerrors.New(xerrors.CodeNetworkTransient, fmt.Sprintf("gateway answered %d", status),
				xerrors.WithMetadata(xerrors.MetaEndpoint, ep))
		}
	}
	if lastErr != nil {
		return ledger.FinalityUnknown, lastErr
	}
	return ledger.FinalityUnknown, notFound(id)
}

func (b *Backend) do(ctx context.Context, method, target string, headers http.Header, body []byte) (int, []byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		// Wait fails early when the deadline leaves no room for a token.
		return 0, nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// contextError returns the cancellation or deadline behind err, or nil when
// err is an ordinary transport failure.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func transient(endpoint string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeNetworkTransient, err, "gateway unreachable",
		xerrors.WithMetadata(xerrors.MetaEndpoint, endpoint))
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeRecordNotFound, "", xerrors.WithTransactionID(id))
}

func snippet(body []byte) string {
	const max = 200
	text := strings.TrimSpace(string(body))
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
