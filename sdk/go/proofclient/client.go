// Package proofclient is a Go client for the proof service HTTP API.
package proofclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Commits that wait for confirmation may need a longer timeout.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the proof service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// MetadataEntry is one ordered metadata pair.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CommitRequest is the payload of POST /api/v1/proofs.
type CommitRequest struct {
	Prompt              string          `json:"prompt"`
	Output              string          `json:"output"`
	Metadata            []MetadataEntry `json:"metadata,omitempty"`
	Ledger              string          `json:"ledger,omitempty"`
	WaitForConfirmation *bool           `json:"wait_for_confirmation,omitempty"`
}

// CommitResponse describes the outcome of a commit. Status is one of
// SUBMITTED, CONFIRMED, PENDING or INDETERMINATE.
type CommitResponse struct {
	ReceiptID     string          `json:"receipt_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Ledger        string          `json:"ledger"`
	Status        string          `json:"status"`
	RecordDigest  string          `json:"record_digest"`
	PromptDigest  string          `json:"prompt_digest"`
	OutputDigest  string          `json:"output_digest"`
	Attempts      int             `json:"attempts"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	Record        json.RawMessage `json:"record"`
	Error         *APIError       `json:"error,omitempty"`
}

// VerifyRequest is the payload of POST /api/v1/verify.
type VerifyRequest struct {
	TransactionID string `json:"transaction_id"`
	Prompt        string `json:"prompt"`
	Output        string `json:"output"`
	Ledger        string `json:"ledger,omitempty"`
}

// VerifyResult is the verdict returned by the service.
type VerifyResult struct {
	TransactionID         string            `json:"transaction_id"`
	Status                string            `json:"status"`
	Verified              bool              `json:"verified"`
	PromptOK              bool              `json:"prompt_ok"`
	OutputOK              bool              `json:"output_ok"`
	StoredPromptDigest    string            `json:"stored_prompt_digest,omitempty"`
	CandidatePromptDigest string            `json:"candidate_prompt_digest,omitempty"`
	StoredOutputDigest    string            `json:"stored_output_digest,omitempty"`
	CandidateOutputDigest string            `json:"candidate_output_digest,omitempty"`
	RecordDigest          string            `json:"record_digest,omitempty"`
	CreatedAt             *time.Time        `json:"created_at,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	Detail                string            `json:"detail,omitempty"`
}

// Tampered reports whether the record was checked and at least one text differs.
func (r VerifyResult) Tampered() bool {
	switch r.Status {
	case "PROMPT_MISMATCH", "OUTPUT_MISMATCH", "BOTH_MISMATCH":
		return true
	}
	return false
}

// Record is a committed proof record as stored on the ledger.
type Record struct {
	TransactionID string          `json:"transaction_id"`
	Ledger        string          `json:"ledger,omitempty"`
	RecordDigest  string          `json:"record_digest"`
	Record        json.RawMessage `json:"record"`
}

// Receipt is the locally persisted commit receipt. Times are Unix milliseconds.
type Receipt struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Ledger        string `json:"ledger"`
	Status        string `json:"status"`
	RecordDigest  string `json:"record_digest"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	SubmittedAt   int64  `json:"submitted_at"`
	ConfirmedAt   int64  `json:"confirmed_at,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("proof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("proof api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Commit builds and commits a proof. An INDETERMINATE outcome returns the
// response together with an *APIError carrying code INDETERMINATE.
func (c *Client) Commit(ctx context.Context, req CommitRequest) (CommitResponse, error) {
	var resp CommitResponse
	if err := c.post(ctx, "/api/v1/proofs", req, &resp); err != nil {
		return CommitResponse{}, err
	}
	if resp.Error != nil {
		resp.Error.StatusCode = http.StatusAccepted
		return resp, resp.Error
	}
	return resp, nil
}

// Verify checks prompt and output against the committed record. RECORD_NOT_FOUND
// and MALFORMED_RECORD are verdicts, not errors.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/api/v1/verify", req, &result); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

// Record fetches a committed record. ledger may be empty for the default ledger.
func (c *Client) Record(ctx context.Context, transactionID, ledger string) (Record, error) {
	endpoint := "/api/v1/proofs/" + transactionID
	if ledger != "" {
		endpoint += "?ledger=" + url.QueryEscape(ledger)
	}
	var record Record
	if err := c.get(ctx, endpoint, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Receipt fetches a local receipt by receipt id or transaction id.
func (c *Client) Receipt(ctx context.Context, id string) (Receipt, error) {
	var receipt Receipt
	if err := c.get(ctx, "/api/v1/receipts/"+id, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
