// Package verifier decides whether candidate prompt/output text matches a
// proof record previously committed to a ledger.
//
// Tampering is a verdict, not an error: PROMPT_MISMATCH, OUTPUT_MISMATCH and
// BOTH_MISMATCH come back with a nil error. RECORD_NOT_FOUND and
// MALFORMED_RECORD are verdicts too, meaning the check could not be made.
// Only failures to reach the ledger are returned as errors.
package verifier

import (
	"context"
	"log/slog"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/observability/alerting"
	"PromptProof-Chain/internal/observability/metrics"
	"PromptProof-Chain/internal/proofs"
	"PromptProof-Chain/pkg/logger"
)

// Status is the verification verdict.
type Status string

const (
	StatusMatch           Status = "MATCH"
	StatusPromptMismatch  Status = "PROMPT_MISMATCH"
	StatusOutputMismatch  Status = "OUTPUT_MISMATCH"
	StatusBothMismatch    Status = "BOTH_MISMATCH"
	StatusRecordNotFound  Status = "RECORD_NOT_FOUND"
	StatusMalformedRecord Status = "MALFORMED_RECORD"
)

// Tampered reports whether s is one of the mismatch classifications.
func (s Status) Tampered() bool {
	return s == StatusPromptMismatch || s == StatusOutputMismatch || s == StatusBothMismatch
}

// Checked reports whether a stored record was compared at all.
func (s Status) Checked() bool {
	return s == StatusMatch || s.Tampered()
}

// Result carries the verdict together with both digest pairs so an auditor
// can see which artifact diverged.
type Result struct {
	TransactionID         string          `json:"transaction_id"`
	Status                Status          `json:"status"`
	Verified              bool            `json:"verified"`
	PromptOK              bool            `json:"prompt_ok"`
	OutputOK              bool            `json:"output_ok"`
	StoredPromptDigest    string          `json:"stored_prompt_digest,omitempty"`
	CandidatePromptDigest string          `json:"candidate_prompt_digest,omitempty"`
	StoredOutputDigest    string          `json:"stored_output_digest,omitempty"`
	CandidateOutputDigest string          `json:"candidate_output_digest,omitempty"`
	RecordDigest          string          `json:"record_digest,omitempty"`
	CreatedAt             *time.Time      `json:"created_at,omitempty"`
	Metadata              proofs.Metadata `json:"metadata,omitempty"`
	Detail                string          `json:"detail,omitempty"`

	// Record is the stored record when one was fetched and decoded.
	Record *proofs.Record `json:"-"`
}

// Fetcher retrieves committed records. *ledger.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*proofs.Record, error)
}

// Verifier holds no per-call state and is safe for concurrent use.
type Verifier struct {
	fetcher Fetcher
	logger  *slog.Logger
	audit   *slog.Logger
	metrics *metrics.Recorder
	alerts  alerting.Dispatcher
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithAuditLogger sets the logger receiving one entry per verdict.
func WithAuditLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.audit = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(v *Verifier) {
		v.metrics = rec
	}
}

// WithAlerts sets where tamper findings and malformed records are reported.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(v *Verifier) {
		v.alerts = d
	}
}

// New creates a Verifier reading through fetcher.
func New(fetcher Fetcher, opts ...Option) (*Verifier, error) {
	if fetcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "record fetcher is required")
	}
	v := &Verifier{
		fetcher: fetcher,
		logger:  logger.Named("verifier"),
		audit:   logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify fetches the record stored under id and compares its digests with
// digests recomputed from the candidates, using the normalization recorded in
// the stored metadata.
func (v *Verifier) Verify(ctx context.Context, id, prompt, output string) (Result, error) {
	result := Result{TransactionID: id}

	record, err := v.fetcher.Fetch(ctx, id)
	if err != nil {
		switch {
		case xerrors.HasCode(err, xerrors.CodeRecordNotFound):
			result.Status = StatusRecordNotFound
		case xerrors.HasCode(err, xerrors.CodeMalformedRecord):
			result.Status = StatusMalformedRecord
			v.alert(ctx, alerting.FromError(err))
		default:
			return Result{}, err
		}
		result.Detail = err.Error()
		v.finish(ctx, result)
		return result, nil
	}
	result.Record = record

	normalization, err := record.Normalization()
	if err != nil {
		result.Status = StatusMalformedRecord
		result.Detail = err.Error()
		v.finish(ctx, result)
		return result, nil
	}
	hasher, err := proofs.NewHasher(normalization)
	if err != nil {
		return Result{}, err
	}
	promptDigest, err := hasher.Digest(prompt)
	if err != nil {
		return Result{}, xerrors.Annotate(err, xerrors.WithMetadata(xerrors.MetaField, "prompt"))
	}
	outputDigest, err := hasher.Digest(output)
	if err != nil {
		return Result{}, xerrors.Annotate(err, xerrors.WithMetadata(xerrors.MetaField, "output"))
	}

	stored := record.PromptDigest()
	storedOutput := record.OutputDigest()
	createdAt := record.CreatedAt()
	result.PromptOK = stored.Equal(promptDigest)
	result.OutputOK = storedOutput.Equal(outputDigest)
	result.Status = Classify(result.PromptOK, result.OutputOK)
	result.Verified = result.Status == StatusMatch
	result.StoredPromptDigest = stored.Hex()
	result.CandidatePromptDigest = promptDigest.Hex()
	result.StoredOutputDigest = storedOutput.Hex()
	result.CandidateOutputDigest = outputDigest.Hex()
	result.RecordDigest = record.Digest().Hex()
	result.CreatedAt = &createdAt
	result.Metadata = record.Metadata()

	if result.Status.Tampered() {
		event := alerting.Event{
			Code:          alerting.CodeTamperDetected,
			Message:       "candidate text does not match the committed proof",
			Severity:      xerrors.SeverityWarning,
			TransactionID: id,
			Status:        string(result.Status),
			Metadata: map[string]string{
				"stored_prompt_digest":    result.StoredPromptDigest,
				"candidate_prompt_digest": result.CandidatePromptDigest,
				"stored_output_digest":    result.StoredOutputDigest,
				"candidate_output_digest": result.CandidateOutputDigest,
			},
		}
		v.alert(ctx, event)
	}
	v.finish(ctx, result)
	return result, nil
}

// Classify maps the two comparisons onto a verdict.
func Classify(promptOK, outputOK bool) Status {
	switch {
	case promptOK && outputOK:
		return StatusMatch
	case !promptOK && !outputOK:
		return StatusBothMismatch
	case !promptOK:
		return StatusPromptMismatch
	default:
		return StatusOutputMismatch
	}
}

func (v *Verifier) alert(ctx context.Context, event alerting.Event) {
	if v.alerts == nil {
		return
	}
	if err := v.alerts.Notify(ctx, event); err != nil {
		v.logger.Error("告警通知失败", slog.String("transaction_id", event.TransactionID), slog.Any("error", err))
	}
}

func (v *Verifier) finish(ctx context.Context, result Result) {
	v.metrics.RecordVerification(ctx, string(result.Status))
	v.audit.Info("证明验证完成",
		slog.String("transaction_id", result.TransactionID),
		slog.String("status", string(result.Status)),
		slog.Bool("prompt_ok", result.PromptOK),
		slog.Bool("output_ok", result.OutputOK),
		slog.String("record_digest", result.RecordDigest),
	)
}
