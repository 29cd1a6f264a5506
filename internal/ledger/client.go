package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/observability/metrics"
	"PromptProof-Chain/internal/proofs"
	"PromptProof-Chain/pkg/logger"
)

const (
	defaultConfirmTimeout = time.Minute
	defaultPollInterval   = 2 * time.Second
)

// Client commits and fetches proof records through a Backend. It is safe for
// concurrent use when the backend is.
type Client struct {
	backend  Backend
	retry    RetryPolicy
	defaults CommitOptions
	logger   *slog.Logger
	audit    *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithRetryPolicy overrides the retry policy for transient failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p.normalized()
	}
}

// WithCommitDefaults fills Timeout and PollInterval when a Commit call leaves them zero.
func WithCommitDefaults(opts CommitOptions) Option {
	return func(c *Client) {
		if opts.Timeout > 0 {
			c.defaults.Timeout = opts.Timeout
		}
		if opts.PollInterval > 0 {
			c.defaults.PollInterval = opts.PollInterval
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuditLogger sets the logger receiving one entry per commit.
func WithAuditLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.audit = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = rec
	}
}

// WithClock overrides the time source used for receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient wraps backend.
func NewClient(backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ledger backend is required")
	}
	c := &Client{
		backend: backend,
		retry:   DefaultRetryPolicy(),
		defaults: CommitOptions{
			Timeout:      defaultConfirmTimeout,
			PollInterval: defaultPollInterval,
		},
		logger: logger.Named("ledger"),
		audit:  logger.Audit(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Name returns the backend name.
func (c *Client) Name() string {
	return c.backend.Name()
}

// Close releases backend resources when the backend holds any.
func (c *Client) Close() error {
	if closer, ok := c.backend.(Closer); ok {
		return closer.Close()
	}
	return nil
}

// Commit submits the canonical bytes of record.
//
// Without WaitForConfirmation the receipt is SUBMITTED once an identifier is
// assigned. With it, Commit polls finality until CONFIRMED or until the
// timeout, in which case the receipt is PENDING and the error is nil. If ctx
// ends first the receipt is INDETERMINATE and carries the identifier when one
// was obtained; the error has code INDETERMINATE.
func (c *Client) Commit(ctx context.Context, record *proofs.Record, opts CommitOptions) (Receipt, error) {
	if record == nil {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidInput, "record is required")
	}
	start := time.Now()
	ledgerName := c.backend.Name()
	payload := record.Canonical()
	receipt := Receipt{
		Ledger:       ledgerName,
		RecordDigest: record.Digest().Hex(),
		Payload:      payload,
		SubmittedAt:  c.now().UTC(),
	}

	var id string
	attempts, err := c.retry.Do(ctx, func(ctx context.Context) error {
		var submitErr error
		id, submitErr = c.backend.Submit(ctx, payload)
		if submitErr == nil && strings.TrimSpace(id) == "" {
			return xerrors.New(xerrors.CodeNetworkFatal, "ledger returned an empty identifier")
		}
		return submitErr
	}, c.onRetry(ctx, "submit"))
	receipt.Attempts = attempts

	if err != nil {
		if cause := cancellation(ctx, err); cause != nil {
			receipt.Status = StatusIndeterminate
			c.finishCommit(ctx, receipt, start)
			return receipt, xerrors.Wrap(xerrors.CodeIndeterminate, cause, "commit cancelled before the ledger acknowledged",
				xerrors.WithAttempts(attempts), xerrors.WithMetadata(xerrors.MetaLedger, ledgerName))
		}
		c.metrics.RecordCommit(ctx, ledgerName, string(xerrors.CodeOf(err)), time.Since(start))
		c.logger.Warn("提交证明记录失败", slog.String("ledger", ledgerName), slog.Int("attempts", attempts), slog.Any("error", err))
		return Receipt{}, xerrors.Annotate(err, xerrors.WithAttempts(attempts), xerrors.WithMetadata(xerrors.MetaLedger, ledgerName))
	}
	receipt.TransactionID = id

	if !opts.WaitForConfirmation {
		receipt.Status = StatusSubmitted
		c.finishCommit(ctx, receipt, start)
		return receipt, nil
	}

	status, confirmedAt := c.awaitFinality(ctx, id, c.resolve(opts))
	receipt.Status = status
	receipt.ConfirmedAt = confirmedAt
	c.finishCommit(ctx, receipt, start)
	if status == StatusIndeterminate {
		return receipt, xerrors.Wrap(xerrors.CodeIndeterminate, ctx.Err(), "commit cancelled while awaiting confirmation",
			xerrors.WithTransactionID(id), xerrors.WithAttempts(attempts), xerrors.WithMetadata(xerrors.MetaLedger, ledgerName))
	}
	return receipt, nil
}

func (c *Client) resolve(opts CommitOptions) CommitOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = c.defaults.PollInterval
	}
	return opts
}

// awaitFinality polls until confirmation; poll errors are logged and polling continues.
func (c *Client) awaitFinality(ctx context.Context, id string, opts CommitOptions) (CommitStatus, *time.Time) {
	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		finality, err := c.backend.Finality(waitCtx, id)
		switch {
		case err == nil && finality == FinalityConfirmed:
			at := c.now().UTC()
			return StatusConfirmed, &at
		case err != nil && waitCtx.Err() == nil:
			c.logger.Debug("查询确认状态失败", slog.String("transaction_id", id), slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return StatusIndeterminate, nil
			}
			return StatusPending, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) finishCommit(ctx context.Context, receipt Receipt, start time.Time) {
	c.metrics.RecordCommit(ctx, receipt.Ledger, string(receipt.Status), time.Since(start))
	c.audit.Info("证明记录已提交",
		slog.String("ledger", receipt.Ledger),
		slog.String("transaction_id", receipt.TransactionID),
		slog.String("status", string(receipt.Status)),
		slog.String("record_digest", receipt.RecordDigest),
		slog.Int("attempts", receipt.Attempts),
	)
}

// Fetch retrieves and decodes the record stored under id. Unknown or
// unconfirmed identifiers fail with RECORD_NOT_FOUND; bytes that are not a
// canonical record fail with MALFORMED_RECORD.
func (c *Client) Fetch(ctx context.Context, id string) (*proofs.Record, error) {
	start := time.Now()
	ledgerName := c.backend.Name()
	id = strings.TrimSpace(id)
	if id == "" {
		c.metrics.RecordFetch(ctx, ledgerName, string(xerrors.CodeRecordNotFound), time.Since(start))
		return nil, xerrors.New(xerrors.CodeRecordNotFound, "transaction id is empty", xerrors.WithMetadata(xerrors.MetaLedger, ledgerName))
	}

	var data []byte
	attempts, err := c.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		data, fetchErr = c.backend.Retrieve(ctx, id)
		return fetchErr
	}, c.onRetry(ctx, "retrieve"))
	if err == nil {
		var rec *proofs.Record
		rec, err = proofs.Decode(data)
		if err == nil {
			c.metrics.RecordFetch(ctx, ledgerName, "ok", time.Since(start))
			return rec, nil
		}
	}
	c.metrics.RecordFetch(ctx, ledgerName, string(xerrors.CodeOf(err)), time.Since(start))
	return nil, xerrors.Annotate(err,
		xerrors.WithTransactionID(id),
		xerrors.WithAttempts(attempts),
		xerrors.WithMetadata(xerrors.MetaLedger, ledgerName),
	)
}

// Status reports the finality of id without retrieving its payload.
func (c *Client) Status(ctx context.Context, id string) (Finality, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return FinalityUnknown, xerrors.New(xerrors.CodeRecordNotFound, "transaction id is empty")
	}
	finality := FinalityUnknown
	attempts, err := c.retry.Do(ctx, func(ctx context.Context) error {
		var statusErr error
		finality, statusErr = c.backend.Finality(ctx, id)
		return statusErr
	}, c.onRetry(ctx, "finality"))
	if err != nil {
		return FinalityUnknown, xerrors.Annotate(err,
			xerrors.WithTransactionID(id),
			xerrors.WithAttempts(attempts),
			xerrors.WithMetadata(xerrors.MetaLedger, c.backend.Name()),
		)
	}
	return finality, nil
}

// cancellation reports the context error that ended an operation, including
// deadline errors a backend returns before ctx itself has expired.
func cancellation(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (c *Client) onRetry(ctx context.Context, op string) func(int, error) {
	return func(attempt int, err error) {
		c.metrics.RecordRetry(ctx, c.backend.Name(), op)
		c.logger.Debug("账本请求暂时失败，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}
