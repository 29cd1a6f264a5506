// Package metrics records commit, fetch, verification and HTTP measurements
// through OpenTelemetry instruments.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "PromptProof-Chain"

// Recorder holds the instruments. A nil *Recorder records nothing.
type Recorder struct {
	commits       metric.Int64Counter
	commitLatency metric.Float64Histogram
	fetches       metric.Int64Counter
	fetchLatency  metric.Float64Histogram
	retries       metric.Int64Counter
	verifications metric.Int64Counter
	httpRequests  metric.Int64Counter
	httpLatency   metric.Float64Histogram
}

// NewRecorder creates instruments on provider, or on the global provider when
// provider is nil.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	r := &Recorder{}
	var err error
	if r.commits, err = meter.Int64Counter("proof.ledger.commits",
		metric.WithDescription("Ledger commits by ledger and resulting status.")); err != nil {
		return nil, err
	}
	if r.commitLatency, err = meter.Float64Histogram("proof.ledger.commit.duration",
		metric.WithUnit("s"), metric.WithDescription("Commit duration including confirmation wait.")); err != nil {
		return nil, err
	}
	if r.fetches, err = meter.Int64Counter("proof.ledger.fetches",
		metric.WithDescription("Ledger fetches by ledger and outcome.")); err != nil {
		return nil, err
	}
	if r.fetchLatency, err = meter.Float64Histogram("proof.ledger.fetch.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.retries, err = meter.Int64Counter("proof.ledger.retries",
		metric.WithDescription("Retries of transient ledger failures.")); err != nil {
		return nil, err
	}
	if r.verifications, err = meter.Int64Counter("proof.verifications",
		metric.WithDescription("Verification verdicts by status.")); err != nil {
		return nil, err
	}
	if r.httpRequests, err = meter.Int64Counter("proof.http.requests"); err != nil {
		return nil, err
	}
	if r.httpLatency, err = meter.Float64Histogram("proof.http.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return r, nil
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns a recorder bound to the global meter provider. Instruments
// follow the provider installed later by Setup.
func Default() *Recorder {
	defaultOnce.Do(func() {
		rec, err := NewRecorder(nil)
		if err == nil {
			defaultRecorder = rec
		}
	})
	return defaultRecorder
}

// RecordCommit counts one commit outcome.
func (r *Recorder) RecordCommit(ctx context.Context, ledger, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("ledger", ledger), attribute.String("status", status))
	r.commits.Add(ctx, 1, attrs)
	r.commitLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordFetch counts one fetch outcome, e.g. "ok", "RECORD_NOT_FOUND".
func (r *Recorder) RecordFetch(ctx context.Context, ledger, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("ledger", ledger), attribute.String("outcome", outcome))
	r.fetches.Add(ctx, 1, attrs)
	r.fetchLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRetry counts one retry of op.
func (r *Recorder) RecordRetry(ctx context.Context, ledger, op string) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("ledger", ledger), attribute.String("op", op)))
}

// RecordVerification counts one verdict.
func (r *Recorder) RecordVerification(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordHTTP counts one served request.
func (r *Recorder) RecordHTTP(ctx context.Context, handler, method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("method", method),
		attribute.Int("code", status),
	)
	r.httpRequests.Add(ctx, 1, attrs)
	r.httpLatency.Record(ctx, elapsed.Seconds(), attrs)
}
