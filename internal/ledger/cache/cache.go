// Package cache adds a read-through payload cache in front of a ledger
// backend. Confirmed records never change, so cached bytes stay valid for as
// long as the store keeps them.
package cache

import (
	"context"
	"log/slog"
	"time"

	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/pkg/logger"
)

// Store is a byte cache keyed by string.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Backend decorates a ledger.Backend. Store failures are logged and bypassed.
type Backend struct {
	next   ledger.Backend
	store  Store
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ ledger.Backend = (*Backend)(nil)

// Option customises the cache.
type Option func(*Backend)

// WithTTL bounds how long entries are kept. Zero keeps them indefinitely.
func WithTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.ttl = ttl
	}
}

// WithPrefix namespaces cache keys.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		b.prefix = prefix
	}
}

// New wraps next with store.
func New(next ledger.Backend, store Store, opts ...Option) *Backend {
	b := &Backend{
		next:   next,
		store:  store,
		ttl:    24 * time.Hour,
		prefix: "proof:record:",
		logger: logger.Named("ledger.cache"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name implements ledger.Backend.
func (b *Backend) Name() string { return b.next.Name() }

// Submit implements ledger.Backend. Nothing is cached until the record is
// retrievable.
func (b *Backend) Submit(ctx context.Context, payload []byte) (string, error) {
	return b.next.Submit(ctx, payload)
}

// Retrieve implements ledger.Backend.
func (b *Backend) Retrieve(ctx context.Context, id string) ([]byte, error) {
	key := b.key(id)
	if data, ok, err := b.store.Get(ctx, key); err != nil {
		b.logger.Warn("读取记录缓存失败", slog.String("transaction_id", id), slog.Any("error", err))
	} else if ok {
		return data, nil
	}

	data, err := b.next.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := b.store.Set(ctx, key, data, b.ttl); err != nil {
		b.logger.Warn("写入记录缓存失败", slog.String("transaction_id", id), slog.Any("error", err))
	}
	return data, nil
}

// Finality implements ledger.Backend. A cached entry implies the record was
// retrievable and therefore confirmed.
func (b *Backend) Finality(ctx context.Context, id string) (ledger.Finality, error) {
	if _, ok, err := b.store.Get(ctx, b.key(id)); err == nil && ok {
		return ledger.FinalityConfirmed, nil
	}
	return b.next.Finality(ctx, id)
}

// Close closes the wrapped backend when it holds resources.
func (b *Backend) Close() error {
	if closer, ok := b.next.(ledger.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (b *Backend) key(id string) string {
	return b.prefix + b.next.Name() + ":" + id
}
