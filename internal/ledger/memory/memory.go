// Package memory provides an in-process append-only ledger. It backs local
// development and lets tests simulate delayed confirmation and network
// failures.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
)

// Op names a backend operation for failure injection.
type Op string

const (
	OpSubmit   Op = "submit"
	OpRetrieve Op = "retrieve"
	OpFinality Op = "finality"
)

type entry struct {
	payload     []byte
	submittedAt time.Time
	confirmed   bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	name         string
	confirmAfter time.Duration
	manual       bool
	now          func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	failures map[Op][]error
	calls    map[Op]int
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithName sets the backend name.
func WithName(name string) Option {
	return func(l *Ledger) {
		if name != "" {
			l.name = name
		}
	}
}

// WithConfirmAfter delays finality of each submission by d.
func WithConfirmAfter(d time.Duration) Option {
	return func(l *Ledger) {
		l.confirmAfter = d
	}
}

// WithManualConfirmation keeps submissions pending until Confirm is called.
func WithManualConfirmation() Option {
	return func(l *Ledger) {
		l.manual = true
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates an empty ledger. Submissions confirm immediately unless
// configured otherwise.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		name:     "memory",
		now:      time.Now,
		entries:  make(map[string]*entry),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

var _ ledger.Backend = (*Ledger)(nil)

// Name implements ledger.Backend.
func (l *Ledger) Name() string { return l.name }

// Submit implements ledger.Backend.
func (l *Ledger) Submit(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(OpSubmit); err != nil {
		return "", err
	}
	id := uuid.NewString()
	l.entries[id] = &entry{
		payload:     append([]byte(nil), payload...),
		submittedAt: l.now(),
		confirmed:   !l.manual && l.confirmAfter <= 0,
	}
	return id, nil
}

// Retrieve implements ledger.Backend. Pending submissions are not visible.
func (l *Ledger) Retrieve(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(OpRetrieve); err != nil {
		return nil, err
	}
	e, ok := l.entries[id]
	if !ok || !l.isConfirmed(e) {
		return nil, xerrors.New(xerrors.CodeRecordNotFound, "", xerrors.WithTransactionID(id))
	}
	return append([]byte(nil), e.payload...), nil
}

// Finality implements ledger.Backend.
func (l *Ledger) Finality(ctx context.Context, id string) (ledger.Finality, error) {
	if err := ctx.Err(); err != nil {
		return ledger.FinalityUnknown, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(OpFinality); err != nil {
		return ledger.FinalityUnknown, err
	}
	e, ok := l.entries[id]
	if !ok {
		return ledger.FinalityUnknown, xerrors.New(xerrors.CodeRecordNotFound, "", xerrors.WithTransactionID(id))
	}
	if l.isConfirmed(e) {
		return ledger.FinalityConfirmed, nil
	}
	return ledger.FinalityPending, nil
}

func (l *Ledger) isConfirmed(e *entry) bool {
	if e.confirmed {
		return true
	}
	if !l.manual && l.confirmAfter > 0 && l.now().Sub(e.submittedAt) >= l.confirmAfter {
		e.confirmed = true
	}
	return e.confirmed
}

func (l *Ledger) takeFailure(op Op) error {
	l.calls[op]++
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	l.failures[op] = queue[1:]
	return err
}

// Confirm marks id final.
func (l *Ledger) Confirm(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return xerrors.New(xerrors.CodeRecordNotFound, "", xerrors.WithTransactionID(id))
	}
	e.confirmed = true
	return nil
}

// Put stores arbitrary confirmed bytes under id, standing in for a location
// that never held a valid record. Existing entries are never replaced.
func (l *Ledger) Put(id string, payload []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[id]; exists {
		return false
	}
	l.entries[id] = &entry{payload: append([]byte(nil), payload...), submittedAt: l.now(), confirmed: true}
	return true
}

// FailNext queues errs to be returned by the next calls of op.
func (l *Ledger) FailNext(op Op, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], errs...)
}

// Calls reports how many times op was invoked.
func (l *Ledger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Len reports the number of stored entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
