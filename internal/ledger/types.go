package ledger

import (
	"context"
	"time"
)

// CommitStatus describes how far a submission progressed.
type CommitStatus string

const (
	// StatusSubmitted means an identifier was assigned but finality was not awaited.
	StatusSubmitted CommitStatus = "SUBMITTED"
	// StatusConfirmed means the ledger reports finality for the identifier.
	StatusConfirmed CommitStatus = "CONFIRMED"
	// StatusPending means the confirmation wait timed out before finality.
	StatusPending CommitStatus = "PENDING"
	// StatusIndeterminate means the call was cancelled and the ledger may or
	// may not hold the record.
	StatusIndeterminate CommitStatus = "INDETERMINATE"
)

// Finality is the confirmation state reported by a backend.
type Finality string

const (
	FinalityUnknown   Finality = "UNKNOWN"
	FinalityPending   Finality = "PENDING"
	FinalityConfirmed Finality = "CONFIRMED"
)

// Receipt is returned by Commit.
type Receipt struct {
	TransactionID string       `json:"transaction_id,omitempty"`
	Ledger        string       `json:"ledger"`
	Status        CommitStatus `json:"status"`
	RecordDigest  string       `json:"record_digest"`
	Payload       []byte       `json:"payload"`
	Attempts      int          `json:"attempts"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	ConfirmedAt   *time.Time   `json:"confirmed_at,omitempty"`
}

// HasIdentifier reports whether the ledger assigned an identifier.
func (r Receipt) HasIdentifier() bool {
	return r.TransactionID != ""
}

// CommitOptions selects the guarantee level of Commit. The zero value returns
// as soon as the ledger assigns an identifier.
type CommitOptions struct {
	WaitForConfirmation bool
	Timeout             time.Duration
	PollInterval        time.Duration
}

// Backend is the network boundary: submit bytes, retrieve bytes, report finality.
//
// Implementations must be safe for concurrent use. Errors should carry codes
// from internal/errors so that Client can tell transient failures apart.
type Backend interface {
	Name() string
	Submit(ctx context.Context, payload []byte) (string, error)
	Retrieve(ctx context.Context, id string) ([]byte, error)
	Finality(ctx context.Context, id string) (Finality, error)
}

// Closer is implemented by backends holding network resources.
type Closer interface {
	Close() error
}
