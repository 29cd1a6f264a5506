// Package storage defines the receipt store shared by the reconcile loop and
// the provenance service, with a JSON-lines file implementation. Database
// backed stores live in subpackages.
package storage

import (
	"context"
	"errors"
)

// ReceiptRecord 表示一次证明提交回执的落库结构，时间字段为毫秒时间戳。
type ReceiptRecord struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Ledger        string `json:"ledger"`
	Status        string `json:"status"`
	RecordDigest  string `json:"record_digest"`
	Payload       []byte `json:"payload"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	SubmittedAt   int64  `json:"submitted_at"`
	ConfirmedAt   int64  `json:"confirmed_at,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

// StatusUpdate 描述一次回执状态变更。
type StatusUpdate struct {
	Status        string
	TransactionID string
	ConfirmedAt   int64
	LastError     string
	UpdatedAt     int64
}

// ReceiptRepository 抽象回执的持久化接口。
type ReceiptRepository interface {
	Save(ctx context.Context, record *ReceiptRecord) error
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	Get(ctx context.Context, id string) (ReceiptRecord, error)
	GetByTransactionID(ctx context.Context, transactionID string) (ReceiptRecord, error)
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]ReceiptRecord, error)
	Close() error
}

// ErrReceiptNotFound 表示回执不存在。
var ErrReceiptNotFound = errors.New("回执不存在")
