package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"PromptProof-Chain/internal/storage"
)

var _ storage.ReceiptRepository = (*SQLReceiptRepository)(nil)

// SQLReceiptRepository 使用 MySQL 存储回执。
type SQLReceiptRepository struct {
	db *sql.DB
}

// NewSQLReceiptRepository 创建连接池并执行迁移。
func NewSQLReceiptRepository(ctx context.Context, cfg Config) (*SQLReceiptRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo, err := NewSQLReceiptRepositoryWithDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLReceiptRepositoryWithDB 基于已有连接创建仓库并执行迁移。
func NewSQLReceiptRepositoryWithDB(ctx context.Context, db *sql.DB) (*SQLReceiptRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("数据库连接不能为空")
	}
	if err := runMigrations(ctx, db); err != nil {
		return nil, err
	}
	return &SQLReceiptRepository{db: db}, nil
}

const receiptColumns = `id, transaction_id, ledger, status, record_digest, payload, attempts, last_error, submitted_at, confirmed_at, updated_at`

// Save 写入新回执，ID 为空时自动分配。
func (s *SQLReceiptRepository) Save(ctx context.Context, record *storage.ReceiptRecord) error {
	if record == nil {
		return fmt.Errorf("回执不能为空")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.SubmittedAt
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO proof_receipts (`+receiptColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TransactionID,
		record.Ledger,
		record.Status,
		record.RecordDigest,
		record.Payload,
		record.Attempts,
		nullString(record.LastError),
		record.SubmittedAt,
		record.ConfirmedAt,
		record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("写入回执失败: %w", err)
	}
	return nil
}

// UpdateStatus 更新回执状态。
func (s *SQLReceiptRepository) UpdateStatus(ctx context.Context, id string, update storage.StatusUpdate) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proof_receipts SET
        status = COALESCE(NULLIF(?, ''), status),
        transaction_id = COALESCE(NULLIF(?, ''), transaction_id),
        confirmed_at = IF(? = 0, confirmed_at, ?),
        last_error = ?,
        updated_at = ?
        WHERE id = ?`,
		update.Status,
		update.TransactionID,
		update.ConfirmedAt, update.ConfirmedAt,
		nullString(update.LastError),
		update.UpdatedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("更新回执失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取更新结果失败: %w", err)
	}
	if affected == 0 {
		return storage.ErrReceiptNotFound
	}
	return nil
}

// Get 根据回执 ID 查询。
func (s *SQLReceiptRepository) Get(ctx context.Context, id string) (storage.ReceiptRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM proof_receipts WHERE id = ?`, id)
	return scanReceipt(row)
}

// GetByTransactionID 根据账本交易 ID 查询。
func (s *SQLReceiptRepository) GetByTransactionID(ctx context.Context, transactionID string) (storage.ReceiptRecord, error) {
	if transactionID == "" {
		return storage.ReceiptRecord{}, storage.ErrReceiptNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM proof_receipts
        WHERE transaction_id = ? ORDER BY updated_at DESC LIMIT 1`, transactionID)
	return scanReceipt(row)
}

// ListByStatus 返回指定状态的回执，按更新时间升序。
func (s *SQLReceiptRepository) ListByStatus(ctx context.Context, statuses []string, limit int) ([]storage.ReceiptRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+1)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM proof_receipts
        WHERE status IN (`+placeholders+`) ORDER BY updated_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("查询回执失败: %w", err)
	}
	defer rows.Close()

	var records []storage.ReceiptRecord
	for rows.Next() {
		record, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历回执失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLReceiptRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (storage.ReceiptRecord, error) {
	var (
		record    storage.ReceiptRecord
		lastError sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.TransactionID,
		&record.Ledger,
		&record.Status,
		&record.RecordDigest,
		&record.Payload,
		&record.Attempts,
		&lastError,
		&record.SubmittedAt,
		&record.ConfirmedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ReceiptRecord{}, storage.ErrReceiptNotFound
		}
		return storage.ReceiptRecord{}, fmt.Errorf("解析回执失败: %w", err)
	}
	record.LastError = lastError.String
	return record, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
