package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryReceiptRepository 在内存中维护回执，并以 JSONL 追加写落盘，重启后按最后一次写入恢复。
type MemoryReceiptRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]ReceiptRecord
}

// NewMemoryReceiptRepository 创建内存回执仓库，dataDir 为空时仅保存在内存中。
func NewMemoryReceiptRepository(dataDir string) (*MemoryReceiptRepository, error) {
	repo := &MemoryReceiptRepository{records: make(map[string]ReceiptRecord)}
	if strings.TrimSpace(dataDir) == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo.dataFile = filepath.Join(dataDir, "receipts.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 写入新回执，ID 为空时自动分配。
func (m *MemoryReceiptRepository) Save(_ context.Context, record *ReceiptRecord) error {
	if record == nil {
		return fmt.Errorf("回执不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.SubmittedAt
	}
	stored := cloneRecord(*record)
	if err := m.appendLocked(stored); err != nil {
		return err
	}
	m.records[stored.ID] = stored
	return nil
}

// UpdateStatus 更新回执状态。
func (m *MemoryReceiptRepository) UpdateStatus(_ context.Context, id string, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return ErrReceiptNotFound
	}
	applyUpdate(&record, update)
	if err := m.appendLocked(record); err != nil {
		return err
	}
	m.records[id] = record
	return nil
}

// Get 根据回执 ID 查询。
func (m *MemoryReceiptRepository) Get(_ context.Context, id string) (ReceiptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return ReceiptRecord{}, ErrReceiptNotFound
	}
	return cloneRecord(record), nil
}

// GetByTransactionID 根据账本交易 ID 查询。
func (m *MemoryReceiptRepository) GetByTransactionID(_ context.Context, transactionID string) (ReceiptRecord, error) {
	if transactionID == "" {
		return ReceiptRecord{}, ErrReceiptNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.TransactionID == transactionID {
			return cloneRecord(record), nil
		}
	}
	return ReceiptRecord{}, ErrReceiptNotFound
}

// ListByStatus 返回指定状态的回执，按更新时间升序。
func (m *MemoryReceiptRepository) ListByStatus(_ context.Context, statuses []string, limit int) ([]ReceiptRecord, error) {
	wanted := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	m.mu.RLock()
	results := make([]ReceiptRecord, 0)
	for _, record := range m.records {
		if _, ok := wanted[record.Status]; ok {
			results = append(results, cloneRecord(record))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt < results[j].UpdatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存仓库无操作。
func (m *MemoryReceiptRepository) Close() error { return nil }

func (m *MemoryReceiptRepository) appendLocked(record ReceiptRecord) error {
	if m.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开回执日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化回执失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入回执日志失败: %w", err)
	}
	return nil
}

func (m *MemoryReceiptRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取回执日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var record ReceiptRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.ID == "" {
			continue
		}
		m.records[record.ID] = record
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析回执日志失败: %w", err)
	}
	return nil
}

func applyUpdate(record *ReceiptRecord, update StatusUpdate) {
	if update.Status != "" {
		record.Status = update.Status
	}
	if update.TransactionID != "" {
		record.TransactionID = update.TransactionID
	}
	if update.ConfirmedAt != 0 {
		record.ConfirmedAt = update.ConfirmedAt
	}
	record.LastError = update.LastError
	if update.UpdatedAt != 0 {
		record.UpdatedAt = update.UpdatedAt
	}
}

func cloneRecord(record ReceiptRecord) ReceiptRecord {
	if record.Payload != nil {
		record.Payload = append([]byte(nil), record.Payload...)
	}
	return record
}

