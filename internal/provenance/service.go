// Package provenance orchestrates building proof records, committing them to
// a ledger, keeping a local receipt trail and verifying candidate texts.
package provenance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/proofs"
	"PromptProof-Chain/internal/storage"
	"PromptProof-Chain/internal/verifier"
	"PromptProof-Chain/pkg/logger"
)

// DefaultProofType 是未配置时写入记录的证明类型。
const DefaultProofType = "AI_OUTPUT_PROVENANCE"

// Ledgers 提供按名称查找账本客户端的能力，*provider.Registry 实现了该接口。
type Ledgers interface {
	Default() (*ledger.Client, error)
	DefaultName() string
	Client(name string) (*ledger.Client, bool)
}

// Enqueuer 接收需要后续对账的回执 ID。
type Enqueuer interface {
	Enqueue(ctx context.Context, receiptID string) error
}

// CommitRequest 描述一次提交。
type CommitRequest struct {
	Prompt   string
	Output   string
	Metadata proofs.Metadata
	// Ledger 为空时使用默认账本。
	Ledger string
	// Wait 为 nil 时沿用服务默认值。
	Wait *bool
}

// CommitResult 是一次提交的结果。ReceiptID 在本地回执保存失败时为空。
type CommitResult struct {
	ReceiptID string
	Receipt   ledger.Receipt
	Record    *proofs.Record
}

// VerifyRequest 描述一次验证。
type VerifyRequest struct {
	TransactionID string
	Prompt        string
	Output        string
	Ledger        string
}

// Service 协调记录构建、提交、回执保存与验证。
type Service struct {
	builder    *proofs.Builder
	ledgers    Ledgers
	receipts   storage.ReceiptRepository
	reconciler Enqueuer
	metadata   proofs.Metadata
	commit     ledger.CommitOptions
	verifyOpts []verifier.Option
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	verifiers map[string]*verifier.Verifier
}

// Option 定义可选配置。
type Option func(*Service)

// WithBuilder 替换记录构建器。
func WithBuilder(b *proofs.Builder) Option {
	return func(s *Service) {
		if b != nil {
			s.builder = b
		}
	}
}

// WithReceiptStore 启用本地回执保存。
func WithReceiptStore(repo storage.ReceiptRepository) Option {
	return func(s *Service) {
		s.receipts = repo
	}
}

// WithReconciler 将待确认回执交给对账处理器。
func WithReconciler(e Enqueuer) Option {
	return func(s *Service) {
		s.reconciler = e
	}
}

// WithDefaultMetadata 设置每条记录默认携带的元数据，请求中的同名键优先。
func WithDefaultMetadata(md proofs.Metadata) Option {
	return func(s *Service) {
		s.metadata = md.Clone()
	}
}

// WithCommitOptions 设置默认提交选项。
func WithCommitOptions(opts ledger.CommitOptions) Option {
	return func(s *Service) {
		s.commit = opts
	}
}

// WithVerifierOptions 透传给每个账本的验证器。
func WithVerifierOptions(opts ...verifier.Option) Option {
	return func(s *Service) {
		s.verifyOpts = append(s.verifyOpts, opts...)
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造 Service。
func NewService(ledgers Ledgers, opts ...Option) (*Service, error) {
	if ledgers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本")
	}
	s := &Service{
		builder:   proofs.NewBuilder(),
		ledgers:   ledgers,
		now:       time.Now,
		verifiers: make(map[string]*verifier.Verifier),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("provenance")
	}
	return s, nil
}

// Commit 构建记录并提交到账本。
//
// INDETERMINATE 回执会与错误一同返回；此时回执仍会保存并在带有交易标识时进入对账。
func (s *Service) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	record, err := s.builder.Build(req.Prompt, req.Output, s.mergeMetadata(req.Metadata))
	if err != nil {
		return CommitResult{}, err
	}
	client, err := s.client(req.Ledger)
	if err != nil {
		return CommitResult{}, err
	}

	opts := s.commit
	if req.Wait != nil {
		opts.WaitForConfirmation = *req.Wait
	}

	receipt, commitErr := client.Commit(ctx, record, opts)
	if commitErr != nil && receipt.Status != ledger.StatusIndeterminate {
		return CommitResult{}, commitErr
	}

	result := CommitResult{Receipt: receipt, Record: record}
	// 调用方取消后仍需落盘，以便之后对账。
	persistCtx := context.WithoutCancel(ctx)
	result.ReceiptID = s.persist(persistCtx, receipt)
	if result.ReceiptID != "" && needsReconcile(receipt) && s.reconciler != nil {
		if err := s.reconciler.Enqueue(persistCtx, result.ReceiptID); err != nil {
			s.logger.Warn("投递对账任务失败",
				slog.String("receipt_id", result.ReceiptID),
				slog.String("transaction_id", receipt.TransactionID),
				slog.Any("error", err),
			)
		}
	}
	return result, commitErr
}

// Verify 从账本读取记录并与候选文本比对。
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (verifier.Result, error) {
	v, err := s.verifier(req.Ledger)
	if err != nil {
		return verifier.Result{}, err
	}
	return v.Verify(ctx, req.TransactionID, req.Prompt, req.Output)
}

// Record 从账本读取并解码一条记录。
func (s *Service) Record(ctx context.Context, ledgerName, transactionID string) (*proofs.Record, error) {
	client, err := s.client(ledgerName)
	if err != nil {
		return nil, err
	}
	return client.Fetch(ctx, transactionID)
}

// Receipt 根据回执 ID 或交易 ID 查询本地回执。
func (s *Service) Receipt(ctx context.Context, id string) (storage.ReceiptRecord, error) {
	if s.receipts == nil {
		return storage.ReceiptRecord{}, xerrors.New(xerrors.CodeInitializationFailure, "未启用回执存储")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ReceiptRecord{}, xerrors.New(xerrors.CodeRecordNotFound, "回执 ID 为空")
	}
	record, err := s.receipts.Get(ctx, id)
	if errors.Is(err, storage.ErrReceiptNotFound) {
		record, err = s.receipts.GetByTransactionID(ctx, id)
	}
	if err != nil {
		if errors.Is(err, storage.ErrReceiptNotFound) {
			return storage.ReceiptRecord{}, xerrors.New(xerrors.CodeRecordNotFound, "回执不存在", xerrors.WithTransactionID(id))
		}
		return storage.ReceiptRecord{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取回执失败")
	}
	return record, nil
}

// Ledgers 返回底层账本集合。
func (s *Service) Ledgers() Ledgers {
	return s.ledgers
}

func (s *Service) client(name string) (*ledger.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.ledgers.Default()
	}
	client, ok := s.ledgers.Client(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "未知账本: "+name, xerrors.WithMetadata(xerrors.MetaLedger, name))
	}
	return client, nil
}

func (s *Service) verifier(name string) (*verifier.Verifier, error) {
	client, err := s.client(name)
	if err != nil {
		return nil, err
	}
	key := client.Name()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.verifiers[key]; ok {
		return v, nil
	}
	v, err := verifier.New(client, s.verifyOpts...)
	if err != nil {
		return nil, err
	}
	s.verifiers[key] = v
	return v, nil
}

// mergeMetadata 以默认元数据开头，请求中的同名键覆盖默认值。
func (s *Service) mergeMetadata(md proofs.Metadata) proofs.Metadata {
	if len(s.metadata) == 0 {
		return md
	}
	merged := make(proofs.Metadata, 0, len(s.metadata)+len(md))
	for _, entry := range s.metadata {
		if _, overridden := md.Get(entry.Key); overridden {
			continue
		}
		merged = append(merged, entry)
	}
	return append(merged, md...)
}

func (s *Service) persist(ctx context.Context, receipt ledger.Receipt) string {
	if s.receipts == nil {
		return ""
	}
	record := toReceiptRecord(receipt, s.now())
	if err := s.receipts.Save(ctx, &record); err != nil {
		s.logger.Error("保存回执失败",
			slog.String("transaction_id", receipt.TransactionID),
			slog.String("ledger", receipt.Ledger),
			slog.String("status", string(receipt.Status)),
			slog.Any("error", err),
		)
		return ""
	}
	return record.ID
}

func needsReconcile(receipt ledger.Receipt) bool {
	switch receipt.Status {
	case ledger.StatusPending:
		return true
	case ledger.StatusIndeterminate:
		return receipt.HasIdentifier()
	default:
		return false
	}
}

func toReceiptRecord(receipt ledger.Receipt, now time.Time) storage.ReceiptRecord {
	record := storage.ReceiptRecord{
		TransactionID: receipt.TransactionID,
		Ledger:        receipt.Ledger,
		Status:        string(receipt.Status),
		RecordDigest:  receipt.RecordDigest,
		Payload:       receipt.Payload,
		Attempts:      receipt.Attempts,
		SubmittedAt:   receipt.SubmittedAt.UnixMilli(),
		UpdatedAt:     now.UnixMilli(),
	}
	if receipt.ConfirmedAt != nil {
		record.ConfirmedAt = receipt.ConfirmedAt.UnixMilli()
	}
	return record
}
