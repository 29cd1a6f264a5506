package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/observability/alerting"
	"PromptProof-Chain/internal/storage"
	"PromptProof-Chain/pkg/logger"
)

// StatusUnresolved 是对账放弃后的本地终态：超过最大时长仍未确认，或缺少交易标识。
const StatusUnresolved = "UNRESOLVED"

// reconcilable 为需要继续确认的回执状态。
var reconcilable = []string{string(ledger.StatusPending), string(ledger.StatusIndeterminate)}

// Store 是处理器依赖的回执存储能力。
type Store interface {
	Get(ctx context.Context, id string) (storage.ReceiptRecord, error)
	UpdateStatus(ctx context.Context, id string, update storage.StatusUpdate) error
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]storage.ReceiptRecord, error)
}

// StatusChecker 查询账本上某个交易的确认状态。
type StatusChecker interface {
	Status(ctx context.Context, id string) (ledger.Finality, error)
}

// LedgerLookup 根据账本名称返回状态查询器。
type LedgerLookup func(name string) (StatusChecker, bool)

// Processor 消费队列中的回执并向账本确认其最终状态。
type Processor struct {
	store       Store
	ledgers     LedgerLookup
	queue       Queue
	workerCount int
	interval    time.Duration
	maxAge      time.Duration
	batchSize   int
	logger      *slog.Logger
	audit       *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time

	queued sync.Map
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithInterval 设置定时扫描间隔。
func WithInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxAge 设置回执最长对账时长。
func WithMaxAge(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.maxAge = d
		}
	}
}

// WithBatchSize 设置单次扫描的回执数量。
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.audit = l
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, ledgers LedgerLookup, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		ledgers:     ledgers,
		queue:       queue,
		workerCount: 1,
		interval:    30 * time.Second,
		maxAge:      24 * time.Hour,
		batchSize:   100,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("reconcile")
	}
	if p.audit == nil {
		p.audit = logger.Audit()
	}
	return p
}

// Start 同时运行队列消费与定时扫描，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.store == nil || p.ledgers == nil || p.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "对账处理器未初始化")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.queue.Consume(ctx, p.workerCount, p.Handle)
	})
	g.Go(func() error {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			if _, err := p.Scan(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("扫描待对账回执失败", slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Enqueue 将回执投递到队列，同一回执在处理完成前只投递一次。
func (p *Processor) Enqueue(ctx context.Context, receiptID string) error {
	if _, loaded := p.queued.LoadOrStore(receiptID, struct{}{}); loaded {
		return nil
	}
	if err := p.queue.Publish(ctx, receiptID); err != nil {
		p.queued.Delete(receiptID)
		return xerrors.Annotate(err, xerrors.WithMetadata("receipt_id", receiptID))
	}
	return nil
}

// Scan 把存储中待确认的回执投递到队列，返回投递数量。
func (p *Processor) Scan(ctx context.Context) (int, error) {
	records, err := p.store.ListByStatus(ctx, reconcilable, p.batchSize)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待对账回执失败")
	}
	published := 0
	for _, record := range records {
		if _, queued := p.queued.Load(record.ID); queued {
			continue
		}
		if err := p.Enqueue(ctx, record.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// Handle 对单个回执执行一次确认。仍在等待的回执保持原状态返回 nil，由下一次扫描重新投递。
func (p *Processor) Handle(ctx context.Context, receiptID string) error {
	defer p.queued.Delete(receiptID)

	record, err := p.store.Get(ctx, receiptID)
	if err != nil {
		if errors.Is(err, storage.ErrReceiptNotFound) {
			p.logger.Debug("跳过不存在的回执", slog.String("receipt_id", receiptID))
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取回执失败")
	}
	if !isReconcilable(record.Status) {
		return nil
	}

	now := p.now()
	expired := now.Sub(time.UnixMilli(record.SubmittedAt)) > p.maxAge

	if record.TransactionID == "" {
		return p.resolveUnresolved(ctx, record, now, "缺少交易标识，无法向账本确认")
	}
	checker, ok := p.ledgers(record.Ledger)
	if !ok {
		return p.resolveUnresolved(ctx, record, now, "未知账本: "+record.Ledger)
	}

	finality, statusErr := checker.Status(ctx, record.TransactionID)
	if statusErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if expired {
			return p.resolveUnresolved(ctx, record, now, statusErr.Error())
		}
		p.logger.Debug("查询账本确认状态失败",
			slog.String("receipt_id", record.ID),
			slog.String("transaction_id", record.TransactionID),
			slog.Any("error", statusErr),
		)
		return p.update(ctx, record.ID, storage.StatusUpdate{
			Status:    record.Status,
			LastError: statusErr.Error(),
			UpdatedAt: now.UnixMilli(),
		})
	}

	switch finality {
	case ledger.FinalityConfirmed:
		if err := p.update(ctx, record.ID, storage.StatusUpdate{
			Status:      string(ledger.StatusConfirmed),
			ConfirmedAt: now.UnixMilli(),
			UpdatedAt:   now.UnixMilli(),
		}); err != nil {
			return err
		}
		p.audit.Info("回执已确认",
			slog.String("receipt_id", record.ID),
			slog.String("transaction_id", record.TransactionID),
			slog.String("ledger", record.Ledger),
			slog.String("previous_status", record.Status),
		)
		return nil
	default:
		if expired {
			return p.resolveUnresolved(ctx, record, now, "超过最大对账时长仍未确认")
		}
		// 账本已知晓该交易，INDETERMINATE 降为 PENDING。
		status := record.Status
		if finality == ledger.FinalityPending {
			status = string(ledger.StatusPending)
		}
		return p.update(ctx, record.ID, storage.StatusUpdate{
			Status:    status,
			UpdatedAt: now.UnixMilli(),
		})
	}
}

func (p *Processor) resolveUnresolved(ctx context.Context, record storage.ReceiptRecord, now time.Time, reason string) error {
	if err := p.update(ctx, record.ID, storage.StatusUpdate{
		Status:    StatusUnresolved,
		LastError: reason,
		UpdatedAt: now.UnixMilli(),
	}); err != nil {
		return err
	}
	p.audit.Warn("回执对账未能完成",
		slog.String("receipt_id", record.ID),
		slog.String("transaction_id", record.TransactionID),
		slog.String("ledger", record.Ledger),
		slog.String("previous_status", record.Status),
		slog.String("reason", reason),
	)
	p.emitAlert(ctx, record, reason)
	return nil
}

func (p *Processor) update(ctx context.Context, id string, update storage.StatusUpdate) error {
	if err := p.store.UpdateStatus(ctx, id, update); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新回执状态失败", xerrors.WithMetadata("receipt_id", id))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, record storage.ReceiptRecord, reason string) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:          xerrors.CodeIndeterminate,
		Message:       reason,
		Severity:      xerrors.SeverityWarning,
		TransactionID: record.TransactionID,
		Ledger:        record.Ledger,
		Status:        StatusUnresolved,
		Metadata: map[string]string{
			"receipt_id":      record.ID,
			"previous_status": record.Status,
		},
		OccurredAt: p.now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Warn("发送对账告警失败", slog.Any("error", err), slog.String("receipt_id", record.ID))
	}
}

func isReconcilable(status string) bool {
	for _, s := range reconcilable {
		if s == status {
			return true
		}
	}
	return false
}
