// Package alerting fans tamper findings and alert-worthy failures out to
// notification channels.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/pkg/logger"
)

// CodeTamperDetected 标记验证得出的篡改结论。它不是错误，只用于告警事件。
const CodeTamperDetected xerrors.Code = "TAMPER_DETECTED"

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAudit   Channel = "audit"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code          xerrors.Code      `json:"code"`
	Message       string            `json:"message"`
	Severity      xerrors.Severity  `json:"severity"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Ledger        string            `json:"ledger,omitempty"`
	Status        string            `json:"status,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// FromError 根据统一错误构造告警事件。
func FromError(err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Message = e.Message()
		event.Metadata = e.Metadata()
		event.TransactionID = event.Metadata[xerrors.MetaTransactionID]
		event.Ledger = event.Metadata[xerrors.MetaLedger]
	} else if err != nil {
		event.Message = err.Error()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AuditNotifier 把告警写入审计日志。
type AuditNotifier struct {
	Logger *slog.Logger
}

// Channel 返回审计渠道。
func (n *AuditNotifier) Channel() Channel { return ChannelAudit }

// Notify 记录审计条目。
func (n *AuditNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("transaction_id", event.TransactionID),
		slog.String("ledger", event.Ledger),
		slog.String("status", event.Status),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	log.Warn("告警: "+event.Message, attrs...)
	return nil
}
