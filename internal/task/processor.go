package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/storage/mysql"
	"ChainChat/pkg/logger"
)

// Processor 从队列消费回报并写入派发记录。
type Processor struct {
	repo        mysql.DispatchRepository
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。producer 用于存储失败时的重投。
func NewProcessor(repo mysql.DispatchRepository, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:        repo,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("outcomes")
	}
	return p
}

// Start 启动回报处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "outcome consumer is not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只有在重投失败时才返回错误，队列据此决定是否放回消息。
func (p *Processor) handle(ctx context.Context, payload []byte) error {
	if p.repo == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor is not initialised")
	}
	report, err := decodeReport(payload)
	if err != nil {
		p.logger.Warn("dropping malformed outcome report", slog.Any("error", err))
		return nil
	}
	report.Attempts++
	outcome := report.Outcome

	record, err := p.repo.ApplyOutcome(ctx, outcome)
	if err == nil {
		metrics.ObserveOutcome(string(outcome.Code))
		logger.Audit().Info("outcome applied",
			slog.String("report_id", report.ID),
			slog.String("message_id", record.ID),
			slog.String("code", string(record.OutcomeCode)),
			slog.String("hash", record.TxHash),
			slog.Int("attempts", report.Attempts),
		)
		return nil
	}

	switch code := xerrors.CodeOf(err); code {
	case xerrors.CodeAlreadyCompleted, xerrors.CodeNotFound, xerrors.CodeOutcomeNotSupported, xerrors.CodeInvalidOutcome:
		p.logger.Debug("skipping outcome report",
			slog.String("report_id", report.ID),
			slog.String("message_id", outcome.MessageID),
			slog.String("reason", string(code)),
		)
		return nil
	}

	if !xerrors.RetryableError(err) || report.Attempts >= report.MaxRetries {
		logger.Audit().Error("outcome report abandoned",
			slog.String("report_id", report.ID),
			slog.String("message_id", outcome.MessageID),
			slog.String("error", err.Error()),
			slog.Int("attempts", report.Attempts),
		)
		p.emitAlert(ctx, report, err, "exhausted")
		return nil
	}

	next, encErr := encodeReport(report)
	if encErr != nil {
		p.emitAlert(ctx, report, encErr, "encode")
		return nil
	}
	if pubErr := p.producer.Publish(ctx, next); pubErr != nil {
		p.emitAlert(ctx, report, pubErr, "republish")
		return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, "republish outcome report")
	}
	p.logger.Warn("outcome report requeued",
		slog.String("report_id", report.ID),
		slog.String("message_id", outcome.MessageID),
		slog.Int("attempts", report.Attempts),
		slog.Any("error", err),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, report Report, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		MessageID:  report.Outcome.MessageID,
		ReportID:   report.ID,
		Attempts:   report.Attempts,
		MaxRetries: report.MaxRetries,
		Metadata: map[string]string{
			"stage":        stage,
			"outcome_code": string(report.Outcome.Code),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("alert delivery failed",
			slog.Any("error", err),
			slog.String("message_id", report.Outcome.MessageID),
			slog.String("stage", stage),
		)
	}
}
