package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/storage/mysql"
	"ChainChat/pkg/logger"
	"ChainChat/pkg/txflow"
)

// Service 受理客户端上报的交易终态，并将其投递给处理器。
type Service struct {
	repo       mysql.DispatchRepository
	producer   Producer
	maxRetries int
}

// NewService 构造回报服务。
func NewService(repo mysql.DispatchRepository, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{repo: repo, producer: producer, maxRetries: maxRetries}
}

// Report 校验并受理一条交易终态回报。
//
// 记录不存在或不携带交易时直接拒绝；记录已是相同终态时按幂等处理，
// 已是不同终态时返回 ALREADY_COMPLETED。
func (s *Service) Report(ctx context.Context, outcome txflow.Outcome) (*Receipt, error) {
	if s.repo == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "outcome service is not initialised")
	}
	outcome.MessageID = strings.TrimSpace(outcome.MessageID)
	outcome.Hash = strings.TrimSpace(outcome.Hash)
	if err := validate(outcome); err != nil {
		return nil, err
	}

	record, err := s.repo.Get(ctx, outcome.MessageID)
	if err != nil {
		return nil, err
	}
	if !record.HasTransaction {
		return nil, xerrors.New(xerrors.CodeOutcomeNotSupported, "", xerrors.WithMetadata("id", record.ID))
	}
	if record.Terminal() {
		if record.OutcomeCode == outcome.Code && record.TxHash == outcome.Hash {
			return &Receipt{MessageID: record.ID, Status: StatusDuplicate}, nil
		}
		return nil, xerrors.New(xerrors.CodeAlreadyCompleted, "outcome already recorded",
			xerrors.WithMetadata("id", record.ID),
			xerrors.WithMetadata("code", string(record.OutcomeCode)),
		)
	}

	now := time.Now()
	if outcome.At.IsZero() {
		outcome.At = now
	}
	report := Report{
		ID:         uuid.NewString(),
		Outcome:    outcome,
		MaxRetries: s.maxRetries,
		ReceivedAt: now.Unix(),
	}
	payload, err := encodeReport(report)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "encode outcome report")
	}
	if err := s.producer.Publish(ctx, payload); err != nil {
		logger.L().Error("outcome report publish failed", slog.Any("error", err), slog.String("message_id", outcome.MessageID))
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish outcome report")
	}
	logger.Audit().Info("outcome report queued",
		slog.String("report_id", report.ID),
		slog.String("message_id", outcome.MessageID),
		slog.String("code", string(outcome.Code)),
		slog.String("hash", outcome.Hash),
	)
	return &Receipt{ReportID: report.ID, MessageID: outcome.MessageID, Status: StatusQueued}, nil
}

// Get 返回指定派发记录。
func (s *Service) Get(ctx context.Context, id string) (*mysql.DispatchRecord, error) {
	if s.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatch repository is not initialised")
	}
	return s.repo.Get(ctx, id)
}

// List 返回最近的派发记录。
func (s *Service) List(ctx context.Context, limit int) ([]mysql.DispatchRecord, error) {
	if s.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatch repository is not initialised")
	}
	return s.repo.ListLatest(ctx, limit)
}

// WaitUntilSettled 轮询直到记录落定终态或 ctx 结束。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*mysql.DispatchRecord, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放队列生产者。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func validate(outcome txflow.Outcome) error {
	if outcome.MessageID == "" {
		return xerrors.New(xerrors.CodeInvalidOutcome, "outcome is missing a message id")
	}
	if !outcome.Code.Terminal() {
		return xerrors.New(xerrors.CodeInvalidOutcome, "outcome code must be terminal", xerrors.WithMetadata("code", string(outcome.Code)))
	}
	if outcome.Code == txflow.CodeSuccess && outcome.Hash == "" {
		return xerrors.New(xerrors.CodeInvalidOutcome, "a successful outcome needs a transaction hash")
	}
	return nil
}
