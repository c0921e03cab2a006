package mysql

import (
	"context"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/pkg/txflow"
)

// DispatchRecord 表示一次聊天轮次的落库结构，ID 同时作为客户端消息 ID。
type DispatchRecord struct {
	ID             string      `json:"id"`
	Address        string      `json:"address"`
	Prompt         string      `json:"prompt"`
	Tool           string      `json:"tool,omitempty"`
	Envelope       string      `json:"envelope"`
	HasTransaction bool        `json:"has_transaction"`
	OutcomeCode    txflow.Code `json:"outcome_code,omitempty"`
	TxHash         string      `json:"tx_hash,omitempty"`
	OutcomeError   string      `json:"outcome_error,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}

// Terminal 判断记录是否已落定最终结果。
func (r DispatchRecord) Terminal() bool {
	return r.OutcomeCode.Terminal()
}

// DispatchRepository 抽象派发记录的持久化接口。
type DispatchRepository interface {
	Create(ctx context.Context, record *DispatchRecord) error
	Get(ctx context.Context, id string) (*DispatchRecord, error)
	ListLatest(ctx context.Context, limit int) ([]DispatchRecord, error)
	// ApplyOutcome 将终态结果写入记录，每条记录只接受一次终态。
	ApplyOutcome(ctx context.Context, outcome txflow.Outcome) (*DispatchRecord, error)
}

const defaultListLimit = 20

// checkOutcome 校验结果回报本身是否合法。
func checkOutcome(outcome txflow.Outcome) error {
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

// applyTo 在内存中完成状态转换，返回的错误已带有统一错误码。
func applyTo(record *DispatchRecord, outcome txflow.Outcome) error {
	if !record.HasTransaction {
		return xerrors.New(xerrors.CodeOutcomeNotSupported, "", xerrors.WithMetadata("id", record.ID))
	}
	if record.Terminal() {
		return xerrors.New(xerrors.CodeAlreadyCompleted, "outcome already recorded", xerrors.WithMetadata("id", record.ID))
	}
	at := outcome.At
	if at.IsZero() {
		at = time.Now()
	}
	record.OutcomeCode = outcome.Code
	record.TxHash = outcome.Hash
	record.OutcomeError = outcome.Error
	record.UpdatedAt = at.Unix()
	return nil
}
