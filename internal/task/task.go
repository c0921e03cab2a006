package task

import (
	"encoding/json"
	"fmt"
	"time"

	"ChainChat/pkg/txflow"
)

// Status 表示一条回报在受理时的状态。
type Status string

const (
	// StatusQueued 表示回报已入队，等待处理器写入派发记录。
	StatusQueued Status = "queued"
	// StatusDuplicate 表示记录已是同一终态，回报被视为重复。
	StatusDuplicate Status = "duplicate"
)

// Report 是在队列中流转的一条交易结果回报。
type Report struct {
	ID         string         `json:"id"`
	Outcome    txflow.Outcome `json:"outcome"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	ReceivedAt int64          `json:"received_at"`
}

// Receipt 是 Service.Report 返回给调用方的受理回执。
type Receipt struct {
	ReportID  string `json:"report_id,omitempty"`
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
}

func encodeReport(r Report) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report %s: %w", r.ID, err)
	}
	return payload, nil
}

func decodeReport(payload []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	if r.Outcome.At.IsZero() && r.ReceivedAt > 0 {
		r.Outcome.At = time.Unix(r.ReceivedAt, 0)
	}
	return r, nil
}
