package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是对话历史中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDescriptor 描述一个可供模型选择的工具。
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述一次决策调用。
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDescriptor
	Temperature *float64
}

// ToolCall 是模型给出的工具调用意图，Arguments 保持原始 JSON。
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Decision 是模型的输出：自由文本或若干工具调用。
type Decision struct {
	Content   string
	ToolCalls []ToolCall
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// ClientFunc 允许以函数形式实现 Client，主要用于测试。
type ClientFunc func(ctx context.Context, req Request) (*Decision, error)

// Decide 实现 Client。
func (f ClientFunc) Decide(ctx context.Context, req Request) (*Decision, error) {
	return f(ctx, req)
}

// UpstreamError 表示模型服务返回的错误，StatusCode 会被透传给 HTTP 调用方。
type UpstreamError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model provider returned %d: %s", e.StatusCode, e.Message)
	}
	return "model provider request failed: " + e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }
