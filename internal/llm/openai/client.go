package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"ChainChat/internal/llm"
)

const (
	defaultModelName  = "gpt-4o-mini"
	defaultImageModel = "dall-e-3"
	defaultTimeout    = 60 * time.Second
)

// Config 描述了调用 OpenAI API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type imageGenerator interface {
	Generate(ctx context.Context, params openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// Client 基于 openai-go 实现 llm.Client 与图片生成能力。
type Client struct {
	completions chatCompletions
	images      imageGenerator
	model       string
	imageModel  string
}

// NewClient 根据配置创建 OpenAI 客户端。SDK 自带的重试被关闭，失败直接返回调用方。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := openai.NewClient(opts...)
	return &Client{
		completions: &client.Chat.Completions,
		images:      &client.Images,
		model:       firstNonEmpty(cfg.Model, defaultModelName),
		imageModel:  firstNonEmpty(cfg.ImageModel, defaultImageModel),
	}, nil
}

// Decide 调用 Chat Completions，返回文本内容与工具调用。
func (c *Client) Decide(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: convertMessages(req),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := c.completions.New(ctx, params)
	if err != nil {
		return nil, upstreamError(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, &llm.UpstreamError{StatusCode: http.StatusBadGateway, Message: "response contained no choices"}
	}

	msg := completion.Choices[0].Message
	decision := &llm.Decision{Content: strings.TrimSpace(msg.Content)}
	for _, call := range msg.ToolCalls {
		args := json.RawMessage(strings.TrimSpace(call.Function.Arguments))
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		decision.ToolCalls = append(decision.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return decision, nil
}

// GenerateImage 根据提示词生成图片并返回其 URL。
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := c.images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(c.imageModel),
	})
	if err != nil {
		return "", upstreamError(err)
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", &llm.UpstreamError{StatusCode: http.StatusBadGateway, Message: "image response contained no url"}
	}
	return resp.Data[0].URL, nil
}

func convertMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []llm.ToolDescriptor) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		params := shared.FunctionParameters{"type": "object"}
		for k, v := range def.Parameters {
			params[k] = v
		}
		tool := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       name,
				Parameters: params,
			},
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			tool.Function.Description = openai.Opt(desc)
		}
		out = append(out, tool)
	}
	return out
}

func upstreamError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &llm.UpstreamError{StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.UpstreamError{StatusCode: http.StatusGatewayTimeout, Message: "request timed out", Err: err}
	}
	return &llm.UpstreamError{Message: err.Error(), Err: err}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
