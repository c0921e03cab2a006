package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/knowledge"
	"ChainChat/internal/llm"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/tools"
	"ChainChat/internal/web3"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/logger"
)

// ChatMessage 是客户端提交的一条对话消息。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Account 是客户端连接的钱包账户。
type Account struct {
	Address string `json:"address"`
}

// ChatRequest 是聊天接口的请求体。
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Account  *Account      `json:"account,omitempty"`
}

// 结果后处理分类。
const (
	KindPlain    = "plain"
	KindRaw      = "raw"
	KindHumanize = "humanize"
	KindError    = "tool_error"
	KindConnect  = "connect_wallet"
)

var (
	defaultRaw = []string{
		tools.GetWalletAddress, tools.TransferToken, tools.TransferNFT, tools.LendingSupply,
		tools.LendingRepay, tools.GetOwnedNFTs, tools.GetHashtags, tools.GenerateImage,
	}
	defaultHumanize = []string{tools.GetBalance, tools.GetChainInfo}
)

const defaultHistoryDepth = 20

// Dispatcher 将一次聊天轮次转换为唯一的响应信封：决策、执行至多一个工具、归一化结果。
type Dispatcher struct {
	model        llm.Client
	chain        web3.Client
	records      mysql.DispatchRepository
	settings     tools.Settings
	images       tools.ImageGenerator
	httpClient   *http.Client
	agentAddr    common.Address
	knowledge    knowledge.Provider
	raw          map[string]struct{}
	humanize     map[string]struct{}
	disabled     []string
	llmTimeout   time.Duration
	toolTimeout  time.Duration
	historyDepth int
	log          *slog.Logger
}

// Option 定义可选的 Dispatcher 配置。
type Option func(*Dispatcher)

// WithRepository 配置派发记录仓库，未配置时不落库。
func WithRepository(repo mysql.DispatchRepository) Option {
	return func(d *Dispatcher) { d.records = repo }
}

// WithSettings 配置工具的静态参数。
func WithSettings(settings tools.Settings) Option {
	return func(d *Dispatcher) { d.settings = settings }
}

// WithImageGenerator 配置图片生成后端。
func WithImageGenerator(images tools.ImageGenerator) Option {
	return func(d *Dispatcher) { d.images = images }
}

// WithHTTPClient 配置工具访问外部 HTTP 服务所用的客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = client }
}

// WithAgentAddress 设置代理自身的地址，系统提示词要求模型不得将其当作用户地址。
func WithAgentAddress(addr common.Address) Option {
	return func(d *Dispatcher) { d.agentAddr = addr }
}

// WithKnowledgeProvider 配置参考资料来源，命中的条目会附加到系统提示词。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(d *Dispatcher) { d.knowledge = provider }
}

// WithToolClasses 覆盖直出与人性化两类工具集合，空切片保留默认值。
func WithToolClasses(raw, humanize []string) Option {
	return func(d *Dispatcher) {
		if len(raw) > 0 {
			d.raw = toSet(raw)
		}
		if len(humanize) > 0 {
			d.humanize = toSet(humanize)
		}
	}
}

// WithDisabledTools 从目录中移除指定工具。
func WithDisabledTools(names ...string) Option {
	return func(d *Dispatcher) { d.disabled = append(d.disabled, names...) }
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout < 0 {
			timeout = 0
		}
		d.llmTimeout = timeout
	}
}

// WithToolTimeout 设置单个工具执行的超时时间。
func WithToolTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout < 0 {
			timeout = 0
		}
		d.toolTimeout = timeout
	}
}

// WithHistoryDepth 限制发送给模型的历史消息条数。
func WithHistoryDepth(depth int) Option {
	return func(d *Dispatcher) { d.historyDepth = depth }
}

// New 创建 Dispatcher。
func New(model llm.Client, chain web3.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		model:        model,
		chain:        chain,
		raw:          toSet(defaultRaw),
		humanize:     toSet(defaultHumanize),
		historyDepth: defaultHistoryDepth,
		log:          logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.historyDepth <= 0 {
		d.historyDepth = defaultHistoryDepth
	}
	return d
}

// Respond 处理一次聊天请求。未连接钱包时直接返回固定信封，不调用模型与工具。
func (d *Dispatcher) Respond(ctx context.Context, req ChatRequest) (envelope.Reply, error) {
	if req.Account == nil || strings.TrimSpace(req.Account.Address) == "" {
		metrics.ObserveDispatch(envelope.ToolConnectWallet, KindConnect)
		return envelope.Reply{Messages: connectWallet()}, nil
	}
	address := strings.TrimSpace(req.Account.Address)
	if !common.IsHexAddress(address) {
		return envelope.Reply{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%q is not a valid wallet address", address))
	}
	messages := d.history(req.Messages)
	if len(messages) == 0 {
		return envelope.Reply{}, xerrors.New(xerrors.CodeInvalidArgument, "messages must contain at least one non-empty message")
	}
	if d.model == nil {
		return envelope.Reply{}, xerrors.New(xerrors.CodeInitializationFailure, "language model is not configured")
	}

	user := common.HexToAddress(address)
	catalog, err := tools.Build(d.runtime(user), d.disabled...)
	if err != nil {
		return envelope.Reply{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "tool catalog")
	}

	decision, err := d.decide(ctx, llm.Request{
		System:   systemPrompt(user, d.agentAddr, catalog.Names(), d.notes(lastUserContent(messages))),
		Messages: messages,
		Tools:    catalog.Descriptors(),
	})
	if err != nil {
		return envelope.Reply{}, err
	}

	var (
		env  envelope.Envelope
		kind = KindPlain
	)
	switch {
	case len(decision.ToolCalls) == 0:
		env = envelope.Text("", decision.Content)
	default:
		if len(decision.ToolCalls) > 1 {
			ignored := make([]string, 0, len(decision.ToolCalls)-1)
			for _, call := range decision.ToolCalls[1:] {
				ignored = append(ignored, call.Name)
			}
			d.log.Warn("model requested several tools, only the first runs",
				"tool", decision.ToolCalls[0].Name, "ignored", ignored)
		}
		env, kind, err = d.dispatch(ctx, decision.ToolCalls[0], catalog, lastUserContent(messages), decision.Content)
		if err != nil {
			return envelope.Reply{}, err
		}
	}

	env.Role = envelope.RoleAssistant
	env.ID = uuid.NewString()
	if err := d.record(ctx, env, user, lastUserContent(messages)); err != nil {
		return envelope.Reply{}, err
	}
	metrics.ObserveDispatch(env.Tool, kind)
	logger.Audit().Info("chat turn dispatched",
		"id", env.ID,
		"address", user.Hex(),
		"tool", env.Tool,
		"kind", kind,
	)
	return envelope.Reply{Messages: env}, nil
}

// Dispatch 执行一个工具调用意图并归一化为信封。未知工具返回 TOOL_NOT_FOUND 错误。
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall, catalog *tools.Catalog) (envelope.Envelope, error) {
	env, _, err := d.dispatch(ctx, call, catalog, "", "")
	return env, err
}

func (d *Dispatcher) dispatch(ctx context.Context, call llm.ToolCall, catalog *tools.Catalog, prompt, modelContent string) (envelope.Envelope, string, error) {
	tool, ok := catalog.Lookup(call.Name)
	if !ok {
		return envelope.Envelope{}, "", xerrors.New(xerrors.CodeToolNotFound,
			fmt.Sprintf("model requested unknown tool %q", call.Name),
			xerrors.WithMetadata("tool", call.Name))
	}

	output, err := d.execute(ctx, tool, call.Arguments)
	if err != nil {
		d.log.Warn("tool failed", "tool", call.Name, "code", xerrors.CodeOf(err), "error", err.Error())
		env, encErr := envelope.Value(call.Name, toolError(err))
		if encErr != nil {
			return envelope.Envelope{}, "", xerrors.Wrap(xerrors.CodeToolExecution, encErr, "encode tool error")
		}
		return env, KindError, nil
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return envelope.Envelope{}, "", xerrors.Wrap(xerrors.CodeToolExecution, err, "tool result is not JSON encodable")
	}
	raw = unwrapMessages(raw)

	// 错误结果优先：工具报告失败时不得携带可提交的交易。
	if gjson.GetBytes(raw, "status").String() == envelope.StatusError {
		if envelope.HasInputData(raw) {
			d.log.Warn("dropping inputdata from failed tool result", "tool", call.Name)
			if raw, err = envelope.WithoutInputData(raw); err != nil {
				return envelope.Envelope{}, "", xerrors.Wrap(xerrors.CodeToolExecution, err, "strip inputdata")
			}
		}
		return envelope.Envelope{Tool: call.Name, Response: raw}, KindError, nil
	}

	// inputdata 原样返回，优先于人性化处理。
	if envelope.HasInputData(raw) {
		return envelope.Envelope{Tool: call.Name, Response: raw}, KindRaw, nil
	}
	if _, ok := d.raw[call.Name]; ok {
		return envelope.Envelope{Tool: call.Name, Response: raw}, KindRaw, nil
	}
	if _, ok := d.humanize[call.Name]; ok {
		summary, err := d.summarize(ctx, call.Name, prompt, raw)
		if err != nil {
			d.log.Warn("humanize pass failed, returning raw result", "tool", call.Name, "error", err.Error())
			return envelope.Envelope{Tool: call.Name, Response: raw}, KindRaw, nil
		}
		return envelope.Text("", summary), KindHumanize, nil
	}

	// 未分类的工具：优先使用模型随调用给出的文字。
	if text := strings.TrimSpace(modelContent); text != "" {
		return envelope.Text("", text), KindPlain, nil
	}
	return envelope.Text("", string(raw)), KindPlain, nil
}

// execute 运行工具并把 panic 转为 TOOL_EXECUTION_FAILED。
func (d *Dispatcher) execute(ctx context.Context, tool tools.Tool, args json.RawMessage) (output any, err error) {
	if d.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool panicked", "tool", tool.Name(), "panic", fmt.Sprint(r))
			output, err = nil, xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("tool %s crashed", tool.Name()))
		}
	}()

	output, err = tool.Execute(ctx, args)
	if err != nil && stdErrors.Is(err, context.DeadlineExceeded) {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("tool %s timed out", tool.Name()))
	}
	return output, err
}

func (d *Dispatcher) decide(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	if d.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.llmTimeout)
		defer cancel()
	}
	decision, err := d.model.Decide(ctx, req)
	if err != nil {
		return nil, modelError(err)
	}
	if decision == nil {
		return nil, xerrors.New(xerrors.CodeUpstreamModel, "language model returned no decision")
	}
	return decision, nil
}

// summarize 是人性化二次调用：只允许改写措辞，不提供工具。
func (d *Dispatcher) summarize(ctx context.Context, tool, prompt string, result []byte) (string, error) {
	temperature := 0.2
	messages := []llm.Message{}
	if prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Result of %s:\n%s", tool, result),
	})
	decision, err := d.decide(ctx, llm.Request{
		System:      humanizeInstruction,
		Messages:    messages,
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(decision.Content)
	if summary == "" {
		return "", stdErrors.New("empty summary")
	}
	return summary, nil
}

func (d *Dispatcher) record(ctx context.Context, env envelope.Envelope, user common.Address, prompt string) error {
	if d.records == nil {
		return nil
	}
	now := time.Now().Unix()
	rec := &mysql.DispatchRecord{
		ID:             env.ID,
		Address:        user.Hex(),
		Prompt:         prompt,
		Tool:           env.Tool,
		Envelope:       env.Encode(),
		HasTransaction: envelope.HasInputData(env.Response),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.records.Create(ctx, rec); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save dispatch record")
	}
	return nil
}

func (d *Dispatcher) runtime(user common.Address) *tools.Runtime {
	return &tools.Runtime{
		User:     user,
		Agent:    d.agentAddr,
		Chain:    d.chain,
		Settings: d.settings,
		Model:    d.model,
		Images:   d.images,
		HTTP:     d.httpClient,
	}
}

// history 丢弃空消息与未知角色，只保留最近 historyDepth 条。
func (d *Dispatcher) history(in []ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(in))
	for _, msg := range in {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case llm.RoleUser, llm.RoleAssistant:
			out = append(out, llm.Message{Role: msg.Role, Content: content})
		}
	}
	if len(out) > d.historyDepth {
		out = out[len(out)-d.historyDepth:]
	}
	return out
}

func (d *Dispatcher) notes(prompt string) []knowledge.Snippet {
	if d.knowledge == nil {
		return nil
	}
	return d.knowledge.Query(prompt)
}

func connectWallet() envelope.Envelope {
	env := envelope.Text(envelope.ToolConnectWallet, envelope.ConnectWalletMessage)
	env.Role = envelope.RoleAssistant
	return env
}

func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// toolFailure 是工具错误在信封中的结构。
type toolFailure struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func toolError(err error) toolFailure {
	return toolFailure{
		Status:  envelope.StatusError,
		Message: xerrors.MessageOf(err),
		Code:    string(xerrors.CodeOf(err)),
	}
}

// unwrapMessages 处理自身已包装为 {messages:{content}} 的工具结果。
func unwrapMessages(raw []byte) []byte {
	inner := gjson.GetBytes(raw, "messages.content")
	if !inner.Exists() {
		return raw
	}
	return []byte(inner.Raw)
}

// modelError 将模型调用错误映射为统一错误，保留上游状态码。
func modelError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "language model timed out")
	}
	var upstream *llm.UpstreamError
	if stdErrors.As(err, &upstream) {
		msg := strings.TrimSpace(upstream.Message)
		if msg == "" {
			msg = "language model request failed"
		}
		opts := []xerrors.Option{}
		if upstream.StatusCode >= 400 {
			opts = append(opts, xerrors.WithHTTPStatus(upstream.StatusCode))
		}
		return xerrors.Wrap(xerrors.CodeUpstreamModel, err, msg, opts...)
	}
	return xerrors.Wrap(xerrors.CodeUpstreamModel, err, "language model request failed")
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
