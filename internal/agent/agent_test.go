package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/knowledge"
	"ChainChat/internal/llm"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/tools"
	"ChainChat/internal/web3"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
)

const userHex = "0x00000000000000000000000000000000000000A1"

type fakeChain struct{}

func (fakeChain) Name() string                              { return "testnet" }
func (fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (fakeChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(2_000_000_000_000_000_000), nil
}
func (fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "testnet", ChainID: "1337", BlockNumber: 9}, nil
}
func (fakeChain) TokenMetadata(context.Context, common.Address) (web3.TokenMetadata, error) {
	return web3.TokenMetadata{}, errors.New("no tokens")
}
func (fakeChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return nil, errors.New("no tokens")
}
func (fakeChain) WaitForTransaction(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("unused")
}
func (fakeChain) Close() {}

// scriptedModel 依次返回预设的决策并记录收到的请求。
type scriptedModel struct {
	mu       sync.Mutex
	replies  []func(llm.Request) (*llm.Decision, error)
	requests []llm.Request
}

func (m *scriptedModel) Decide(_ context.Context, req llm.Request) (*llm.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return nil, errors.New("unexpected model call")
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next(req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func say(content string) func(llm.Request) (*llm.Decision, error) {
	return func(llm.Request) (*llm.Decision, error) { return &llm.Decision{Content: content}, nil }
}

func call(calls ...llm.ToolCall) func(llm.Request) (*llm.Decision, error) {
	return func(llm.Request) (*llm.Decision, error) { return &llm.Decision{ToolCalls: calls}, nil }
}

func toolCall(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "call_" + name, Name: name, Arguments: json.RawMessage(args)}
}

func chat(text string) ChatRequest {
	return ChatRequest{
		Messages: []ChatMessage{{Role: llm.RoleUser, Content: text}},
		Account:  &Account{Address: userHex},
	}
}

func newDispatcher(t *testing.T, model llm.Client, opts ...Option) (*Dispatcher, *mysql.MemoryDispatchRepository) {
	t.Helper()
	repo, err := mysql.NewMemoryDispatchRepository(t.TempDir())
	require.NoError(t, err)
	opts = append([]Option{WithRepository(repo)}, opts...)
	return New(model, fakeChain{}, opts...), repo
}

func TestRespondWithoutWalletSkipsModel(t *testing.T) {
	model := &scriptedModel{}
	d, _ := newDispatcher(t, model)

	for _, req := range []ChatRequest{
		{Messages: []ChatMessage{{Role: "user", Content: "hi"}}},
		{Messages: []ChatMessage{{Role: "user", Content: "hi"}}, Account: &Account{Address: "  "}},
	} {
		reply, err := d.Respond(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, envelope.ToolConnectWallet, reply.Messages.Tool)
		require.Equal(t, envelope.ConnectWalletMessage, reply.Messages.ResponseText())
	}
	require.Zero(t, model.calls())
}

func TestRespondRejectsBadInput(t *testing.T) {
	d, _ := newDispatcher(t, &scriptedModel{})

	_, err := d.Respond(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Account:  &Account{Address: "alice"},
	})
	require.Equal(t, http.StatusBadRequest, xerrors.HTTPStatusOf(err))

	_, err = d.Respond(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "   "}},
		Account:  &Account{Address: userHex},
	})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRespondPlainContent(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){say("Hello there")}}
	d, repo := newDispatcher(t, model, WithAgentAddress(common.HexToAddress("0xb0")))

	reply, err := d.Respond(context.Background(), chat("hi"))
	require.NoError(t, err)

	env := reply.Messages
	require.True(t, env.IsPlain())
	require.Equal(t, "Hello there", env.ResponseText())
	require.Equal(t, envelope.RoleAssistant, env.Role)
	require.NotEmpty(t, env.ID)

	encoded := env.Encode()
	require.True(t, gjson.Get(encoded, "tool").Type == gjson.Null)
	_, hasTx := envelope.Extract([]byte(encoded))
	require.False(t, hasTx)

	req := model.requests[0]
	require.Contains(t, req.System, common.HexToAddress(userHex).Hex())
	require.Contains(t, req.System, common.HexToAddress("0xb0").Hex())
	require.Len(t, req.Tools, len(tools.KnownNames()))

	stored, err := repo.Get(context.Background(), env.ID)
	require.NoError(t, err)
	require.False(t, stored.HasTransaction)
	require.Equal(t, "hi", stored.Prompt)
}

func TestRespondAddsMatchingKnowledge(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){say("ok"), say("ok")}}
	notes := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "USDC", Content: "USDC uses 6 decimals.", Keywords: []string{"usdc"}},
	}, 3)
	d, _ := newDispatcher(t, model, WithKnowledgeProvider(notes))

	_, err := d.Respond(context.Background(), chat("send 5 USDC to bob"))
	require.NoError(t, err)
	require.Contains(t, model.requests[0].System, "USDC: USDC uses 6 decimals.")

	_, err = d.Respond(context.Background(), chat("hello"))
	require.NoError(t, err)
	require.NotContains(t, model.requests[1].System, "Reference notes")
}

func TestRespondTransferKeepsInputDataRaw(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){
		call(toolCall(tools.TransferToken, `{"to":"0x00000000000000000000000000000000000000b1","amount":"1"}`)),
	}}
	// 即便配置为人性化处理，携带 inputdata 的结果也必须原样返回。
	d, repo := newDispatcher(t, model, WithToolClasses([]string{tools.GetWalletAddress}, []string{tools.TransferToken}))

	reply, err := d.Respond(context.Background(), chat("send 1 eth to 0x...b1"))
	require.NoError(t, err)
	require.Equal(t, 1, model.calls(), "humanize pass must not run for transaction results")

	env := reply.Messages
	require.Equal(t, tools.TransferToken, env.Tool)
	tx, ok := envelope.ExtractEnvelope(env)
	require.True(t, ok)
	payload, err := tx.Decode()
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", payload.Value)

	stored, err := repo.Get(context.Background(), env.ID)
	require.NoError(t, err)
	require.True(t, stored.HasTransaction)

	_, err = repo.ApplyOutcome(context.Background(), txflow.Outcome{MessageID: env.ID, Hash: "0xhash", Code: txflow.CodeSuccess})
	require.NoError(t, err)
}

func TestRespondHumanizesBalance(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){
		call(toolCall(tools.GetBalance, `{}`)),
		func(req llm.Request) (*llm.Decision, error) {
			if len(req.Tools) != 0 || !strings.Contains(req.Messages[len(req.Messages)-1].Content, `"balance":"2"`) {
				return nil, errors.New("summary request is missing the tool result")
			}
			return &llm.Decision{Content: "You hold 2 ETH."}, nil
		},
	}}
	d, _ := newDispatcher(t, model)

	reply, err := d.Respond(context.Background(), chat("what is my balance?"))
	require.NoError(t, err)
	require.True(t, reply.Messages.IsPlain())
	require.Equal(t, "You hold 2 ETH.", reply.Messages.ResponseText())
	require.Equal(t, 2, model.calls())
}

func TestRespondHumanizeFailureFallsBackToRaw(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){
		call(toolCall(tools.GetChainInfo, `{}`)),
		func(llm.Request) (*llm.Decision, error) { return nil, errors.New("overloaded") },
	}}
	d, _ := newDispatcher(t, model)

	reply, err := d.Respond(context.Background(), chat("which chain?"))
	require.NoError(t, err)
	require.Equal(t, tools.GetChainInfo, reply.Messages.Tool)
	require.Equal(t, int64(9), gjson.GetBytes(reply.Messages.Response, "block_number").Int())
}

func TestRespondFirstToolCallWins(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){
		call(
			toolCall(tools.GetWalletAddress, ``),
			toolCall(tools.TransferToken, `{"amount":"1"}`),
		),
	}}
	d, _ := newDispatcher(t, model)

	reply, err := d.Respond(context.Background(), chat("who am i"))
	require.NoError(t, err)
	require.Equal(t, tools.GetWalletAddress, reply.Messages.Tool)
	require.Equal(t, common.HexToAddress(userHex).Hex(), gjson.GetBytes(reply.Messages.Response, "address").String())
	_, hasTx := envelope.ExtractEnvelope(reply.Messages)
	require.False(t, hasTx)
}

func TestRespondUnknownToolIsSurfaced(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){
		call(toolCall("launch_rocket", `{}`)),
	}}
	d, repo := newDispatcher(t, model)

	_, err := d.Respond(context.Background(), chat("launch"))
	require.Equal(t, xerrors.CodeToolNotFound, xerrors.CodeOf(err))
	require.GreaterOrEqual(t, xerrors.HTTPStatusOf(err), 400)

	list, err := repo.ListLatest(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRespondToolErrorBecomesEnvelope(t *testing.T) {
	model := &scriptedModel{replies: []func(llm.Request) (*llm.Decision, error){
		call(toolCall(tools.TransferToken, `{"amount":"-1"}`)),
	}}
	d, _ := newDispatcher(t, model)

	reply, err := d.Respond(context.Background(), chat("send -1"))
	require.NoError(t, err)
	require.Equal(t, tools.TransferToken, reply.Messages.Tool)
	require.Equal(t, envelope.StatusError, gjson.GetBytes(reply.Messages.Response, "status").String())
	require.Equal(t, string(xerrors.CodeToolInvalidInput), gjson.GetBytes(reply.Messages.Response, "code").String())
}

func TestRespondMapsUpstreamErrors(t *testing.T) {
	model := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Decision, error) {
		return nil, &llm.UpstreamError{StatusCode: http.StatusUnauthorized, Message: "invalid api key"}
	})
	d, _ := newDispatcher(t, model)

	_, err := d.Respond(context.Background(), chat("hi"))
	require.Equal(t, xerrors.CodeUpstreamModel, xerrors.CodeOf(err))
	require.Equal(t, http.StatusUnauthorized, xerrors.HTTPStatusOf(err))
	require.Equal(t, "invalid api key", xerrors.MessageOf(err))
}

func TestRespondModelTimeout(t *testing.T) {
	model := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Decision, error) {
		select {
		case <-time.After(time.Second):
			return &llm.Decision{Content: "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d, _ := newDispatcher(t, model, WithLLMTimeout(10*time.Millisecond))

	_, err := d.Respond(context.Background(), chat("hi"))
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type panicTool struct{}

func (panicTool) Name() string               { return "explode" }
func (panicTool) Description() string        { return "panics" }
func (panicTool) Parameters() map[string]any { return nil }
func (panicTool) Execute(context.Context, json.RawMessage) (any, error) {
	panic("boom")
}

type wrappedTool struct{}

func (wrappedTool) Name() string               { return "wrapped" }
func (wrappedTool) Description() string        { return "returns a pre-wrapped reply" }
func (wrappedTool) Parameters() map[string]any { return nil }
func (wrappedTool) Execute(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"messages": map[string]any{"content": map[string]any{"ok": true}}}, nil
}

// failedTransferTool 报告失败却仍附带交易数据。
type failedTransferTool struct{}

func (failedTransferTool) Name() string               { return "half_built" }
func (failedTransferTool) Description() string        { return "fails after building a payload" }
func (failedTransferTool) Parameters() map[string]any { return nil }
func (failedTransferTool) Execute(context.Context, json.RawMessage) (any, error) {
	return map[string]any{
		"status":    envelope.StatusError,
		"message":   "insufficient balance",
		"inputdata": map[string]any{"chain_id": "1337", "to": userHex, "value": "1"},
	}, nil
}

func TestDispatchErrorResultDropsInputData(t *testing.T) {
	d := New(&scriptedModel{}, fakeChain{}, WithToolClasses([]string{"half_built"}, nil))
	catalog, err := tools.NewCatalog(failedTransferTool{})
	require.NoError(t, err)

	env, err := d.Dispatch(context.Background(), llm.ToolCall{Name: "half_built"}, catalog)
	require.NoError(t, err)
	require.Equal(t, "half_built", env.Tool)
	require.Equal(t, envelope.StatusError, gjson.GetBytes(env.Response, "status").String())
	require.Equal(t, "insufficient balance", gjson.GetBytes(env.Response, "message").String())
	_, ok := envelope.ExtractEnvelope(env)
	require.False(t, ok)
}

func TestDispatchRecoversPanicsAndUnwraps(t *testing.T) {
	d := New(&scriptedModel{}, fakeChain{}, WithToolClasses([]string{"explode", "wrapped"}, nil))
	catalog, err := tools.NewCatalog(panicTool{}, wrappedTool{})
	require.NoError(t, err)

	env, err := d.Dispatch(context.Background(), llm.ToolCall{Name: "explode"}, catalog)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusError, gjson.GetBytes(env.Response, "status").String())
	require.Equal(t, string(xerrors.CodeToolExecution), gjson.GetBytes(env.Response, "code").String())

	env, err = d.Dispatch(context.Background(), llm.ToolCall{Name: "wrapped"}, catalog)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(env.Response))
}

func TestDispatchUnclassifiedToolPrefersModelText(t *testing.T) {
	d := New(&scriptedModel{}, fakeChain{})
	catalog, err := tools.NewCatalog(wrappedTool{})
	require.NoError(t, err)

	env, _, err := d.dispatch(context.Background(), llm.ToolCall{Name: "wrapped"}, catalog, "", "Done.")
	require.NoError(t, err)
	require.True(t, env.IsPlain())
	require.Equal(t, "Done.", env.ResponseText())

	env, _, err = d.dispatch(context.Background(), llm.ToolCall{Name: "wrapped"}, catalog, "", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, env.ResponseText())
}

func TestHistoryKeepsRecentConversation(t *testing.T) {
	d := New(nil, nil, WithHistoryDepth(2))
	got := d.history([]ChatMessage{
		{Role: "user", Content: "one"},
		{Role: "system", Content: "ignored"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: ""},
		{Role: "user", Content: "three"},
	})
	require.Equal(t, []llm.Message{{Role: "assistant", Content: "two"}, {Role: "user", Content: "three"}}, got)
}
