package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/web3"
	"ChainChat/pkg/envelope"
)

// ImageGenerator 生成图片并返回可访问的 URL。
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Settings 是与请求无关的工具配置。
type Settings struct {
	NativeSymbol  string
	LendingPool   string
	Tokens        map[string]string
	NFTIndexerURL string
	NFTCollection string
}

// Runtime 是工具执行时绑定的上下文：发起请求的用户账户、代理账户、链访问与外部服务。
type Runtime struct {
	User     common.Address
	Agent    common.Address
	Chain    web3.Client
	Settings Settings
	Model    llm.Client
	Images   ImageGenerator
	HTTP     *http.Client
}

func (rt *Runtime) httpClient() *http.Client {
	if rt.HTTP != nil {
		return rt.HTTP
	}
	return http.DefaultClient
}

// token 描述一次解析后的资产。
type token struct {
	Native   bool
	Address  common.Address
	Symbol   string
	Decimals uint8
}

func (rt *Runtime) nativeSymbol() string {
	if rt.Settings.NativeSymbol == "" {
		return "ETH"
	}
	return rt.Settings.NativeSymbol
}

// resolveToken 接受原生币符号、配置中的代币符号或合约地址。
func (rt *Runtime) resolveToken(ctx context.Context, ref string) (token, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, "native") || strings.EqualFold(ref, rt.nativeSymbol()) {
		return token{Native: true, Symbol: rt.nativeSymbol(), Decimals: 18}, nil
	}

	addr := ref
	for symbol, configured := range rt.Settings.Tokens {
		if strings.EqualFold(symbol, ref) {
			addr = configured
			break
		}
	}
	if !common.IsHexAddress(addr) {
		return token{}, xerrors.New(xerrors.CodeToolInvalidInput, fmt.Sprintf("unknown token %q, use a contract address or one of the configured symbols", ref))
	}

	meta, err := rt.Chain.TokenMetadata(ctx, common.HexToAddress(addr))
	if err != nil {
		return token{}, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("token %s is not readable", ref))
	}
	return token{Address: meta.Address, Symbol: meta.Symbol, Decimals: meta.Decimals}, nil
}

// resolveAddress 返回参数给出的地址，为空时回退到 fallback。
func resolveAddress(value string, fallback common.Address) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeToolInvalidInput, fmt.Sprintf("%q is not a valid address", value))
	}
	return common.HexToAddress(value), nil
}

// newPayload 以用户账户为发送方构造未签名交易。
func (rt *Runtime) newPayload(ctx context.Context, to common.Address, value string, data []byte, function string, args map[string]string) (envelope.Payload, error) {
	chainID, err := rt.Chain.ChainID(ctx)
	if err != nil {
		return envelope.Payload{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "chain id unavailable")
	}
	if value == "" {
		value = "0"
	}
	p := envelope.Payload{
		ChainID:   chainID.String(),
		From:      rt.User.Hex(),
		To:        to.Hex(),
		Value:     value,
		Function:  function,
		Arguments: args,
	}
	if len(data) > 0 {
		p.Data = "0x" + common.Bytes2Hex(data)
	}
	return p, nil
}

// TransactionResult 是交易类工具的统一返回结构。
type TransactionResult struct {
	Status    string           `json:"status"`
	Message   string           `json:"message"`
	InputData envelope.Payload `json:"inputdata"`
	Token     *TokenInfo       `json:"token,omitempty"`
}

// TokenInfo 随交易返回，便于客户端展示。
type TokenInfo struct {
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}
