package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ChainChat/internal/llm"
)

// Name 是工具的注册名称。
type Name = string

const (
	GetWalletAddress Name = "get_wallet_address"
	GetChainInfo     Name = "get_chain_info"
	GetBalance       Name = "get_balance"
	TransferToken    Name = "transfer_token"
	TransferNFT      Name = "transfer_nft"
	LendingSupply    Name = "lending_supply"
	LendingRepay     Name = "lending_repay"
	GetOwnedNFTs     Name = "get_owned_nfts"
	GetHashtags      Name = "get_hashtags"
	GenerateImage    Name = "generate_image"
)

// Tool 是单个可执行能力。Execute 返回可 JSON 编码的结果；
// 既可以返回 error，也可以返回带 status:"error" 的结构化结果。
type Tool interface {
	Name() Name
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Catalog 是按名称索引的只读工具表。
type Catalog struct {
	tools map[Name]Tool
	order []Name
}

// NewCatalog 注册工具，名称重复时返回错误。
func NewCatalog(tools ...Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[Name]Tool, len(tools))}
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		name := strings.TrimSpace(tool.Name())
		if name == "" {
			return nil, fmt.Errorf("tool %T has no name", tool)
		}
		if _, exists := c.tools[name]; exists {
			return nil, fmt.Errorf("tool %s registered twice", name)
		}
		c.tools[name] = tool
		c.order = append(c.order, name)
	}
	return c, nil
}

// Lookup 按名称查找工具。
func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return nil, false
	}
	tool, ok := c.tools[name]
	return tool, ok
}

// Names 返回注册顺序下的工具名称。
func (c *Catalog) Names() []Name {
	if c == nil {
		return nil
	}
	return append([]Name(nil), c.order...)
}

// Descriptors 返回提供给模型的工具描述。
func (c *Catalog) Descriptors() []llm.ToolDescriptor {
	if c == nil {
		return nil
	}
	out := make([]llm.ToolDescriptor, 0, len(c.order))
	for _, name := range c.order {
		tool := c.tools[name]
		out = append(out, llm.ToolDescriptor{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return out
}

// Build 构建一次请求使用的完整工具目录，disabled 中的工具被跳过。
func Build(rt *Runtime, disabled ...string) (*Catalog, error) {
	skip := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		skip[strings.TrimSpace(name)] = struct{}{}
	}

	all := []Tool{
		walletAddressTool{rt: rt},
		chainInfoTool{rt: rt},
		balanceTool{rt: rt},
		transferTokenTool{rt: rt},
		transferNFTTool{rt: rt},
		lendingTool{rt: rt, name: LendingSupply},
		lendingTool{rt: rt, name: LendingRepay},
		ownedNFTsTool{rt: rt},
		hashtagsTool{rt: rt},
		imageTool{rt: rt},
	}
	enabled := all[:0]
	for _, tool := range all {
		if _, off := skip[tool.Name()]; off {
			continue
		}
		enabled = append(enabled, tool)
	}
	return NewCatalog(enabled...)
}

// KnownNames 返回全部内置工具名称，按字母排序。
func KnownNames() []Name {
	names := []Name{
		GetWalletAddress, GetChainInfo, GetBalance, TransferToken, TransferNFT,
		LendingSupply, LendingRepay, GetOwnedNFTs, GetHashtags, GenerateImage,
	}
	sort.Strings(names)
	return names
}
