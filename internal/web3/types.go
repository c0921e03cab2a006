package web3

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrTransactionReverted 表示交易已上链但执行失败。
var ErrTransactionReverted = errors.New("transaction reverted")

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// TokenMetadata 描述 ERC-20 代币的基础信息。
type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Client defines the read-side chain access required by tools and the
// transaction finality check.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	WaitForTransaction(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Close()
}
