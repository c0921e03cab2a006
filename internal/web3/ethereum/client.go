package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/jellydator/ttlcache/v3"

	"ChainChat/internal/web3"
)

const (
	defaultPollInterval = time.Second
	defaultTokenTTL     = 30 * time.Minute
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	Notes        string
	PollInterval time.Duration
	TokenTTL     time.Duration
}

// Backend is the subset of the go-ethereum client API used here. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	backend      Backend
	pollInterval time.Duration
	tokens       *ttlcache.Cache[common.Address, web3.TokenMetadata]

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum rpc url is not configured")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}

	client := newClient(cfg, ethclient.NewClient(rpcClient))
	client.rpcClient = rpcClient
	return client, nil
}

// NewBackendClient wraps an existing backend, such as the simulated chain used in tests.
func NewBackendClient(cfg Config, backend Backend) *Client {
	return newClient(cfg, backend)
}

func newClient(cfg Config, backend Backend) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		backend:      backend,
		pollInterval: poll,
		tokens: ttlcache.New[common.Address, web3.TokenMetadata](
			ttlcache.WithTTL[common.Address, web3.TokenMetadata](ttl),
			ttlcache.WithDisableTouchOnHit[common.Address, web3.TokenMetadata](),
		),
	}
}

// Name returns the registry name of the chain.
func (c *Client) Name() string { return c.name }

// Backend exposes the underlying backend so a wallet can share the connection.
func (c *Client) Backend() Backend { return c.backend }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id, fetched once and cached.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("fetch block number: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     id.String(),
		BlockNumber: head,
		Notes:       c.notes,
	}, nil
}

// Balance returns the native coin balance in wei.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch balance of %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// TokenMetadata reads symbol and decimals of an ERC-20 token. Results are cached.
func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (web3.TokenMetadata, error) {
	if item := c.tokens.Get(token); item != nil {
		return item.Value(), nil
	}

	var symbol string
	if err := c.call(ctx, token, "symbol", &symbol); err != nil {
		return web3.TokenMetadata{}, err
	}
	var decimals uint8
	if err := c.call(ctx, token, "decimals", &decimals); err != nil {
		return web3.TokenMetadata{}, err
	}

	meta := web3.TokenMetadata{Address: token, Symbol: symbol, Decimals: decimals}
	c.tokens.Set(token, meta, ttlcache.DefaultTTL)
	return meta, nil
}

// TokenBalance returns the ERC-20 balance of owner in the token's smallest unit.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if err := c.call(ctx, token, "balanceOf", &balance, owner); err != nil {
		return nil, err
	}
	return balance, nil
}

func (c *Client) call(ctx context.Context, contract common.Address, method string, out any, args ...any) error {
	input, err := web3.ERC20ABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("call %s on %s: empty result, not a token contract", method, contract.Hex())
	}
	if err := web3.ERC20ABI.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

// WaitForTransaction polls for the receipt of hash until it is mined or ctx is
// done. A mined but failed transaction yields web3.ErrTransactionReverted.
func (c *Client) WaitForTransaction(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s in block %d", web3.ErrTransactionReverted, hash.Hex(), receipt.BlockNumber.Uint64())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, gethcore.NotFound):
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AwaitFinality waits for a transaction identified by its hex hash.
func (c *Client) AwaitFinality(ctx context.Context, hash string) error {
	if !isHexHash(hash) {
		return fmt.Errorf("invalid transaction hash %q", hash)
	}
	_, err := c.WaitForTransaction(ctx, common.HexToHash(hash))
	return err
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
