package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ChainChat/internal/config"
	"ChainChat/internal/web3"
	"ChainChat/internal/web3/ethereum"
)

// Chain bundles a connected client with its static metadata.
type Chain struct {
	Client       web3.Client
	NativeSymbol string
	Explorer     string
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]Chain
}

// Dialer opens a client for one chain definition. Tests replace it.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, tokenTTL time.Duration) (*Registry, error) {
	return newRegistry(ctx, cfg, tokenTTL, dialEthereum)
}

func newRegistry(ctx context.Context, cfg config.Web3Config, tokenTTL time.Duration, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	reg := &Registry{chains: make(map[string]Chain)}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType != "" && chainType != "evm" {
			reg.Close()
			return nil, fmt.Errorf("chain %s uses unsupported type %s", name, def.Type)
		}
		client, err := dial(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description, TokenTTL: tokenTTL})
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("connect chain %s: %w", name, err)
		}
		symbol := def.NativeSymbol
		if symbol == "" {
			symbol = cfg.NativeSymbol
		}
		reg.chains[name] = Chain{Client: client, NativeSymbol: symbol, Explorer: def.Explorer}
	}

	if len(reg.chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := dial(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL, TokenTTL: tokenTTL})
		if err != nil {
			return nil, err
		}
		reg.chains["default"] = Chain{Client: client, NativeSymbol: cfg.NativeSymbol}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(reg.chains) == 0 {
		return nil, errors.New("no chain rpc endpoint configured")
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.chains[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("default chain %s is not configured", reg.defaultChain)
	}
	return reg, nil
}

// Default returns the chain configured as default.
func (r *Registry) Default() (Chain, error) {
	if r == nil {
		return Chain{}, errors.New("chain registry is not initialised")
	}
	chain, ok := r.chains[r.defaultChain]
	if !ok {
		return Chain{}, fmt.Errorf("default chain %s is not registered", r.defaultChain)
	}
	return chain, nil
}

// Chain returns the chain identified by name.
func (r *Registry) Chain(name string) (Chain, bool) {
	if r == nil {
		return Chain{}, false
	}
	chain, ok := r.chains[name]
	return chain, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, chain := range r.chains {
		if chain.Client != nil {
			chain.Client.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
