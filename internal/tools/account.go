package tools

import (
	"context"
	"encoding/json"
	"math/big"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/web3"
)

type walletAddressTool struct{ rt *Runtime }

func (walletAddressTool) Name() Name { return GetWalletAddress }
func (walletAddressTool) Description() string {
	return "Return the connected user's wallet address. Never returns the agent's own address."
}
func (walletAddressTool) Parameters() map[string]any { return object(nil, map[string]any{}) }

func (t walletAddressTool) Execute(context.Context, json.RawMessage) (any, error) {
	return map[string]string{"address": t.rt.User.Hex()}, nil
}

type chainInfoTool struct{ rt *Runtime }

func (chainInfoTool) Name() Name { return GetChainInfo }
func (chainInfoTool) Description() string {
	return "Describe the connected network: chain id, latest block number and native currency."
}
func (chainInfoTool) Parameters() map[string]any { return object(nil, map[string]any{}) }

func (t chainInfoTool) Execute(ctx context.Context, _ json.RawMessage) (any, error) {
	snapshot, err := t.rt.Chain.FetchChainSnapshot(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "chain snapshot unavailable")
	}
	return map[string]any{
		"chain":         snapshot.Name,
		"chain_id":      snapshot.ChainID,
		"block_number":  snapshot.BlockNumber,
		"native_symbol": t.rt.nativeSymbol(),
	}, nil
}

type balanceTool struct{ rt *Runtime }

type balanceArgs struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

func (balanceTool) Name() Name { return GetBalance }
func (balanceTool) Description() string {
	return "Get the balance of the native coin or an ERC-20 token. Defaults to the user's own address."
}
func (balanceTool) Parameters() map[string]any {
	return object(nil, map[string]any{
		"address": str("Account to inspect; leave empty for the user's wallet."),
		"token":   str("Token symbol or contract address; leave empty for the native coin."),
	})
}

func (t balanceTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args balanceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	owner, err := resolveAddress(args.Address, t.rt.User)
	if err != nil {
		return nil, err
	}
	asset, err := t.rt.resolveToken(ctx, args.Token)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if asset.Native {
		balance, err = t.rt.Chain.Balance(ctx, owner)
	} else {
		balance, err = t.rt.Chain.TokenBalance(ctx, asset.Address, owner)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "balance unavailable")
	}
	return map[string]any{
		"address":  owner.Hex(),
		"symbol":   asset.Symbol,
		"balance":  web3.FormatUnits(balance, asset.Decimals),
		"raw":      balance.String(),
		"decimals": asset.Decimals,
	}, nil
}
