package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/web3"
	"ChainChat/pkg/envelope"
)

type transferTokenTool struct{ rt *Runtime }

type transferTokenArgs struct {
	To     string `json:"to"`
	Amount Amount `json:"amount"`
	Token  string `json:"token"`
}

func (transferTokenTool) Name() Name { return TransferToken }
func (transferTokenTool) Description() string {
	return "Prepare a transfer of the native coin or an ERC-20 token from the user's wallet. " +
		"The user signs the returned transaction. Leave the recipient empty to send to the user's own wallet."
}
func (transferTokenTool) Parameters() map[string]any {
	return object([]string{"amount"}, map[string]any{
		"to":     str("Recipient address."),
		"amount": str("Human readable amount, e.g. \"1.5\"."),
		"token":  str("Token symbol or contract address; leave empty for the native coin."),
	})
}

func (t transferTokenTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args transferTokenArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := required("amount", args.Amount.String()); err != nil {
		return nil, err
	}
	to, err := resolveAddress(args.To, t.rt.User)
	if err != nil {
		return nil, err
	}
	asset, err := t.rt.resolveToken(ctx, args.Token)
	if err != nil {
		return nil, err
	}
	amount, err := web3.ParseUnits(args.Amount.String(), asset.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolInvalidInput, err, fmt.Sprintf("invalid amount %q", args.Amount))
	}
	if amount.Sign() == 0 {
		return nil, xerrors.New(xerrors.CodeToolInvalidInput, "amount must be greater than zero")
	}

	callArgs := map[string]string{"to": to.Hex(), "amount": amount.String()}
	var payload envelope.Payload
	if asset.Native {
		payload, err = t.rt.newPayload(ctx, to, amount.String(), nil, "", callArgs)
	} else {
		data, packErr := web3.PackERC20Transfer(to, amount)
		if packErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeToolExecution, packErr, "encode transfer")
		}
		payload, err = t.rt.newPayload(ctx, asset.Address, "0", data, "transfer(address,uint256)", callArgs)
	}
	if err != nil {
		return nil, err
	}

	return TransactionResult{
		Status:    envelope.StatusSuccess,
		Message:   fmt.Sprintf("Transfer of %s %s to %s is ready for signing.", args.Amount, asset.Symbol, to.Hex()),
		InputData: payload,
		Token:     &TokenInfo{Name: asset.Symbol, Decimals: asset.Decimals},
	}, nil
}

type transferNFTTool struct{ rt *Runtime }

type transferNFTArgs struct {
	To         string `json:"to"`
	Collection string `json:"collection"`
	TokenID    Amount `json:"token_id"`
}

func (transferNFTTool) Name() Name { return TransferNFT }
func (transferNFTTool) Description() string {
	return "Prepare an ERC-721 transfer of one NFT owned by the user. The user signs the returned transaction."
}
func (transferNFTTool) Parameters() map[string]any {
	return object([]string{"to", "token_id"}, map[string]any{
		"to":         str("Recipient address."),
		"collection": str("NFT contract address; defaults to the configured collection."),
		"token_id":   str("Token id to transfer."),
	})
}

func (t transferNFTTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args transferNFTArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := required("to", args.To); err != nil {
		return nil, err
	}
	to, err := resolveAddress(args.To, common.Address{})
	if err != nil {
		return nil, err
	}
	collection := strings.TrimSpace(args.Collection)
	if collection == "" {
		collection = t.rt.Settings.NFTCollection
	}
	if !common.IsHexAddress(collection) {
		return nil, xerrors.New(xerrors.CodeToolInvalidInput, "a valid collection address is required")
	}
	tokenID, err := web3.ParseQuantity(args.TokenID.String())
	if err != nil || args.TokenID == "" {
		return nil, xerrors.New(xerrors.CodeToolInvalidInput, fmt.Sprintf("invalid token id %q", args.TokenID))
	}

	data, err := web3.PackERC721Transfer(t.rt.User, to, tokenID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "encode nft transfer")
	}
	payload, err := t.rt.newPayload(ctx, common.HexToAddress(collection), "0", data,
		"safeTransferFrom(address,address,uint256)",
		map[string]string{"from": t.rt.User.Hex(), "to": to.Hex(), "token_id": tokenID.String()},
	)
	if err != nil {
		return nil, err
	}
	return TransactionResult{
		Status:    envelope.StatusSuccess,
		Message:   fmt.Sprintf("Transfer of NFT #%s to %s is ready for signing.", tokenID, to.Hex()),
		InputData: payload,
	}, nil
}

type lendingTool struct {
	rt   *Runtime
	name Name
}

type lendingArgs struct {
	Asset  string `json:"asset"`
	Amount Amount `json:"amount"`
}

func (l lendingTool) Name() Name { return l.name }

func (l lendingTool) Description() string {
	if l.name == LendingRepay {
		return "Prepare a repayment of variable-rate debt to the lending pool on behalf of the user."
	}
	return "Prepare a supply of an ERC-20 asset into the lending pool on behalf of the user."
}

func (l lendingTool) Parameters() map[string]any {
	return object([]string{"asset", "amount"}, map[string]any{
		"asset":  str("ERC-20 token symbol or contract address."),
		"amount": str("Human readable amount."),
	})
}

func (l lendingTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args lendingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := required("asset", args.Asset); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(l.rt.Settings.LendingPool) {
		return nil, xerrors.New(xerrors.CodeToolExecution, "lending pool is not configured")
	}
	asset, err := l.rt.resolveToken(ctx, args.Asset)
	if err != nil {
		return nil, err
	}
	if asset.Native {
		return nil, xerrors.New(xerrors.CodeToolInvalidInput, "the lending pool only accepts ERC-20 assets")
	}
	amount, err := web3.ParseUnits(args.Amount.String(), asset.Decimals)
	if err != nil || amount.Sign() == 0 {
		return nil, xerrors.New(xerrors.CodeToolInvalidInput, fmt.Sprintf("invalid amount %q", args.Amount))
	}

	var (
		data     []byte
		function string
	)
	if l.name == LendingRepay {
		data, err = web3.PackLendingRepay(asset.Address, amount, l.rt.User)
		function = "repay(address,uint256,uint256,address)"
	} else {
		data, err = web3.PackLendingSupply(asset.Address, amount, l.rt.User)
		function = "supply(address,uint256,address,uint16)"
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "encode lending call")
	}

	payload, err := l.rt.newPayload(ctx, common.HexToAddress(l.rt.Settings.LendingPool), "0", data, function,
		map[string]string{"asset": asset.Address.Hex(), "amount": amount.String(), "on_behalf_of": l.rt.User.Hex()},
	)
	if err != nil {
		return nil, err
	}
	verb := "Supply"
	if l.name == LendingRepay {
		verb = "Repayment"
	}
	return TransactionResult{
		Status:    envelope.StatusSuccess,
		Message:   fmt.Sprintf("%s of %s %s is ready for signing. The pool must be approved to spend %s first.", verb, args.Amount, asset.Symbol, asset.Symbol),
		InputData: payload,
		Token:     &TokenInfo{Name: asset.Symbol, Decimals: asset.Decimals},
	}, nil
}
