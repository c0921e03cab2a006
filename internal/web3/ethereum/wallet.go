package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"ChainChat/internal/web3"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
)

// SignerBackend is what a wallet needs to build, sign and broadcast a transaction.
type SignerBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Approver asks the key holder whether a payload may be signed.
type Approver func(ctx context.Context, payload envelope.Payload) (bool, error)

// KeyedWallet signs unsigned payloads with a local private key.
type KeyedWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	backend SignerBackend
	approve Approver
}

// WalletOption customises a KeyedWallet.
type WalletOption func(*KeyedWallet)

// WithApprover installs an approval prompt. Declining maps to txflow.ErrUserRejected.
func WithApprover(approve Approver) WalletOption {
	return func(w *KeyedWallet) {
		w.approve = approve
	}
}

// NewKeyedWallet parses a hex private key and binds it to backend.
func NewKeyedWallet(hexKey string, backend SignerBackend, opts ...WalletOption) (*KeyedWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewWalletFromKey(key, backend, opts...), nil
}

// NewWalletFromKey binds an already parsed key to backend.
func NewWalletFromKey(key *ecdsa.PrivateKey, backend SignerBackend, opts ...WalletOption) *KeyedWallet {
	w := &KeyedWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		backend: backend,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Address returns the account controlled by the wallet.
func (w *KeyedWallet) Address() common.Address { return w.address }

// SignAndSubmit builds an EIP-1559 transaction from payload, signs it and
// broadcasts it. The returned hash is available before the transaction is mined.
func (w *KeyedWallet) SignAndSubmit(ctx context.Context, payload envelope.Payload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	if payload.From != "" && !strings.EqualFold(common.HexToAddress(payload.From).Hex(), w.address.Hex()) {
		return "", fmt.Errorf("payload is addressed from %s but the wallet holds %s", payload.From, w.address.Hex())
	}

	chainID, err := w.backend.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch chain id: %w", err)
	}
	wanted, err := web3.ParseQuantity(payload.ChainID)
	if err != nil {
		return "", err
	}
	if wanted.Cmp(chainID) != 0 {
		return "", fmt.Errorf("payload targets chain %s but the wallet is connected to %s", wanted, chainID)
	}

	if w.approve != nil {
		ok, err := w.approve(ctx, payload)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", txflow.ErrUserRejected
		}
	}

	tx, err := w.buildTransaction(ctx, chainID, payload)
	if err != nil {
		return "", err
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (w *KeyedWallet) buildTransaction(ctx context.Context, chainID *big.Int, payload envelope.Payload) (*coretypes.Transaction, error) {
	to := common.HexToAddress(payload.To)
	value, err := web3.ParseQuantity(payload.Value)
	if err != nil {
		return nil, err
	}
	var data []byte
	if payload.Data != "" {
		data = common.FromHex(payload.Data)
	}

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head.BaseFee == nil {
		return nil, errors.New("chain does not support dynamic fee transactions")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := w.backend.EstimateGas(ctx, gethcore.CallMsg{From: w.address, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}
