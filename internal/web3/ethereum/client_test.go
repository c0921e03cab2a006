package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"ChainChat/internal/web3"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
)

func newSimulatedChain(t *testing.T) (*simulated.Backend, *Client, *KeyedWallet) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))},
	})
	t.Cleanup(func() { _ = sim.Close() })

	client := NewBackendClient(Config{Name: "simulated", PollInterval: 10 * time.Millisecond}, sim.Client())
	t.Cleanup(client.Close)
	return sim, client, NewWalletFromKey(key, sim.Client())
}

func TestSnapshotAndTransferFinality(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim, client, wallet := newSimulatedChain(t)

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "1337" || snapshot.Name != "simulated" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	hash, err := wallet.SignAndSubmit(ctx, envelope.Payload{
		ChainID: "1337",
		From:    wallet.Address().Hex(),
		To:      recipient.Hex(),
		Value:   "1000",
	})
	if err != nil {
		t.Fatalf("sign and submit: %v", err)
	}
	sim.Commit()

	if err := client.AwaitFinality(ctx, hash); err != nil {
		t.Fatalf("await finality: %v", err)
	}
	balance, err := client.Balance(ctx, recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 1000 {
		t.Fatalf("unexpected recipient balance %s", balance)
	}

	after, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if after.BlockNumber <= snapshot.BlockNumber {
		t.Fatalf("expected block number to advance, got %d", after.BlockNumber)
	}
}

func TestWalletRejectsWrongChain(t *testing.T) {
	_, _, wallet := newSimulatedChain(t)
	_, err := wallet.SignAndSubmit(context.Background(), envelope.Payload{ChainID: "1", To: "0x01", Value: "1"})
	if err == nil {
		t.Fatalf("expected chain mismatch error")
	}
}

func TestWalletApproverDecline(t *testing.T) {
	_, _, wallet := newSimulatedChain(t)
	wallet.approve = func(context.Context, envelope.Payload) (bool, error) { return false, nil }

	_, err := wallet.SignAndSubmit(context.Background(), envelope.Payload{ChainID: "1337", To: "0x01", Value: "1"})
	if !errors.Is(err, txflow.ErrUserRejected) {
		t.Fatalf("expected user rejection, got %v", err)
	}
}

func TestAwaitFinalityHonoursContext(t *testing.T) {
	_, client, wallet := newSimulatedChain(t)

	hash, err := wallet.SignAndSubmit(context.Background(), envelope.Payload{ChainID: "1337", To: "0x00000000000000000000000000000000000000bb", Value: "1"})
	if err != nil {
		t.Fatalf("sign and submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.AwaitFinality(ctx, hash); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded without a mined block, got %v", err)
	}
	if err := client.AwaitFinality(context.Background(), "0xnothash"); err == nil {
		t.Fatalf("expected invalid hash error")
	}
}

type stubBackend struct {
	calls   map[string]int
	receipt *coretypes.Receipt
}

func (s *stubBackend) ChainID(context.Context) (*big.Int, error)   { return big.NewInt(5), nil }
func (s *stubBackend) BlockNumber(context.Context) (uint64, error) { return 9, nil }
func (s *stubBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := web3.ERC20ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	s.calls[method.Name]++
	switch method.Name {
	case "symbol":
		return method.Outputs.Pack("USDC")
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	case "balanceOf":
		return method.Outputs.Pack(big.NewInt(2_500_000))
	}
	return nil, errors.New("unexpected method")
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	if s.receipt == nil {
		return nil, gethcore.NotFound
	}
	return s.receipt, nil
}

func TestTokenMetadataIsCached(t *testing.T) {
	stub := &stubBackend{calls: map[string]int{}}
	client := NewBackendClient(Config{Name: "stub"}, stub)
	token := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	for i := 0; i < 3; i++ {
		meta, err := client.TokenMetadata(context.Background(), token)
		if err != nil {
			t.Fatalf("token metadata: %v", err)
		}
		if meta.Symbol != "USDC" || meta.Decimals != 6 {
			t.Fatalf("unexpected metadata %+v", meta)
		}
	}
	if stub.calls["symbol"] != 1 || stub.calls["decimals"] != 1 {
		t.Fatalf("metadata should be fetched once, calls=%v", stub.calls)
	}

	balance, err := client.TokenBalance(context.Background(), token, common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if web3.FormatUnits(balance, 6) != "2.5" {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestWaitForTransactionReverted(t *testing.T) {
	stub := &stubBackend{
		calls:   map[string]int{},
		receipt: &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(3)},
	}
	client := NewBackendClient(Config{Name: "stub", PollInterval: time.Millisecond}, stub)

	_, err := client.WaitForTransaction(context.Background(), common.HexToHash("0x01"))
	if !errors.Is(err, web3.ErrTransactionReverted) {
		t.Fatalf("expected revert error, got %v", err)
	}
}
