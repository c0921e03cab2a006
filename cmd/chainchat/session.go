package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/fatih/color"

	"ChainChat/internal/web3/ethereum"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/logger"
	"ChainChat/pkg/router"
	"ChainChat/pkg/txflow"
	"ChainChat/sdk/go/chainchat"
)

// session 保存一次终端对话的全部状态。
type session struct {
	in         *bufio.Reader
	out        io.Writer
	api        *chainchat.Client
	wallet     *ethereum.KeyedWallet
	ledger     *ethereum.Client
	backend    *ethclient.Client
	machine    *txflow.Machine
	transcript *txflow.Transcript
	history    []chainchat.Message
	closers    []func()
}

func newSession(ctx context.Context, opts *options, in io.Reader, out io.Writer) (*session, error) {
	logger.Discard()
	if opts.noColor {
		color.NoColor = true
	}

	key := strings.TrimSpace(os.Getenv(opts.keyEnv))
	if key == "" {
		return nil, fmt.Errorf("wallet key is not set, export %s", opts.keyEnv)
	}
	api, err := chainchat.NewClient(opts.server, nil)
	if err != nil {
		return nil, err
	}

	s := &session{in: bufio.NewReader(in), out: out, api: api, transcript: txflow.NewTranscript()}

	s.backend, err = ethclient.DialContext(ctx, opts.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	s.closers = append(s.closers, s.backend.Close)
	s.ledger = ethereum.NewBackendClient(ethereum.Config{Name: "cli", RPCURL: opts.rpcURL}, s.backend)

	walletOpts := []ethereum.WalletOption{}
	if !opts.autoApprove {
		walletOpts = append(walletOpts, ethereum.WithApprover(s.approve))
	}
	s.wallet, err = ethereum.NewKeyedWallet(key, s.backend, walletOpts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	machineOpts := []txflow.Option{
		txflow.WithTranscript(s.transcript),
		txflow.WithNotifier(api),
		txflow.WithFinalityTimeout(opts.finalityTimeout),
	}
	if opts.redisAddr != "" {
		store, err := txflow.NewRedisStore(ctx, txflow.RedisStoreConfig{Address: opts.redisAddr})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		machineOpts = append(machineOpts, txflow.WithStore(store))
	}
	s.machine = txflow.NewMachine(s.wallet, s.ledger, machineOpts...)
	return s, nil
}

// Close 释放连接。
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Loop 读取用户输入直到 EOF、exit 或 ctx 结束。
func (s *session) Loop(ctx context.Context) error {
	fmt.Fprintf(s.out, "connected as %s, type exit to quit\n", s.wallet.Address().Hex())
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(s.out, promptStyle.Sprint("> "))
		line, err := s.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		prompt := strings.TrimSpace(line)
		switch {
		case prompt == "exit" || prompt == "quit":
			return nil
		case prompt != "":
			if turnErr := s.Turn(ctx, prompt); turnErr != nil {
				fmt.Fprintln(s.out, errorStyle.Sprint(turnErr.Error()))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// Turn 发送一轮对话，渲染回复，并在回复携带交易时驱动状态机。
func (s *session) Turn(ctx context.Context, prompt string) error {
	s.transcript.Append("", "user", prompt)
	s.history = append(s.history, chainchat.Message{Role: "user", Content: prompt})

	env, err := s.api.Chat(ctx, chainchat.ChatRequest{
		Messages: s.history,
		Account:  &chainchat.Account{Address: s.wallet.Address().Hex()},
	})
	if err != nil {
		s.history = s.history[:len(s.history)-1]
		if chainchat.IsRateLimited(err) {
			return errors.New("slow down, the server is rate limiting this wallet")
		}
		return err
	}
	if env.Role == "" {
		env.Role = envelope.RoleAssistant
	}
	msg := s.transcript.Append(env.ID, env.Role, env.Encode())
	s.history = append(s.history, chainchat.Message{Role: env.Role, Content: env.ResponseText()})

	s.render(ctx, msg.ID)
	if _, ran := s.machine.Observe(ctx, msg); ran {
		s.render(ctx, msg.ID)
	}
	return nil
}

func (s *session) render(ctx context.Context, id string) {
	msg, ok := s.transcript.Get(id)
	if !ok {
		return
	}
	snap := txflow.Snapshot{ID: msg.ID, Role: msg.Role, Content: msg.Content()}
	printView(s.out, router.Render(snap, s.machine.State(ctx, id)))
}

// approve 展示待签名交易并等待用户确认。
func (s *session) approve(_ context.Context, payload envelope.Payload) (bool, error) {
	printPayload(s.out, payload)
	fmt.Fprint(s.out, promptStyle.Sprint("sign and send? [y/N] "))
	answer, err := s.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
