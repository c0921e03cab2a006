package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	server          string
	rpcURL          string
	keyEnv          string
	redisAddr       string
	finalityTimeout time.Duration
	autoApprove     bool
	noColor         bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "chainchat [prompt]",
		Short: "Chat with the ChainChat agent from a terminal",
		Long: `Start an interactive chat session with a ChainChat server.

Transactions proposed by the agent are shown for approval, signed with the
key found in the configured environment variable and submitted to the chain.
Each terminal outcome is reported back to the server.

Examples:
  chainchat --server http://localhost:8080 --rpc http://127.0.0.1:8545
  chainchat "what is my balance?"`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer session.Close()
			if len(args) > 0 {
				return session.Turn(cmd.Context(), joinArgs(args))
			}
			return session.Loop(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", envOr("CHAINCHAT_SERVER", "http://localhost:8080"), "ChainChat server base URL")
	flags.StringVar(&opts.rpcURL, "rpc", envOr("CHAINCHAT_RPC_URL", "http://127.0.0.1:8545"), "EVM JSON-RPC endpoint used to sign and track transactions")
	flags.StringVar(&opts.keyEnv, "key-env", "CHAINCHAT_WALLET_KEY", "environment variable holding the wallet private key")
	flags.StringVar(&opts.redisAddr, "redis", os.Getenv("CHAINCHAT_REDIS_ADDR"), "keep transaction state in Redis instead of memory")
	flags.DurationVar(&opts.finalityTimeout, "finality-timeout", 2*time.Minute, "how long to wait for a transaction to be mined, 0 waits forever")
	flags.BoolVar(&opts.autoApprove, "yes", false, "sign every proposed transaction without asking")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
