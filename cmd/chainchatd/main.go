package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"ChainChat/internal/agent"
	"ChainChat/internal/api"
	"ChainChat/internal/config"
	"ChainChat/internal/knowledge"
	"ChainChat/internal/llm/openai"
	"ChainChat/internal/observability/alerting"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/task"
	"ChainChat/internal/tools"
	"ChainChat/internal/web3/provider"
	"ChainChat/pkg/logger"
)

// main 是 ChainChat 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainchatd: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	configPath := os.Getenv("CHAINCHAT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainchat.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("chainchatd")

	if cfg.LLM.Provider != "openai" {
		return fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}
	model, err := openai.NewClient(openai.Config{
		APIKey:     cfg.LLM.OpenAI.APIKey,
		BaseURL:    cfg.LLM.OpenAI.BaseURL,
		Model:      cfg.LLM.OpenAI.Model,
		ImageModel: cfg.LLM.OpenAI.ImageModel,
		Timeout:    cfg.LLM.OpenAI.Timeout(),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	queue, err := openQueue(cfg.OutcomeQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("close outcome queue failed", slog.Any("error", err))
		}
	}()

	chains, err := provider.NewRegistry(ctx, cfg.Web3, time.Duration(cfg.Tools.TokenTTLMinutes)*time.Minute)
	if err != nil {
		return err
	}
	defer chains.Close()
	chain, err := chains.Default()
	if err != nil {
		return err
	}

	opts := []agent.Option{
		agent.WithRepository(repo),
		agent.WithImageGenerator(model),
		agent.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()),
		agent.WithToolTimeout(time.Duration(cfg.Tools.TimeoutSeconds) * time.Second),
		agent.WithToolClasses(cfg.Tools.Raw, cfg.Tools.Humanize),
		agent.WithDisabledTools(cfg.Tools.Disabled...),
		agent.WithSettings(tools.Settings{
			NativeSymbol:  chain.NativeSymbol,
			LendingPool:   cfg.Tools.LendingPool,
			Tokens:        cfg.Tools.Tokens,
			NFTIndexerURL: cfg.Tools.NFTIndexer.Endpoint,
			NFTCollection: cfg.Tools.NFTIndexer.Collection,
		}),
	}
	if agentAddr, ok, err := agentAddress(cfg.AgentKey()); err != nil {
		return err
	} else if ok {
		opts = append(opts, agent.WithAgentAddress(agentAddr))
	}
	if cfg.Knowledge.Source != "" {
		notes, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithKnowledgeProvider(notes))
	}
	dispatcher := agent.New(model, chain.Client, opts...)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}
	outcomes := task.NewService(repo, queue, cfg.OutcomeQueue.MaxRetries)
	processor := task.NewProcessor(repo, queue, queue,
		task.WithWorkerCount(cfg.OutcomeQueue.Worker),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("outcome processor stopped", slog.Any("error", err))
		}
	}()

	serverOpts := []api.Option{
		api.WithRateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst,
			time.Duration(cfg.Server.RateLimit.IdleSeconds)*time.Second),
		api.WithTimeouts(time.Duration(cfg.Server.ReadHeaderTimeoutSecs)*time.Second,
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second),
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Address != "" {
			go func() {
				if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("metrics server stopped", slog.Any("error", err))
				}
			}()
		} else {
			serverOpts = append(serverOpts, api.WithMetrics(cfg.Metrics.Path, metrics.Handler()))
		}
	}

	log.Info("chainchatd starting",
		slog.String("addr", cfg.Server.Address),
		slog.String("chain", strings.Join(chains.Chains(), ",")),
		slog.String("dispatch_store", cfg.Storage.DispatchStore.Driver),
		slog.String("outcome_queue", cfg.OutcomeQueue.Driver),
	)
	server := api.NewServer(cfg.Server.Address, dispatcher, outcomes, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config) (mysql.DispatchRepository, func(), error) {
	store := cfg.Storage.DispatchStore
	switch store.Driver {
	case "memory", "":
		repo, err := mysql.NewMemoryDispatchRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	case "mysql":
		repo, err := mysql.NewSQLDispatchRepository(ctx, mysql.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(store.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatch store driver: %s", store.Driver)
	}
}

func openQueue(cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("unknown outcome queue driver: %s", cfg.Driver)
	}
}

// agentAddress 从代理私钥推导地址，未配置私钥时返回 ok=false。
func agentAddress(hexKey string) (common.Address, bool, error) {
	if hexKey == "" {
		return common.Address{}, false, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, false, fmt.Errorf("parse agent key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), true, nil
}
