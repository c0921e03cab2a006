package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 ChainChat 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig    `json:"server" yaml:"server"`
	Storage      StorageConfig   `json:"storage" yaml:"storage"`
	OutcomeQueue QueueConfig     `json:"outcome_queue" yaml:"outcome_queue"`
	LLM          LLMConfig       `json:"llm" yaml:"llm"`
	Web3         Web3Config      `json:"web3" yaml:"web3"`
	Tools        ToolsConfig     `json:"tools" yaml:"tools"`
	Knowledge    KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Logging      LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics      MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerting     AlertingConfig  `json:"alerting" yaml:"alerting"`
	Runtime      RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与限流参数。
type ServerConfig struct {
	Address                string          `json:"address" yaml:"address"`
	ReadHeaderTimeoutSecs  int             `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int             `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	RateLimit              RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig 按钱包地址限制聊天请求频率，RequestsPerSecond 为 0 时关闭。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	IdleSeconds       int     `json:"idle_seconds" yaml:"idle_seconds"`
}

// StorageConfig 描述调度记录的持久化后端。
type StorageConfig struct {
	DispatchStore DispatchStoreConfig `json:"dispatch_store" yaml:"dispatch_store"`
}

// DispatchStoreConfig 支持 memory 与 mysql 两种驱动。
type DispatchStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述交易结果回报队列。
type QueueConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Worker int    `json:"worker" yaml:"worker"`
	Buffer int    `json:"buffer" yaml:"buffer"`
	// MaxRetries 是存储失败时单条回报的最大投递次数。
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Queue     string `json:"queue" yaml:"queue"`
	BlockWait int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	ImageModel     string `json:"image_model" yaml:"image_model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次模型调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	NativeSymbol string `json:"native_symbol" yaml:"native_symbol"`
	AgentKeyEnv  string `json:"agent_key_env" yaml:"agent_key_env"`
}

// ToolsConfig 控制工具目录与后处理分类。
type ToolsConfig struct {
	Raw             []string          `json:"raw" yaml:"raw"`
	Humanize        []string          `json:"humanize" yaml:"humanize"`
	Disabled        []string          `json:"disabled" yaml:"disabled"`
	LendingPool     string            `json:"lending_pool" yaml:"lending_pool"`
	Tokens          map[string]string `json:"tokens" yaml:"tokens"`
	NFTIndexer      NFTIndexerConfig  `json:"nft_indexer" yaml:"nft_indexer"`
	TimeoutSeconds  int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	TokenTTLMinutes int               `json:"token_ttl_minutes" yaml:"token_ttl_minutes"`
}

// NFTIndexerConfig 指向 GraphQL NFT 索引服务。
type NFTIndexerConfig struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	Collection string `json:"collection" yaml:"collection"`
}

// KnowledgeConfig 指向附加到系统提示词的参考资料文件（JSON 或 YAML）。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig 控制 /metrics 端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	// Address 非空时在独立端口暴露指标，否则挂载在 API 服务上。
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 配置回报处理失败时的告警渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 5
	}
	if c.Server.RateLimit.IdleSeconds <= 0 {
		c.Server.RateLimit.IdleSeconds = 600
	}

	if c.Storage.DispatchStore.Driver == "" {
		c.Storage.DispatchStore.Driver = "memory"
	}

	if c.OutcomeQueue.Driver == "" {
		c.OutcomeQueue.Driver = "memory"
	}
	if c.OutcomeQueue.Worker <= 0 {
		c.OutcomeQueue.Worker = 2
	}
	if c.OutcomeQueue.Buffer <= 0 {
		c.OutcomeQueue.Buffer = 1024
	}
	if c.OutcomeQueue.MaxRetries <= 0 {
		c.OutcomeQueue.MaxRetries = 3
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Web3.NativeSymbol == "" {
		c.Web3.NativeSymbol = "ETH"
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source)
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Tools.TimeoutSeconds <= 0 {
		c.Tools.TimeoutSeconds = 30
	}
	if c.Tools.TokenTTLMinutes <= 0 {
		c.Tools.TokenTTLMinutes = 30
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// resolveSecrets 从环境变量中读取未直接写入配置文件的密钥。
func (c *Config) resolveSecrets() error {
	if strings.TrimSpace(c.LLM.OpenAI.APIKey) == "" {
		c.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv))
	}
	if c.Storage.DispatchStore.DSN == "" && c.Storage.DispatchStore.DSNEnv != "" {
		c.Storage.DispatchStore.DSN = strings.TrimSpace(os.Getenv(c.Storage.DispatchStore.DSNEnv))
	}
	if c.Storage.DispatchStore.Driver == "mysql" && c.Storage.DispatchStore.DSN == "" {
		return errors.New("dispatch_store driver mysql requires dsn or dsn_env")
	}
	return nil
}

// AgentKey 返回代理账户私钥，未配置时返回空串。
func (c *Config) AgentKey() string {
	if c.Web3.AgentKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.Web3.AgentKeyEnv))
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
