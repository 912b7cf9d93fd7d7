package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config 描述了 AutoDCA 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	LLM      LLMConfig      `json:"llm"`
	Web3     Web3Config     `json:"web3"`
	Grant    GrantConfig    `json:"grant"`
	Schedule ScheduleConfig `json:"schedule"`
	Audit    AuditConfig    `json:"audit"`
	Trail    TrailConfig    `json:"trail"`
	Tokens   []TokenConfig  `json:"tokens"`
}

// ServerConfig 控制 API 服务的监听地址等参数。MetricsAddress 为空
// 时不启动独立的指标端口。
type ServerConfig struct {
	Address        string `json:"address" env:"AUTODCA_SERVER_ADDR"`
	MetricsAddress string `json:"metrics_address" env:"AUTODCA_METRICS_ADDR"`
}

// LoggingConfig 控制日志输出与审查留痕文件。
type LoggingConfig struct {
	Level       string   `json:"level" env:"AUTODCA_LOG_LEVEL"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	TrailPath   string   `json:"trail_path"`
}

// StorageConfig 描述授权凭证与历史记录的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver" env:"AUTODCA_STORAGE_DRIVER"`
	MySQL  MySQLConfig `json:"mysql"`
	Redis  RedisConfig `json:"redis"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string `json:"dsn" env:"AUTODCA_MYSQL_DSN"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address" env:"AUTODCA_REDIS_ADDR"`
	Password  string `json:"password" env:"AUTODCA_REDIS_PASSWORD"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// LLMConfig 用于配置决策引擎背后的推理服务。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 兼容接口所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" env:"AUTODCA_OPENAI_API_KEY"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。执行私钥只接受
// 环境变量注入，不落盘。
type Web3Config struct {
	RPCURL        string `json:"rpc_url" env:"AUTODCA_RPC_URL"`
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	ExecutorKey   string `json:"-" env:"AUTODCA_EXECUTOR_KEY"`
	GrantRegistry string `json:"grant_registry"`
	SwapRouter    string `json:"swap_router"`
}

// GrantConfig 描述授权凭证的作用域与有效期。所有者私钥只接受
// 环境变量注入，不落盘。
type GrantConfig struct {
	TTLSeconds int64       `json:"ttl_seconds"`
	Scope      []ScopePair `json:"scope"`
	OwnerKey   string      `json:"-" env:"AUTODCA_OWNER_KEY"`
}

// ScopePair 表示允许调用的 (合约, 函数选择器) 组合。
type ScopePair struct {
	Target   string `json:"target"`
	Selector string `json:"selector"`
}

// ScheduleConfig 约束调度器的执行周期。
type ScheduleConfig struct {
	MinIntervalSeconds     int64 `json:"min_interval_seconds"`
	MaxIntervalSeconds     int64 `json:"max_interval_seconds"`
	DefaultIntervalSeconds int64 `json:"default_interval_seconds"`
}

// AuditConfig 提供审计流水线的阈值参数。
type AuditConfig struct {
	MaxDailySpend      float64  `json:"max_daily_spend"`
	MaxTradePortfolio  float64  `json:"max_trade_portfolio_pct"`
	MaxSlippageBps     int      `json:"max_slippage_bps"`
	WhaleAlertCount    int      `json:"whale_alert_count"`
	AllowedTargets     []string `json:"allowed_targets"`
	HistoryLimit       int      `json:"history_limit"`
	DecisionHistoryCap int      `json:"decision_history_cap"`
}

// TrailConfig 描述审查留痕的外部投递方式。
type TrailConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 投递参数。
type RabbitMQConfig struct {
	URL     string `json:"url" env:"AUTODCA_AMQP_URL"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// TokenConfig 描述一个可交易资产。
type TokenConfig struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	Native   bool   `json:"native"`
	Stable   bool   `json:"stable"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 环境变量优先于配置文件，便于容器化部署。
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "autodca"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Grant.TTLSeconds <= 0 {
		c.Grant.TTLSeconds = 7 * 24 * 3600
	}

	if c.Schedule.MinIntervalSeconds <= 0 {
		c.Schedule.MinIntervalSeconds = 60
	}
	if c.Schedule.MaxIntervalSeconds <= 0 {
		c.Schedule.MaxIntervalSeconds = 24 * 3600
	}
	if c.Schedule.DefaultIntervalSeconds <= 0 {
		c.Schedule.DefaultIntervalSeconds = 3600
	}

	if c.Audit.MaxTradePortfolio <= 0 {
		c.Audit.MaxTradePortfolio = 0.25
	}
	if c.Audit.MaxSlippageBps <= 0 {
		c.Audit.MaxSlippageBps = 100
	}
	if c.Audit.WhaleAlertCount <= 0 {
		c.Audit.WhaleAlertCount = 5
	}
	if c.Audit.HistoryLimit <= 0 {
		c.Audit.HistoryLimit = 50
	}
	if c.Audit.DecisionHistoryCap <= 0 {
		c.Audit.DecisionHistoryCap = 100
	}

	if c.Trail.Driver == "" {
		c.Trail.Driver = "log"
	}
	if c.Trail.RabbitMQ.Queue == "" {
		c.Trail.RabbitMQ.Queue = "autodca.trail"
	}

	if c.Logging.TrailPath != "" && !filepath.IsAbs(c.Logging.TrailPath) {
		c.Logging.TrailPath = filepath.Join(baseDir, c.Logging.TrailPath)
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
}

// OpenAITimeoutSeconds 返回 OpenAI 调用超时（秒），未配置时为 0。
func (c *OpenAIConfig) OpenAITimeoutSeconds() int {
	if c == nil || c.TimeoutSeconds < 0 {
		return 0
	}
	return c.TimeoutSeconds
}
