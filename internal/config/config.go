package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"listen-engine/pkg/logger"
)

// EnvConfigPath 是未通过命令行指定配置文件时读取的环境变量。
const EnvConfigPath = "LISTEN_CONFIG"

// Config 描述了 listen-engine 在启动阶段需要加载的全部配置。
type Config struct {
	Engine    EngineConfig    `json:"engine"`
	Store     StoreConfig     `json:"store"`
	Feed      FeedConfig      `json:"feed"`
	Chains    ChainsConfig    `json:"chains"`
	Solana    SolanaConfig    `json:"solana"`
	Bridge    BridgeConfig    `json:"bridge"`
	Custody   CustodyConfig   `json:"custody"`
	Approvals ApprovalsConfig `json:"approvals"`
	Notify    NotifyConfig    `json:"notify"`
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       logger.Config   `json:"log"`
}

// EngineConfig 控制调度循环的参数。
type EngineConfig struct {
	BatchSize       int `json:"batch_size"`
	TickBuffer      int `json:"tick_buffer"`
	CommandBuffer   int `json:"command_buffer"`
	DrainIntervalMS int `json:"drain_interval_ms"`
}

// DrainInterval 返回停机轮询间隔。
func (c EngineConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalMS) * time.Millisecond
}

// StoreConfig 选择流水线存储后端。
type StoreConfig struct {
	Driver string           `json:"driver"`
	Redis  RedisStoreConfig `json:"redis"`
	MySQL  MySQLConfig      `json:"mysql"`
}

// RedisStoreConfig 描述 Redis 存储连接。
type RedisStoreConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	Prefix      string `json:"prefix"`
}

// MySQLConfig 描述 MySQL 存储连接。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// FeedConfig 选择价格订阅通道。
type FeedConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisFeed      `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisFeed 描述 Redis 发布订阅。地址为空时复用存储的 Redis 连接参数。
type RedisFeed struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	URLEnv     string `json:"url_env"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ChainsConfig 指定链定义文件与按 CAIP-2 覆盖的 RPC 地址。
type ChainsConfig struct {
	DefinitionsPath string            `json:"definitions_path"`
	RPCURLs         map[string]string `json:"rpc_urls"`
}

// SolanaConfig 控制 blockhash 缓存。
type SolanaConfig struct {
	RPCURL                 string `json:"rpc_url"`
	RefreshIntervalSeconds int    `json:"refresh_interval_seconds"`
	MaxAgeSeconds          int    `json:"max_age_seconds"`
}

// BridgeConfig 描述跨链报价服务。
type BridgeConfig struct {
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key"`
	APIKeyEnv  string  `json:"api_key_env"`
	Integrator string  `json:"integrator"`
	Slippage   float64 `json:"slippage"`
}

// CustodyConfig 描述托管钱包服务。
type CustodyConfig struct {
	BaseURL      string `json:"base_url"`
	AppID        string `json:"app_id"`
	AppSecret    string `json:"app_secret"`
	AppSecretEnv string `json:"app_secret_env"`
}

// ApprovalsConfig 控制授权交易是否等待上链确认。
type ApprovalsConfig struct {
	WaitForConfirmation bool `json:"wait_for_confirmation"`
	PollIntervalMS      int  `json:"poll_interval_ms"`
	TimeoutSeconds      int  `json:"timeout_seconds"`
}

// NotifyConfig 控制通知与告警的投递渠道。
type NotifyConfig struct {
	RedisChannel string `json:"redis_channel"`
	DisableRedis bool   `json:"disable_redis"`
}

// ServerConfig 控制命令 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址，为空时不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。path 为空时读取 LISTEN_CONFIG。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
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

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = 10
	}
	if c.Engine.TickBuffer <= 0 {
		c.Engine.TickBuffer = 1000
	}
	if c.Engine.CommandBuffer <= 0 {
		c.Engine.CommandBuffer = 32
	}
	if c.Engine.DrainIntervalMS <= 0 {
		c.Engine.DrainIntervalMS = 100
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "redis"
	}
	if c.Store.Redis.Address == "" {
		c.Store.Redis.Address = "127.0.0.1:6379"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "pipeline:"
	}
	fromEnv(&c.Store.Redis.Password, c.Store.Redis.PasswordEnv)
	fromEnv(&c.Store.MySQL.DSN, c.Store.MySQL.DSNEnv)

	if c.Feed.Driver == "" {
		c.Feed.Driver = "redis"
	}
	if c.Feed.Redis.Address == "" {
		c.Feed.Redis.Address = c.Store.Redis.Address
		c.Feed.Redis.Password = c.Store.Redis.Password
		c.Feed.Redis.DB = c.Store.Redis.DB
	}
	if c.Feed.Redis.Channel == "" {
		c.Feed.Redis.Channel = "price_updates"
	}
	if c.Feed.RabbitMQ.Queue == "" {
		c.Feed.RabbitMQ.Queue = "listen.price_updates"
	}
	if c.Feed.RabbitMQ.Prefetch <= 0 {
		c.Feed.RabbitMQ.Prefetch = 100
	}
	fromEnv(&c.Feed.RabbitMQ.URL, c.Feed.RabbitMQ.URLEnv)

	if c.Chains.DefinitionsPath != "" && !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}

	if c.Solana.RPCURL == "" {
		c.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if c.Solana.RefreshIntervalSeconds <= 0 {
		c.Solana.RefreshIntervalSeconds = 5
	}
	if c.Solana.MaxAgeSeconds <= 0 {
		c.Solana.MaxAgeSeconds = 20
	}

	if c.Bridge.BaseURL == "" {
		c.Bridge.BaseURL = "https://li.quest"
	}
	fromEnv(&c.Bridge.APIKey, c.Bridge.APIKeyEnv)
	fromEnv(&c.Custody.AppSecret, c.Custody.AppSecretEnv)

	if c.Approvals.PollIntervalMS <= 0 {
		c.Approvals.PollIntervalMS = 2000
	}
	if c.Approvals.TimeoutSeconds <= 0 {
		c.Approvals.TimeoutSeconds = 120
	}

	if c.Notify.RedisChannel == "" {
		c.Notify.RedisChannel = "pipeline_notifications"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":6966"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}
}

// Validate 校验驱动取值与必填字段。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "memory":
	case "mysql":
		if strings.TrimSpace(c.Store.MySQL.DSN) == "" {
			return errors.New("store.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动 %q", c.Store.Driver)
	}
	switch c.Feed.Driver {
	case "redis":
	case "rabbitmq":
		if strings.TrimSpace(c.Feed.RabbitMQ.URL) == "" {
			return errors.New("feed.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的价格订阅驱动 %q", c.Feed.Driver)
	}
	if strings.TrimSpace(c.Custody.BaseURL) == "" {
		return errors.New("custody.base_url 不能为空")
	}
	return nil
}

func fromEnv(dst *string, env string) {
	if *dst != "" || env == "" {
		return
	}
	*dst = os.Getenv(env)
}
