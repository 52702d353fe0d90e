package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 copild 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Chain     ChainConfig     `json:"chain"`
	Signing   SigningConfig   `json:"signing"`
	Market    MarketConfig    `json:"market"`
	Notify    NotifyConfig    `json:"notify"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述工作流、执行记录与会话密钥的存储后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述触发后派发执行所使用的队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Workers  int            `json:"workers"`
}

// RedisConfig Redis 连接参数。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// SchedulerConfig 控制触发器轮询的节奏。
type SchedulerConfig struct {
	Interval  Duration `json:"interval"`
	BatchSize int      `json:"batch_size"`
}

// ChainConfig 描述链上访问层的配置。
type ChainConfig struct {
	ChainsFile string           `json:"chains_file"`
	OneBalance OneBalanceConfig `json:"onebalance"`
	Breaker    BreakerConfig    `json:"breaker"`
}

// OneBalanceConfig 主结算服务的 HTTP 接入参数。
type OneBalanceConfig struct {
	BaseURL string   `json:"base_url"`
	APIKey  string   `json:"api_key"`
	Timeout Duration `json:"timeout"`
}

// BreakerConfig 熔断器阈值。
type BreakerConfig struct {
	FailMax      int      `json:"fail_max"`
	ResetTimeout Duration `json:"reset_timeout"`
}

// SigningConfig 会话密钥保管配置。OperatorKeyHex 是可选的链上
// 注册操作员私钥，缺省时注册走结算服务商。
type SigningConfig struct {
	VaultKeyHex    string `json:"vault_key_hex"`
	OperatorKeyHex string `json:"operator_key_hex"`
}

// MarketConfig 价格源配置。FeedPairs 把资产名映射到链上喂价的
// 交易对名称，FeedChain 指定读取喂价所用的链。
type MarketConfig struct {
	CoinGeckoBaseURL string            `json:"coingecko_base_url"`
	Timeout          Duration          `json:"timeout"`
	FeedChain        string            `json:"feed_chain"`
	FeedPairs        map[string]string `json:"feed_pairs"`
}

// NotifyConfig 告警与通知配置。
type NotifyConfig struct {
	FailureWebhookURL string `json:"failure_webhook_url"`
}

// LoggingConfig 日志配置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Duration 允许配置文件中使用 "30s" 这样的时长字符串。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("解析时长失败: %w", err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("不支持的时长类型: %T", raw)
	}
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load 解析指定路径的 JSON 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
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

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "copil:dispatch"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "copil.dispatch"
	}

	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = Duration(30 * time.Second)
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 100
	}

	if c.Chain.ChainsFile == "" {
		c.Chain.ChainsFile = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.ChainsFile) {
		c.Chain.ChainsFile = filepath.Join(baseDir, c.Chain.ChainsFile)
	}
	if c.Chain.OneBalance.Timeout <= 0 {
		c.Chain.OneBalance.Timeout = Duration(15 * time.Second)
	}
	if c.Chain.Breaker.FailMax <= 0 {
		c.Chain.Breaker.FailMax = 3
	}
	if c.Chain.Breaker.ResetTimeout <= 0 {
		c.Chain.Breaker.ResetTimeout = Duration(60 * time.Second)
	}

	if c.Market.CoinGeckoBaseURL == "" {
		c.Market.CoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.Market.Timeout <= 0 {
		c.Market.Timeout = Duration(10 * time.Second)
	}
	if len(c.Market.FeedPairs) == 0 {
		c.Market.FeedPairs = map[string]string{
			"ethereum": "ETH/USD",
			"bitcoin":  "BTC/USD",
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
