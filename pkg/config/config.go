// Package config 提供 TOML 配置加载、环境变量覆盖与校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 经纪人配置
	Broker BrokerConfig `mapstructure:"broker"`
	// 消息传输
	Transport TransportConfig `mapstructure:"transport"`
	// 目录服务
	Directory DirectoryConfig `mapstructure:"directory"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 限流配置
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// 进程内模拟零售商
	Retailers []RetailerConfig `mapstructure:"retailers"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// BrokerConfig 经纪人代理配置
type BrokerConfig struct {
	// 代理 ID
	AgentID string `mapstructure:"agent_id"`
	// 展示名称
	Name string `mapstructure:"name"`
	// 价格历史容量
	HistoryCapacity int `mapstructure:"history_capacity"`
	// 模拟处理延迟（毫秒），0 表示立即处理
	ProcessingDelayMs int `mapstructure:"processing_delay_ms"`
	// 转发默认超时（毫秒）
	PurchaseTimeoutMs int `mapstructure:"purchase_timeout_ms"`
	// 询价结果缓存条数
	SelectionCacheSize int `mapstructure:"selection_cache_size"`
	// HTTP 客户端代理 ID
	HomeAgentID string `mapstructure:"home_agent_id"`
}

// ProcessingDelay 处理延迟
func (b BrokerConfig) ProcessingDelay() time.Duration {
	return time.Duration(b.ProcessingDelayMs) * time.Millisecond
}

// PurchaseTimeout 转发超时
func (b BrokerConfig) PurchaseTimeout() time.Duration {
	return time.Duration(b.PurchaseTimeoutMs) * time.Millisecond
}

// TransportConfig 消息传输配置
type TransportConfig struct {
	// 驱动：memory, kafka
	Driver string `mapstructure:"driver"`
	// 进程内收件箱缓冲
	BufferSize int `mapstructure:"buffer_size"`
}

// DirectoryConfig 目录服务配置
type DirectoryConfig struct {
	// 驱动：memory, redis
	Driver string `mapstructure:"driver"`
	// Redis key 前缀
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// 代理收件箱 topic 前缀
	TopicPrefix string `mapstructure:"topic_prefix"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 消费者超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	// 写入重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	// 日志级别
	Level string `mapstructure:"level"`
	// 输出格式
	Format string `mapstructure:"format"`
	// 输出目标
	Output string `mapstructure:"output"`
	// 文件路径
	FilePath string `mapstructure:"file_path"`
	// 最大文件大小（MB）
	MaxSize int `mapstructure:"max_size"`
	// 最大备份文件数
	MaxBackups int `mapstructure:"max_backups"`
	// 最大保留天数
	MaxAge int `mapstructure:"max_age"`
	// 是否压缩
	Compress bool `mapstructure:"compress"`
	// 是否输出调用者信息
	WithCaller bool `mapstructure:"with_caller"`
	// 是否输出活动日志到控制台
	Activity bool `mapstructure:"activity"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// 独立 Prometheus 端口，0 表示挂在 HTTP 服务上
	Port int `mapstructure:"port"`
	// 指标路径
	Path string `mapstructure:"path"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// 驱动：local, redis
	Driver string `mapstructure:"driver"`
	// 每秒请求数
	QPS int `mapstructure:"qps"`
	// 突发量
	Burst int `mapstructure:"burst"`
}

// RetailerConfig 模拟零售商
type RetailerConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	SellPrice int    `mapstructure:"sell_price"`
	BuyPrice  int    `mapstructure:"buy_price"`
	Units     int    `mapstructure:"units"`
	// 报价刷新间隔（毫秒）
	QuoteIntervalMs int `mapstructure:"quote_interval_ms"`
	// 单次价格波动上限（百分比）
	Volatility float64 `mapstructure:"volatility"`
}

// QuoteInterval 报价刷新间隔
func (r RetailerConfig) QuoteInterval() time.Duration {
	return time.Duration(r.QuoteIntervalMs) * time.Millisecond
}

// Load 从 TOML 文件加载配置，支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// LoadWithDefaults 从 TOML 文件加载配置，文件不存在时完全使用默认值
func LoadWithDefaults(configPath string) (*Config, error) {
	v := newViper()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	// 环境变量：APP_BROKER_AGENT_ID 覆盖 broker.agent_id
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Broker.AgentID == "" {
		return fmt.Errorf("broker.agent_id is required")
	}
	if c.Broker.HistoryCapacity <= 0 {
		return fmt.Errorf("broker.history_capacity must be positive: %d", c.Broker.HistoryCapacity)
	}
	if c.Broker.PurchaseTimeoutMs <= 0 {
		return fmt.Errorf("broker.purchase_timeout_ms must be positive: %d", c.Broker.PurchaseTimeoutMs)
	}
	if c.Broker.ProcessingDelayMs < 0 {
		return fmt.Errorf("broker.processing_delay_ms must not be negative")
	}
	switch c.Transport.Driver {
	case "memory":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for kafka transport")
		}
	default:
		return fmt.Errorf("unknown transport driver: %q", c.Transport.Driver)
	}
	switch c.Directory.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown directory driver: %q", c.Directory.Driver)
	}
	if c.Directory.Driver == "memory" && c.Transport.Driver == "kafka" {
		return fmt.Errorf("kafka transport requires a shared directory (redis)")
	}
	seen := make(map[string]bool, len(c.Retailers))
	for i, r := range c.Retailers {
		if r.ID == "" {
			return fmt.Errorf("retailers[%d].id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate retailer id: %s", r.ID)
		}
		seen[r.ID] = true
		if r.SellPrice <= 0 || r.BuyPrice <= 0 || r.Units < 0 {
			return fmt.Errorf("retailer %s: prices must be positive and units non-negative", r.ID)
		}
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "commodity-broker")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("broker.agent_id", "broker")
	v.SetDefault("broker.name", "Broker")
	v.SetDefault("broker.history_capacity", 100)
	v.SetDefault("broker.processing_delay_ms", 0)
	v.SetDefault("broker.purchase_timeout_ms", 5000)
	v.SetDefault("broker.selection_cache_size", 1024)
	v.SetDefault("broker.home_agent_id", "home")

	v.SetDefault("transport.driver", "memory")
	v.SetDefault("transport.buffer_size", 256)

	v.SetDefault("directory.driver", "memory")
	v.SetDefault("directory.key_prefix", "directory")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.topic_prefix", "agents.")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)
	v.SetDefault("logger.activity", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 0)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.driver", "local")
	v.SetDefault("rate_limit.qps", 50)
	v.SetDefault("rate_limit.burst", 100)
}
