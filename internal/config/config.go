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
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "PROOF_CONFIG"

// DefaultPath 为未设置环境变量时的配置文件路径。
const DefaultPath = "configs/proofd.json"

// Config 描述了证明服务在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Ledger     LedgerConfig     `json:"ledger"`
	Commit     CommitConfig     `json:"commit"`
	Retry      RetryConfig      `json:"retry"`
	Hashing    HashingConfig    `json:"hashing"`
	Metadata   MetadataConfig   `json:"metadata"`
	Storage    StorageConfig    `json:"storage"`
	Cache      CacheConfig      `json:"cache"`
	Reconcile  ReconcileConfig  `json:"reconcile"`
	Credential CredentialConfig `json:"credential"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	MaxBodyBytes        int64  `json:"max_body_bytes"`
}

// LedgerConfig 指向账本定义文件以及默认账本。
type LedgerConfig struct {
	Definitions string `json:"definitions"`
	Default     string `json:"default"`
}

// CommitConfig 控制提交时是否等待最终确认。
type CommitConfig struct {
	WaitForConfirmation bool `json:"wait_for_confirmation"`
	TimeoutSeconds      int  `json:"timeout_seconds"`
	PollIntervalMillis  int  `json:"poll_interval_millis"`
}

// Timeout 返回等待确认的超时时间。
func (c CommitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval 返回轮询确认状态的间隔。
func (c CommitConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// RetryConfig 描述瞬时网络错误的重试策略。
type RetryConfig struct {
	MaxAttempts          int     `json:"max_attempts"`
	InitialBackoffMillis int     `json:"initial_backoff_millis"`
	MaxBackoffMillis     int     `json:"max_backoff_millis"`
	Multiplier           float64 `json:"multiplier"`
	Jitter               float64 `json:"jitter"`
}

// InitialBackoff 返回首次重试前的等待时间。
func (c RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMillis) * time.Millisecond
}

// MaxBackoff 返回重试等待的上限。
func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMillis) * time.Millisecond
}

// HashingConfig 指定哈希前的文本规范化策略。
type HashingConfig struct {
	Normalization string `json:"normalization"`
}

// MetadataConfig 提供每条证明记录默认携带的描述信息。
type MetadataConfig struct {
	Project      string `json:"project"`
	ProofType    string `json:"proof_type"`
	Author       string `json:"author"`
	Organization string `json:"organization"`
}

// StorageConfig 描述本地回执存储。
type StorageConfig struct {
	Receipts ReceiptStoreConfig `json:"receipts"`
}

// ReceiptStoreConfig 支持 memory（JSON 行文件）与 mysql 两种驱动。
type ReceiptStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// CacheConfig 控制账本记录读取缓存。
type CacheConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// ReconcileConfig 控制 PENDING/INDETERMINATE 回执的对账。
type ReconcileConfig struct {
	Enabled         bool           `json:"enabled"`
	Queue           string         `json:"queue"`
	QueueName       string         `json:"queue_name"`
	Workers         int            `json:"workers"`
	IntervalSeconds int            `json:"interval_seconds"`
	MaxAgeSeconds   int            `json:"max_age_seconds"`
	Redis           RedisConfig    `json:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL string `json:"url"`
}

// CredentialConfig 描述签名私钥的来源。
type CredentialConfig struct {
	KeyEnv  string `json:"key_env"`
	KeyFile string `json:"key_file"`
}

// AlertingConfig 控制篡改告警的投递。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// TelemetryConfig 控制 OTLP 指标导出，endpoint 为空时不导出。
type TelemetryConfig struct {
	OTLPEndpoint    string `json:"otlp_endpoint"`
	Insecure        bool   `json:"insecure"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回 PROOF_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
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

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动等枚举字段。
func (c *Config) Validate() error {
	switch c.Storage.Receipts.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Receipts.DSN) == "" {
			return errors.New("mysql 回执存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的回执存储驱动 %s", c.Storage.Receipts.Driver)
	}
	switch c.Cache.Driver {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return errors.New("redis 缓存需要配置 address")
		}
	default:
		return fmt.Errorf("不支持的缓存驱动 %s", c.Cache.Driver)
	}
	switch c.Reconcile.Queue {
	case "memory":
	case "redis":
		if c.Reconcile.Redis.Address == "" {
			return errors.New("redis 对账队列需要配置 address")
		}
	case "rabbitmq":
		if c.Reconcile.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 对账队列需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的对账队列 %s", c.Reconcile.Queue)
	}
	switch c.Hashing.Normalization {
	case "none", "nfc", "nfkc":
	default:
		return fmt.Errorf("不支持的规范化策略 %s", c.Hashing.Normalization)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 90
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 8 << 20
	}

	if c.Ledger.Definitions != "" {
		c.Ledger.Definitions = resolve(baseDir, c.Ledger.Definitions)
	}

	if c.Commit.TimeoutSeconds <= 0 {
		c.Commit.TimeoutSeconds = 60
	}
	if c.Commit.PollIntervalMillis <= 0 {
		c.Commit.PollIntervalMillis = 2000
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.InitialBackoffMillis <= 0 {
		c.Retry.InitialBackoffMillis = 200
	}
	if c.Retry.MaxBackoffMillis <= 0 {
		c.Retry.MaxBackoffMillis = 5000
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}

	c.Hashing.Normalization = strings.ToLower(strings.TrimSpace(c.Hashing.Normalization))
	if c.Hashing.Normalization == "" {
		c.Hashing.Normalization = "none"
	}

	if c.Metadata.Project == "" {
		c.Metadata.Project = "PromptGenix Proof Layer"
	}
	if c.Metadata.ProofType == "" {
		c.Metadata.ProofType = "AI_OUTPUT_PROVENANCE"
	}

	c.Storage.Receipts.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Receipts.Driver))
	if c.Storage.Receipts.Driver == "" {
		c.Storage.Receipts.Driver = "memory"
	}

	c.Cache.Driver = strings.ToLower(strings.TrimSpace(c.Cache.Driver))
	if c.Cache.Driver == "" {
		c.Cache.Driver = "none"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 86400
	}

	c.Reconcile.Queue = strings.ToLower(strings.TrimSpace(c.Reconcile.Queue))
	if c.Reconcile.Queue == "" {
		c.Reconcile.Queue = "memory"
	}
	if c.Reconcile.QueueName == "" {
		c.Reconcile.QueueName = "proofd:reconcile"
	}
	if c.Reconcile.Workers <= 0 {
		c.Reconcile.Workers = 2
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 30
	}
	if c.Reconcile.MaxAgeSeconds <= 0 {
		c.Reconcile.MaxAgeSeconds = 86400
	}

	if c.Credential.KeyEnv == "" {
		c.Credential.KeyEnv = "PROOF_SIGNING_KEY"
	}
	if c.Credential.KeyFile != "" {
		c.Credential.KeyFile = resolve(baseDir, c.Credential.KeyFile)
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Telemetry.IntervalSeconds <= 0 {
		c.Telemetry.IntervalSeconds = 30
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
