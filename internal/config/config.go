package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 bioproofd 启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Cache        CacheConfig        `json:"cache"`
	Queue        QueueConfig        `json:"queue"`
	Environment  EnvironmentConfig  `json:"environment"`
	Constraints  ConstraintConfig   `json:"constraints"`
	Proofs       ProofConfig        `json:"proofs"`
	Ledger       LedgerConfig       `json:"ledger"`
	Anchor       AnchorConfig       `json:"anchor"`
	Verification VerificationConfig `json:"verification"`
	Plausibility PlausibilityConfig `json:"plausibility"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
	AuditMaxMB  int      `json:"audit_max_mb"`
}

// StorageConfig 描述证明、锚定、约束与请求的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// CacheConfig 描述约束缓存。
type CacheConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	KeyPrefix string `json:"key_prefix"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// QueueConfig 描述批处理任务队列。
type QueueConfig struct {
	Driver      string         `json:"driver"`
	Workers     int            `json:"workers"`
	MaxRetries  int            `json:"max_retries"`
	BatchWindow int            `json:"batch_window"`
	BatchDelay  int            `json:"batch_delay_ms"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

// EnvironmentConfig 描述天气与海拔查询服务。
type EnvironmentConfig struct {
	Provider       string `json:"provider"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ConstraintConfig 保存环境调整策略，这些常数属于可配置的策略参数。
type ConstraintConfig struct {
	HighAltitudeMeters    float64 `json:"high_altitude_meters"`
	HighAltitudeMaxFactor float64 `json:"high_altitude_max_factor"`
	HighAltitudeMinFactor float64 `json:"high_altitude_min_factor"`
	HotTemperatureC       float64 `json:"hot_temperature_c"`
	ColdTemperatureC      float64 `json:"cold_temperature_c"`
	ExtremeTempMaxFactor  float64 `json:"extreme_temperature_max_factor"`
	LowPressureHPa        float64 `json:"low_pressure_hpa"`
	LowPressureMinFactor  float64 `json:"low_pressure_min_factor"`
	OxygenAltitudeMeters  float64 `json:"oxygen_altitude_meters"`
	OxygenDropPer1000m    float64 `json:"oxygen_drop_per_1000m"`
	OxygenFloorFactor     float64 `json:"oxygen_floor_factor"`
}

// ProofConfig 描述证明生成参数。
type ProofConfig struct {
	ArtifactDir     string `json:"artifact_dir"`
	CircuitID       string `json:"circuit_id"`
	Capacity        int    `json:"capacity"`
	ValidityHours   int    `json:"validity_hours"`
	BucketMinutes   int    `json:"bucket_minutes"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	SecretEnv       string `json:"secret_env"`
	RequireAnchored bool   `json:"require_anchored"`

	// InsecureSkipConsent 关闭授权校验，仅用于本地开发。
	InsecureSkipConsent bool `json:"insecure_skip_consent"`
}

// LedgerConfig 指向账本网络目录文件。
type LedgerConfig struct {
	NetworksFile   string `json:"networks_file"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AnchorConfig 描述锚定策略的成本与选择参数。
type AnchorConfig struct {
	DefaultNetwork        string   `json:"default_network"`
	Layer2Network         string   `json:"layer2_network"`
	CrossChainNetworks    []string `json:"cross_chain_networks"`
	HybridCostRatio       float64  `json:"hybrid_cost_ratio"`
	QuantumCostMultiplier float64  `json:"quantum_cost_multiplier"`
	SmallPayloadBytes     int      `json:"small_payload_bytes"`
	LargePayloadBytes     int      `json:"large_payload_bytes"`
}

// VerificationConfig 描述第三方验证请求的策略。
type VerificationConfig struct {
	ExpirationHours      int      `json:"expiration_hours"`
	SweepIntervalSeconds int      `json:"sweep_interval_seconds"`
	AllowedJurisdictions []string `json:"allowed_jurisdictions"`
	AllowedAttributes    []string `json:"allowed_attributes"`
	BlockedRequesters    []string `json:"blocked_requesters"`
}

// PlausibilityConfig 描述生理合理性校验器。
type PlausibilityConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI Chat Completions 接入参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	return &cfg, nil
}

// Default 返回仅包含默认值的配置，供 CLI 在没有配置文件时使用。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 600
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BatchWindow <= 0 {
		c.Queue.BatchWindow = 10
	}
	if c.Queue.BatchDelay <= 0 {
		c.Queue.BatchDelay = 250
	}
	if c.Environment.Provider == "" {
		c.Environment.Provider = "open-meteo"
	}
	if c.Environment.TimeoutSeconds <= 0 {
		c.Environment.TimeoutSeconds = 5
	}
	c.Constraints.applyDefaults()

	if c.Proofs.CircuitID == "" {
		c.Proofs.CircuitID = "range_v1"
	}
	if c.Proofs.Capacity <= 0 {
		c.Proofs.Capacity = 32
	}
	if c.Proofs.ValidityHours <= 0 {
		c.Proofs.ValidityHours = 24
	}
	if c.Proofs.BucketMinutes <= 0 {
		c.Proofs.BucketMinutes = 5
	}
	if c.Proofs.TimeoutSeconds <= 0 {
		c.Proofs.TimeoutSeconds = 30
	}
	if c.Proofs.SecretEnv == "" {
		c.Proofs.SecretEnv = "BIOPROOF_SECRET"
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 30
	}
	if c.Anchor.HybridCostRatio <= 0 {
		c.Anchor.HybridCostRatio = 0.3
	}
	if c.Anchor.QuantumCostMultiplier <= 0 {
		c.Anchor.QuantumCostMultiplier = 1.5
	}
	if c.Anchor.SmallPayloadBytes <= 0 {
		c.Anchor.SmallPayloadBytes = 1024
	}
	if c.Anchor.LargePayloadBytes <= 0 {
		c.Anchor.LargePayloadBytes = 10 * 1024
	}
	if c.Verification.ExpirationHours <= 0 {
		c.Verification.ExpirationHours = 72
	}
	if c.Verification.SweepIntervalSeconds <= 0 {
		c.Verification.SweepIntervalSeconds = 60
	}
	if c.Plausibility.Provider == "" {
		c.Plausibility.Provider = "rules"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Proofs.ArtifactDir == "" {
		c.Proofs.ArtifactDir = filepath.Join(c.Runtime.DataDir, "circuits")
	} else if !filepath.IsAbs(c.Proofs.ArtifactDir) {
		c.Proofs.ArtifactDir = filepath.Join(baseDir, c.Proofs.ArtifactDir)
	}
	if c.Ledger.NetworksFile != "" && !filepath.IsAbs(c.Ledger.NetworksFile) {
		c.Ledger.NetworksFile = filepath.Join(baseDir, c.Ledger.NetworksFile)
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}

func (c *ConstraintConfig) applyDefaults() {
	setDefault(&c.HighAltitudeMeters, 2500)
	setDefault(&c.HighAltitudeMaxFactor, 1.15)
	setDefault(&c.HighAltitudeMinFactor, 0.95)
	setDefault(&c.HotTemperatureC, 35)
	setDefault(&c.ExtremeTempMaxFactor, 1.10)
	setDefault(&c.LowPressureHPa, 950)
	setDefault(&c.LowPressureMinFactor, 0.90)
	setDefault(&c.OxygenAltitudeMeters, 1500)
	setDefault(&c.OxygenDropPer1000m, 0.01)
	setDefault(&c.OxygenFloorFactor, 0.8)
	// 0 °C 是合法阈值，因此 ColdTemperatureC 不做默认填充。
}

func setDefault(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}
