// Package config assembles the effective pipeline configuration from three
// layers: built-in defaults, an optional YAML file, and environment
// overrides. Credential secrets are expected from the environment in
// deployments; the YAML list exists for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/valuescan/fundcollect/pkg/logging"
)

const (
	configPathEnv  = "FUND_CONFIG"
	tokensEnv      = "FUND_TOKENS"
	baseURLEnv     = "FUND_BASE_URL"
	redisAddrEnv   = "FUND_REDIS_ADDR"
	metricsAddrEnv = "FUND_METRICS_ADDR"
	cronEnv        = "FUND_CRON"
	logLevelEnv    = "FUND_LOG_LEVEL"
)

// Duration wraps time.Duration so YAML values like "90s" or "2m" decode
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every tunable of the acquisition pipeline.
type Config struct {
	// Tokens are the upstream credential secrets, in rotation order.
	Tokens []string `yaml:"tokens"`

	Provider   ProviderConfig   `yaml:"provider"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Pool       PoolConfig       `yaml:"pool"`
	Collector  CollectorConfig  `yaml:"collector"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Export     ExportConfig     `yaml:"export"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// LogConfig tunes the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ProviderConfig describes the upstream endpoint.
type ProviderConfig struct {
	BaseURL string   `yaml:"baseUrl"`
	Timeout Duration `yaml:"timeout"`
}

// ExecutorConfig tunes retry and rotation behavior.
type ExecutorConfig struct {
	MaxAttempts       int      `yaml:"maxAttempts"`
	InitialBackoff    Duration `yaml:"initialBackoff"`
	MaxBackoff        Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	QuotaKeywords     []string `yaml:"quotaKeywords"`
}

// PoolConfig tunes credential health tracking.
type PoolConfig struct {
	MaxConsecutiveFailures int      `yaml:"maxConsecutiveFailures"`
	Cooldown               Duration `yaml:"cooldown"`
}

// CollectorConfig tunes the batch orchestrator.
type CollectorConfig struct {
	UnitSize     int      `yaml:"unitSize"`
	MaxPasses    int      `yaml:"maxPasses"`
	Concurrency  int      `yaml:"concurrency"`
	UnitDelayMin Duration `yaml:"unitDelayMin"`
	UnitDelayMax Duration `yaml:"unitDelayMax"`
	StartYear    int      `yaml:"startYear"`
	EndYear      int      `yaml:"endYear"`
	PayloadDir   string   `yaml:"payloadDir"`
}

// CheckpointConfig selects and parameterizes the checkpoint backend.
type CheckpointConfig struct {
	// Backend is "file" or "redis".
	Backend   string `yaml:"backend"`
	FilePath  string `yaml:"filePath"`
	RedisAddr string `yaml:"redisAddr"`
	RedisDB   int    `yaml:"redisDb"`
	RedisKey  string `yaml:"redisKey"`
}

// ExportConfig names the persistence targets.
type ExportConfig struct {
	ExcelPath  string `yaml:"excelPath"`
	SQLitePath string `yaml:"sqlitePath"`
}

// ScheduleConfig defines when unattended runs start.
type ScheduleConfig struct {
	CronExpression string `yaml:"cronExpression"`
}

// MetricsConfig exposes the Prometheus listener; empty disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Load builds the effective configuration. The YAML file is taken from the
// explicit path, or from $FUND_CONFIG when the path is empty; a missing or
// broken file falls back to defaults with a warning. A .env file in the
// working directory is applied before environment overrides are read.
func Load(path string) Config {
	logger := logging.NewLogger("config")

	if err := godotenv.Load(); err == nil {
		logger.Debug().Msg("Loaded .env file")
	}

	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("Cannot read config file, using defaults")
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				logger.Warn().Str("path", path).Err(err).Msg("Cannot parse config file, using defaults")
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Validate reports configuration states no run can proceed from.
func (c Config) Validate() error {
	if len(c.Tokens) == 0 {
		return errors.New("at least one credential token is required (tokens in config or FUND_TOKENS)")
	}
	if c.Collector.StartYear > c.Collector.EndYear {
		return fmt.Errorf("startYear %d is after endYear %d", c.Collector.StartYear, c.Collector.EndYear)
	}
	switch c.Checkpoint.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q (want file or redis)", c.Checkpoint.Backend)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(tokensEnv); v != "" {
		c.Tokens = splitTokens(v)
	}
	if v := os.Getenv(baseURLEnv); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Checkpoint.Backend = "redis"
		c.Checkpoint.RedisAddr = v
	}
	if v := os.Getenv(metricsAddrEnv); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv(cronEnv); v != "" {
		c.Schedule.CronExpression = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Log.Level = v
	}
}

// splitTokens parses a comma-separated credential list, dropping empty
// entries.
func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func mergeConfig(base, override Config) Config {
	if len(override.Tokens) > 0 {
		base.Tokens = override.Tokens
	}

	if override.Provider.BaseURL != "" {
		base.Provider.BaseURL = override.Provider.BaseURL
	}
	if override.Provider.Timeout != 0 {
		base.Provider.Timeout = override.Provider.Timeout
	}

	if override.Executor.MaxAttempts != 0 {
		base.Executor.MaxAttempts = override.Executor.MaxAttempts
	}
	if override.Executor.InitialBackoff != 0 {
		base.Executor.InitialBackoff = override.Executor.InitialBackoff
	}
	if override.Executor.MaxBackoff != 0 {
		base.Executor.MaxBackoff = override.Executor.MaxBackoff
	}
	if override.Executor.BackoffMultiplier != 0 {
		base.Executor.BackoffMultiplier = override.Executor.BackoffMultiplier
	}
	if len(override.Executor.QuotaKeywords) > 0 {
		base.Executor.QuotaKeywords = override.Executor.QuotaKeywords
	}

	if override.Pool.MaxConsecutiveFailures != 0 {
		base.Pool.MaxConsecutiveFailures = override.Pool.MaxConsecutiveFailures
	}
	if override.Pool.Cooldown != 0 {
		base.Pool.Cooldown = override.Pool.Cooldown
	}

	if override.Collector.UnitSize != 0 {
		base.Collector.UnitSize = override.Collector.UnitSize
	}
	if override.Collector.MaxPasses != 0 {
		base.Collector.MaxPasses = override.Collector.MaxPasses
	}
	if override.Collector.Concurrency != 0 {
		base.Collector.Concurrency = override.Collector.Concurrency
	}
	if override.Collector.UnitDelayMin != 0 {
		base.Collector.UnitDelayMin = override.Collector.UnitDelayMin
	}
	if override.Collector.UnitDelayMax != 0 {
		base.Collector.UnitDelayMax = override.Collector.UnitDelayMax
	}
	if override.Collector.StartYear != 0 {
		base.Collector.StartYear = override.Collector.StartYear
	}
	if override.Collector.EndYear != 0 {
		base.Collector.EndYear = override.Collector.EndYear
	}
	if override.Collector.PayloadDir != "" {
		base.Collector.PayloadDir = override.Collector.PayloadDir
	}

	if override.Checkpoint.Backend != "" {
		base.Checkpoint.Backend = override.Checkpoint.Backend
	}
	if override.Checkpoint.FilePath != "" {
		base.Checkpoint.FilePath = override.Checkpoint.FilePath
	}
	if override.Checkpoint.RedisAddr != "" {
		base.Checkpoint.RedisAddr = override.Checkpoint.RedisAddr
	}
	if override.Checkpoint.RedisDB != 0 {
		base.Checkpoint.RedisDB = override.Checkpoint.RedisDB
	}
	if override.Checkpoint.RedisKey != "" {
		base.Checkpoint.RedisKey = override.Checkpoint.RedisKey
	}

	if override.Export.ExcelPath != "" {
		base.Export.ExcelPath = override.Export.ExcelPath
	}
	if override.Export.SQLitePath != "" {
		base.Export.SQLitePath = override.Export.SQLitePath
	}

	if override.Schedule.CronExpression != "" {
		base.Schedule.CronExpression = override.Schedule.CronExpression
	}

	if override.Metrics.ListenAddr != "" {
		base.Metrics.ListenAddr = override.Metrics.ListenAddr
	}

	if override.Log.Level != "" {
		base.Log.Level = override.Log.Level
	}
	if override.Log.Pretty {
		base.Log.Pretty = true
	}

	return base
}

func defaultConfig() Config {
	thisYear := time.Now().Year()
	return Config{
		Provider: ProviderConfig{
			BaseURL: "http://api.tushare.pro",
			Timeout: Duration(30 * time.Second),
		},
		Executor: ExecutorConfig{
			MaxAttempts:       3,
			InitialBackoff:    Duration(1 * time.Second),
			MaxBackoff:        Duration(30 * time.Second),
			BackoffMultiplier: 2.0,
		},
		Pool: PoolConfig{
			MaxConsecutiveFailures: 3,
			Cooldown:               Duration(120 * time.Second),
		},
		Collector: CollectorConfig{
			UnitSize:     50,
			MaxPasses:    3,
			Concurrency:  1,
			UnitDelayMin: Duration(1 * time.Second),
			UnitDelayMax: Duration(3 * time.Second),
			StartYear:    thisYear - 5,
			EndYear:      thisYear - 1,
			PayloadDir:   "cache",
		},
		Checkpoint: CheckpointConfig{
			Backend:   "file",
			FilePath:  "cache/checkpoints.json",
			RedisAddr: "localhost:6379",
			RedisKey:  "fundcollect:checkpoints",
		},
		Export: ExportConfig{
			ExcelPath:  "fundamentals.xlsx",
			SQLitePath: "fundamentals.db",
		},
		Schedule: ScheduleConfig{
			// Weekday evenings, after the trading session closes.
			CronExpression: "0 18 * * 1-5",
		},
		Metrics: MetricsConfig{ListenAddr: ""},
		Log:     LogConfig{Level: "info"},
	}
}
