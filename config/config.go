// Package config loads the engine's runtime configuration from a JSON file
// with environment-variable overrides, mirroring the teacher's
// nested-struct-per-concern Config shape (config/config.go) trimmed down to
// the concerns this engine actually owns.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration object, composed of per-concern nested
// structs as in the teacher's own config.Config.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis   RedisConfig   `json:"redis"`
	Vault   VaultConfig   `json:"vault"`
	LLM     LLMConfig     `json:"llm"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Council CouncilConfig `json:"council"`
	Session SessionConfig `json:"session"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds the WebSocket/event-bus listener configuration.
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig configures the pgxpool-backed persistence layer.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig backs the Market Data Gateway's optional read-through cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for the credential store.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LLMConfig configures the default decision-client resilience stack
// (spec §4.3).
type LLMConfig struct {
	Timeout          time.Duration `json:"timeout"`
	MaxRetries       int           `json:"max_retries"`
	RetryWaitMin     time.Duration `json:"retry_wait_min"`
	RetryWaitMax     time.Duration `json:"retry_wait_max"`
	ThrottleInterval time.Duration `json:"throttle_interval"`
}

// CircuitBreakerConfig configures C3's per-service breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	CooldownPeriod   time.Duration `json:"cooldown_period"`
}

// CouncilConfig configures the multi-model deliberation protocol (spec §4.4).
type CouncilConfig struct {
	StageCooldown           time.Duration `json:"stage_cooldown"`
	FreeTierStageCooldown   time.Duration `json:"free_tier_stage_cooldown"`
	DeliberationCooldown    time.Duration `json:"deliberation_cooldown"`
}

// SessionConfig configures the Session Runtime's force-decision and
// low-volatility-skip thresholds (spec §4.6.3) and readiness threshold
// (spec §4.6.1).
type SessionConfig struct {
	DecisionStartReadiness   float64       `json:"decision_start_readiness"`   // 0.80
	RuntimeReadiness         float64       `json:"runtime_readiness"`          // 0.70 (unused at call-site today, reserved)
	ForceProximityPct        float64       `json:"force_proximity_pct"`        // 1.0
	ForceSignificantPnLPct   float64       `json:"force_significant_pnl_pct"`  // 2.0
	ForceExtendedCandles     int           `json:"force_extended_candles"`     // 50
	LowVolatilityThreshold   float64       `json:"low_volatility_threshold"`   // 0.5
	HeartbeatInterval        time.Duration `json:"heartbeat_interval"`         // 30s
	HeartbeatMaxAge          time.Duration `json:"heartbeat_max_age"`          // 300s
	ReplayBatchSize          int           `json:"replay_batch_size"`
	ReplayBatchDelay         time.Duration `json:"replay_batch_delay"`
}

// LoggingConfig mirrors the teacher's own LoggingConfig shape, consumed by
// the zerolog setup at process start.
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// Default returns a Config with the engine's documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, Host: "0.0.0.0", ShutdownTimeout: 10},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, Database: "tradingagent", SSLMode: "disable"},
		Redis: RedisConfig{Enabled: false, Address: "localhost:6379"},
		Vault: VaultConfig{Enabled: false, Address: "http://localhost:8200", MountPath: "secret", SecretPath: "tradingagent/api-keys"},
		LLM: LLMConfig{
			Timeout:          30 * time.Second,
			MaxRetries:       4,
			RetryWaitMin:     500 * time.Millisecond,
			RetryWaitMax:     10 * time.Second,
			ThrottleInterval: 250 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, CooldownPeriod: 30 * time.Second},
		Council: CouncilConfig{
			StageCooldown:         500 * time.Millisecond,
			FreeTierStageCooldown: 2 * time.Second,
			DeliberationCooldown:  3 * time.Second,
		},
		Session: SessionConfig{
			DecisionStartReadiness: 0.80,
			RuntimeReadiness:       0.70,
			ForceProximityPct:      1.0,
			ForceSignificantPnLPct: 2.0,
			ForceExtendedCandles:   50,
			LowVolatilityThreshold: 0.5,
			HeartbeatInterval:      30 * time.Second,
			HeartbeatMaxAge:        300 * time.Second,
			ReplayBatchSize:        50,
			ReplayBatchDelay:       50 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
	}
}

// Load reads config.json if present, then applies environment overrides,
// matching the teacher's Load() precedence (file first, then env wins).
func Load() (*Config, error) {
	cfg := Default()
	if fromFile, err := loadFromFile("config.json"); err == nil {
		cfg = *fromFile
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)

	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)

	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.Redis.Enabled)) == "true"
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.Logging.JSONFormat)) == "true"
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
