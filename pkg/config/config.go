// Package config loads the structured configuration for the mixing core:
// server/database/logging (ambient) plus the domain groups named in
// external interfaces §6 — currencies, anonymity, scheduler, keystore, hsm.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// ServerConfig controls the minimal operational HTTP surface (health and
// readiness only — the upstream mixing API is an out-of-scope external
// collaborator).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the reference Store's Postgres connection.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string from host
// parameters (used when DSN is unset).
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// CurrencyConfig holds the per-currency tunables named in §6.
type CurrencyConfig struct {
	MinAmount             string   `json:"min_amount" yaml:"min_amount"`
	MaxAmount             string   `json:"max_amount" yaml:"max_amount"`
	RequiredConfirmations int      `json:"required_confirmations" yaml:"required_confirmations"`
	MinPoolSize           string   `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize           string   `json:"max_pool_size" yaml:"max_pool_size"`
	TargetPoolSize        string   `json:"target_pool_size" yaml:"target_pool_size"`
	PollIntervalMS        int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MinMixParticipants    int      `json:"min_mix_participants" yaml:"min_mix_participants"`
	UnderpaymentTolerance string   `json:"underpayment_tolerance" yaml:"underpayment_tolerance"`
	CommonDenominations   []string `json:"common_denominations" yaml:"common_denominations"`
	RateLimitPerSecond    float64  `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
}

// RedisConfig controls the optional tip-height/stats cache the confirmation
// monitor uses to skip redundant chain reads. Addr empty disables the cache.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"-" yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
}

// AnonymityConfig holds the per-level fee multiplier, base delay, and
// minimum CoinJoin participants.
type AnonymityConfig struct {
	FeeMultiplier   float64 `json:"fee_multiplier" yaml:"fee_multiplier"`
	DelayMinutes    int     `json:"delay_minutes" yaml:"delay_minutes"`
	MinParticipants int     `json:"min_participants" yaml:"min_participants"`
}

// SchedulerConfig holds the Scheduler tunables of §4.4.
type SchedulerConfig struct {
	MaxConcurrent           int            `json:"max_concurrent" yaml:"max_concurrent" env:"SCHEDULER_MAX_CONCURRENT"`
	SubCaps                 map[string]int `json:"sub_caps" yaml:"sub_caps"`
	MaxRetries              int            `json:"max_retries" yaml:"max_retries" env:"SCHEDULER_MAX_RETRIES"`
	RetryBackoffMultiplier  float64        `json:"retry_backoff_multiplier" yaml:"retry_backoff_multiplier"`
	RetryBaseDelay          time.Duration  `json:"retry_base_delay" yaml:"retry_base_delay"`
	OperationTTL            time.Duration  `json:"operation_ttl" yaml:"operation_ttl"`
	BatchSize               int            `json:"batch_size" yaml:"batch_size"`
	ScheduleCheckIntervalMS int            `json:"schedule_check_interval_ms" yaml:"schedule_check_interval_ms"`
	ExecutionLoopMS         int            `json:"execution_loop_ms" yaml:"execution_loop_ms"`
	StuckOperationThreshold time.Duration  `json:"stuck_operation_threshold" yaml:"stuck_operation_threshold"`
	ShutdownGrace           time.Duration  `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// KeystoreConfig holds the software keystore tunables of §4.1/§6. The
// encryption key is the operator-supplied root secret, provided at startup
// and never persisted; it is read from KEYSTORE_ENCRYPTION_KEY, not from a
// config file, to avoid landing key material on disk alongside config.
type KeystoreConfig struct {
	MaxKeysInMemory     int           `json:"max_keys_in_memory" yaml:"max_keys_in_memory"`
	KeyRotationInterval time.Duration `json:"key_rotation_interval" yaml:"key_rotation_interval"`
	EncryptionKey       string        `json:"-" yaml:"-" env:"KEYSTORE_ENCRYPTION_KEY"`
}

// HSMConfig holds the optional PKCS#11 HSM backend settings.
type HSMConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"HSM_ENABLED"`
	LibraryPath string `json:"library_path" yaml:"library_path" env:"HSM_LIBRARY_PATH"`
	Slot        uint   `json:"slot" yaml:"slot" env:"HSM_SLOT"`
	Pin         string `json:"-" yaml:"-" env:"HSM_PIN"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`

	Currencies map[currency.Code]CurrencyConfig            `json:"currencies" yaml:"currencies"`
	Anonymity  map[mixtypes.AnonymityLevel]AnonymityConfig `json:"anonymity" yaml:"anonymity"`
	Scheduler  SchedulerConfig                              `json:"scheduler" yaml:"scheduler"`
	Keystore   KeystoreConfig                                `json:"keystore" yaml:"keystore"`
	HSM        HSMConfig                                     `json:"hsm" yaml:"hsm"`
	Redis      RedisConfig                                   `json:"redis" yaml:"redis"`
}

// New returns a configuration populated with the defaults named throughout
// §4 and §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "mixcore",
		},
		Currencies: defaultCurrencyConfigs(),
		Anonymity: map[mixtypes.AnonymityLevel]AnonymityConfig{
			mixtypes.AnonymityLow:    {FeeMultiplier: 1.0, DelayMinutes: 60, MinParticipants: 2},
			mixtypes.AnonymityMedium: {FeeMultiplier: 1.2, DelayMinutes: 180, MinParticipants: 3},
			mixtypes.AnonymityHigh:   {FeeMultiplier: 1.5, DelayMinutes: 720, MinParticipants: 5},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 50,
			SubCaps: map[string]int{
				"DISTRIBUTION":  20,
				"CONSOLIDATION": 10,
				"COINJOIN":      15,
				"REBALANCE":     5,
				"CLEANUP":       5,
			},
			MaxRetries:              5,
			RetryBackoffMultiplier:  2,
			RetryBaseDelay:          5 * time.Minute,
			OperationTTL:            7 * 24 * time.Hour,
			BatchSize:               10,
			ScheduleCheckIntervalMS: 30000,
			ExecutionLoopMS:         5000,
			StuckOperationThreshold: 30 * time.Minute,
			ShutdownGrace:           30 * time.Second,
		},
		Keystore: KeystoreConfig{
			MaxKeysInMemory:     1000,
			KeyRotationInterval: 60 * time.Minute,
		},
		HSM: HSMConfig{},
	}
}

func defaultCurrencyConfigs() map[currency.Code]CurrencyConfig {
	out := make(map[currency.Code]CurrencyConfig, len(currency.All()))
	for _, c := range currency.All() {
		pollMS := 15000
		if c == currency.XMR {
			pollMS = 8000
		}
		requiredConfs := 6
		switch c {
		case currency.ETH, currency.ERC20USDT:
			requiredConfs = 12
		case currency.SOL:
			requiredConfs = 32
		case currency.XMR:
			requiredConfs = 10
		}
		out[c] = CurrencyConfig{
			RequiredConfirmations: requiredConfs,
			PollIntervalMS:        pollMS,
			MinMixParticipants:    currency.DefaultRequiredParticipants(c),
			RateLimitPerSecond:    5,
		}
	}
	return out
}

// Load loads configuration from file (if present) and environment
// variables, in that order, matching the teacher stack's
// godotenv→YAML→envdecode pipeline.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in
		// the environment; treat that as "no overrides" so local/test runs
		// work without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// Unknown keys are rejected at load time, per the re-architecture note
	// replacing "dynamic config bags" with explicit typed configs.
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// validate rejects configs that would violate a core invariant before the
// core ever starts.
func (c *Config) validate() error {
	for level, ac := range c.Anonymity {
		if !level.Valid() {
			return fmt.Errorf("config: unknown anonymity level %q", level)
		}
		if ac.MinParticipants < 1 {
			return fmt.Errorf("config: anonymity %s: min_participants must be >= 1", level)
		}
	}
	for code := range c.Currencies {
		if !code.Valid() {
			return fmt.Errorf("config: unknown currency %q", code)
		}
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("config: scheduler.max_concurrent must be positive")
	}
	return nil
}
