// Package config handles loading, validating, and writing the auditchain
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Ledger database (sqlite file or postgres DSN)
//   - Block lock strategy (redis, database, auto) and its retry budget
//   - Block builder batching
//   - Z-Scan thresholds and scheduled scopes
//   - Witness panel and the optional Kafka event sink
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auditchain/auditchain/internal/zscan"
)

// Config is the top-level auditchain configuration.
// Loaded from config.yaml, with defaults for fields that are not set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Lock      LockConfig      `yaml:"lock"`
	Builder   BuilderConfig   `yaml:"builder"`
	ZScan     zscan.Config    `yaml:"zscan"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Witnesses WitnessConfig   `yaml:"witnesses"`
	Fanout    FanoutConfig    `yaml:"fanout"`
}

// ServerConfig defines where the HTTP API listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the ledger store. An empty sqlite DSN means
// ledger.db inside the config directory.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LockConfig controls the per-organization block lock.
//
// Strategy "auto" uses redis when RedisAddr is set and reachable at
// startup, otherwise a lock inside the block transaction.
type LockConfig struct {
	Strategy   string `yaml:"strategy"`
	RedisAddr  string `yaml:"redisAddr"`
	TTLMs      int    `yaml:"ttlMs"`
	MaxRetries int    `yaml:"maxRetries"`
	BackoffMs  int    `yaml:"backoffMs"`
}

// TTL returns the lock TTL as a duration.
func (l LockConfig) TTL() time.Duration { return time.Duration(l.TTLMs) * time.Millisecond }

// Backoff returns the initial retry backoff as a duration.
func (l LockConfig) Backoff() time.Duration { return time.Duration(l.BackoffMs) * time.Millisecond }

// BuilderConfig controls block batching.
type BuilderConfig struct {
	Threshold int `yaml:"threshold"`
	MaxBatch  int `yaml:"maxBatch"`
}

// SchedulerConfig lists the scopes scanned every zscan.scanIntervalMinutes.
type SchedulerConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scopes  []int64 `yaml:"scopes"`
}

// WitnessConfig is the panel that signs receipts.
type WitnessConfig struct {
	Models []WitnessModel `yaml:"models"`
}

// WitnessModel is one witness. Without a private key a fresh key is
// generated on every start.
type WitnessModel struct {
	Name       string `yaml:"name"`
	PrivateKey string `yaml:"privateKey,omitempty"`
}

// FanoutConfig configures event sinks besides websocket subscribers.
type FanoutConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig publishes events of the listed organizations to a topic.
// Empty Brokers disables the sink.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	Organizations []int64  `yaml:"organizations"`
}

// Enabled reports whether the Kafka sink is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditchain config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditchain configuration
#
# server:
#   host, port: HTTP API and websocket listener
#
# database:
#   driver: sqlite (default) or postgres
#   dsn: file path / connection string (empty sqlite dsn = <config-dir>/ledger.db)
#
# lock:
#   strategy: auto | redis | database
#   redisAddr: host:port of redis; empty = database lock
#   ttlMs, maxRetries, backoffMs: lock lifetime and retry schedule
#
# builder:
#   threshold: pending records needed to seal a block
#   maxBatch: most records per block
#
# zscan: rule toggles and thresholds (reloaded while running)
#
# scheduler:
#   enabled, scopes: organizations scanned every zscan.scanIntervalMinutes
#
# witnesses.models: witness panel; privateKey is 32 hex bytes (optional)
#
# fanout.kafka: brokers, topic and organizations to publish events for

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Lock: LockConfig{
			Strategy:   "auto",
			TTLMs:      10000,
			MaxRetries: 5,
			BackoffMs:  50,
		},
		Builder: BuilderConfig{
			Threshold: 10,
			MaxBatch:  100,
		},
		ZScan: zscan.DefaultConfig(),
		Witnesses: WitnessConfig{
			Models: []WitnessModel{{Name: "witness-alpha"}, {Name: "witness-beta"}},
		},
		Fanout: FanoutConfig{
			Kafka: KafkaConfig{Topic: "auditchain.events"},
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q must be sqlite or postgres", cfg.Database.Driver)
	}

	switch cfg.Lock.Strategy {
	case "auto", "database":
	case "redis":
		if cfg.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redisAddr is required for the redis strategy")
		}
	default:
		return fmt.Errorf("lock.strategy %q must be auto, redis or database", cfg.Lock.Strategy)
	}
	if cfg.Lock.TTLMs < 1 {
		return fmt.Errorf("lock.ttlMs must be positive")
	}
	if cfg.Lock.MaxRetries < 1 {
		return fmt.Errorf("lock.maxRetries must be at least 1")
	}
	if cfg.Lock.BackoffMs < 1 {
		return fmt.Errorf("lock.backoffMs must be positive")
	}

	if cfg.Builder.Threshold < 1 {
		return fmt.Errorf("builder.threshold must be at least 1")
	}
	if cfg.Builder.MaxBatch < cfg.Builder.Threshold {
		return fmt.Errorf("builder.maxBatch %d is below threshold %d", cfg.Builder.MaxBatch, cfg.Builder.Threshold)
	}

	if err := cfg.ZScan.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, m := range cfg.Witnesses.Models {
		if m.Name == "" {
			return fmt.Errorf("witnesses.models: name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("witnesses.models: duplicate name %q", m.Name)
		}
		seen[m.Name] = true
	}

	if cfg.Fanout.Kafka.Enabled() && cfg.Fanout.Kafka.Topic == "" {
		return fmt.Errorf("fanout.kafka.topic is required when brokers are set")
	}

	return nil
}
