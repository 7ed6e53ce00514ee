package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("default port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default driver: expected sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.Lock.Strategy != "auto" {
		t.Errorf("default lock strategy: expected auto, got %q", cfg.Lock.Strategy)
	}
	if cfg.Lock.TTL() != 10*time.Second {
		t.Errorf("default lock ttl: expected 10s, got %s", cfg.Lock.TTL())
	}
	if cfg.Lock.MaxRetries != 5 || cfg.Lock.Backoff() != 50*time.Millisecond {
		t.Errorf("default retry budget: got %d attempts, %s", cfg.Lock.MaxRetries, cfg.Lock.Backoff())
	}
	if cfg.Builder.Threshold != 10 || cfg.Builder.MaxBatch != 100 {
		t.Errorf("default builder: got threshold %d, batch %d", cfg.Builder.Threshold, cfg.Builder.MaxBatch)
	}
	if cfg.ZScan.LatencyThresholdSeconds != 60 || cfg.ZScan.ConsensusMinWitnesses != 2 {
		t.Errorf("default zscan: got %+v", cfg.ZScan)
	}
	if len(cfg.Witnesses.Models) != 2 {
		t.Errorf("default witnesses: expected 2, got %d", len(cfg.Witnesses.Models))
	}
	if cfg.Fanout.Kafka.Enabled() {
		t.Error("kafka sink should be disabled by default")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
database:
  driver: postgres
  dsn: "postgres://ledger@localhost/ledger?sslmode=disable"
lock:
  strategy: redis
  redisAddr: "localhost:6379"
  ttlMs: 5000
zscan:
  latencyThresholdSeconds: 30
  verifyConsensus: false
scheduler:
  enabled: true
  scopes: [1, 2]
fanout:
  kafka:
    brokers: ["localhost:9092"]
    topic: ledger
    organizations: [1]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: expected 0.0.0.0:9090, got %q", cfg.Server.Addr())
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver: expected postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Lock.Strategy != "redis" || cfg.Lock.TTL() != 5*time.Second {
		t.Errorf("lock: got %+v", cfg.Lock)
	}
	if cfg.ZScan.LatencyThresholdSeconds != 30 {
		t.Errorf("latency threshold: expected 30, got %v", cfg.ZScan.LatencyThresholdSeconds)
	}
	if cfg.ZScan.VerifyConsensus {
		t.Error("verifyConsensus: expected false")
	}
	// Unset zscan fields keep their defaults.
	if !cfg.ZScan.VerifyChainContinuity || cfg.ZScan.MaxReceiptsPerScan != 100 {
		t.Errorf("zscan defaults lost: %+v", cfg.ZScan)
	}
	if !cfg.Scheduler.Enabled || len(cfg.Scheduler.Scopes) != 2 {
		t.Errorf("scheduler: got %+v", cfg.Scheduler)
	}
	if !cfg.Fanout.Kafka.Enabled() || cfg.Fanout.Kafka.Topic != "ledger" {
		t.Errorf("kafka: got %+v", cfg.Fanout.Kafka)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	mutate := func(f func(*Config)) Config {
		cfg := applyDefaults()
		f(cfg)
		return *cfg
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", *applyDefaults(), false},
		{"empty host", mutate(func(c *Config) { c.Server.Host = "" }), true},
		{"port 0", mutate(func(c *Config) { c.Server.Port = 0 }), true},
		{"port 65536", mutate(func(c *Config) { c.Server.Port = 65536 }), true},
		{"unknown driver", mutate(func(c *Config) { c.Database.Driver = "mysql" }), true},
		{"postgres without dsn", mutate(func(c *Config) { c.Database.Driver = "postgres" }), true},
		{"unknown lock strategy", mutate(func(c *Config) { c.Lock.Strategy = "etcd" }), true},
		{"redis without addr", mutate(func(c *Config) { c.Lock.Strategy = "redis" }), true},
		{"zero retries", mutate(func(c *Config) { c.Lock.MaxRetries = 0 }), true},
		{"batch below threshold", mutate(func(c *Config) { c.Builder.MaxBatch = 5 }), true},
		{"bad zscan threshold", mutate(func(c *Config) { c.ZScan.LatencyThresholdSeconds = -1 }), true},
		{"duplicate witness", mutate(func(c *Config) { c.Witnesses.Models = []WitnessModel{{Name: "a"}, {Name: "a"}} }), true},
		{"kafka without topic", mutate(func(c *Config) {
			c.Fanout.Kafka = KafkaConfig{Brokers: []string{"localhost:9092"}}
		}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 3200 {
		t.Errorf("roundtrip port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.ZScan.CriesMinScore != 40 {
		t.Errorf("roundtrip criesMinScore: expected 40, got %v", cfg.ZScan.CriesMinScore)
	}
}

func TestWatcher_ReloadsValidConfig(t *testing.T) {
	dir := t.TempDir()
	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(dir, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("zscan:\n  latencyThresholdSeconds: 15\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.ZScan.LatencyThresholdSeconds != 15 {
			t.Errorf("reloaded latency threshold: expected 15, got %v", cfg.ZScan.LatencyThresholdSeconds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	// An invalid file is skipped.
	if err := os.WriteFile(path, []byte("zscan:\n  consensusMinWitnesses: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-reloaded:
		t.Errorf("invalid config delivered: %+v", cfg.ZScan)
	case <-time.After(500 * time.Millisecond):
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
