package zscan

import (
	"fmt"
)

// Config controls which rules run and their thresholds. Field names are
// shared by the YAML config file and the JSON API.
type Config struct {
	VerifyChainContinuity     bool    `yaml:"verifyChainContinuity" json:"verifyChainContinuity"`
	VerifyHashIntegrity       bool    `yaml:"verifyHashIntegrity" json:"verifyHashIntegrity"`
	VerifyLamportMonotonicity bool    `yaml:"verifyLamportMonotonicity" json:"verifyLamportMonotonicity"`
	LatencyThresholdSeconds   float64 `yaml:"latencyThresholdSeconds" json:"latencyThresholdSeconds"`
	CriesMinScore             float64 `yaml:"criesMinScore" json:"criesMinScore"`
	CriesDropThreshold        float64 `yaml:"criesDropThreshold" json:"criesDropThreshold"`
	VerifyConsensus           bool    `yaml:"verifyConsensus" json:"verifyConsensus"`
	ConsensusMinWitnesses     int     `yaml:"consensusMinWitnesses" json:"consensusMinWitnesses"`
	// ScanIntervalMinutes drives the scheduler. Zero disables scheduled scans.
	ScanIntervalMinutes int `yaml:"scanIntervalMinutes" json:"scanIntervalMinutes"`
	MaxReceiptsPerScan  int `yaml:"maxReceiptsPerScan" json:"maxReceiptsPerScan"`
}

// DefaultConfig returns the standard scan configuration.
func DefaultConfig() Config {
	return Config{
		VerifyChainContinuity:     true,
		VerifyHashIntegrity:       true,
		VerifyLamportMonotonicity: true,
		LatencyThresholdSeconds:   60,
		CriesMinScore:             40,
		CriesDropThreshold:        20,
		VerifyConsensus:           true,
		ConsensusMinWitnesses:     2,
		ScanIntervalMinutes:       5,
		MaxReceiptsPerScan:        100,
	}
}

// ConfigError is an invalid scan threshold. Scans refuse to start with one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid z-scan config: %s %s", e.Field, e.Reason)
}

// Validate checks every threshold.
func (c Config) Validate() error {
	switch {
	case c.LatencyThresholdSeconds <= 0:
		return &ConfigError{Field: "latencyThresholdSeconds", Reason: "must be positive"}
	case c.CriesMinScore < 0 || c.CriesMinScore > 100:
		return &ConfigError{Field: "criesMinScore", Reason: "must be between 0 and 100"}
	case c.CriesDropThreshold <= 0 || c.CriesDropThreshold > 100:
		return &ConfigError{Field: "criesDropThreshold", Reason: "must be in (0, 100]"}
	case c.ConsensusMinWitnesses < 1:
		return &ConfigError{Field: "consensusMinWitnesses", Reason: "must be at least 1"}
	case c.ScanIntervalMinutes < 0:
		return &ConfigError{Field: "scanIntervalMinutes", Reason: "must not be negative"}
	case c.MaxReceiptsPerScan < 1 || c.MaxReceiptsPerScan > 10000:
		return &ConfigError{Field: "maxReceiptsPerScan", Reason: "must be between 1 and 10000"}
	}
	return nil
}
