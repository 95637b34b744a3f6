// Package config loads the KuroDB server configuration from a yaml file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kurodb/kurodb/pkg/logger"
	"github.com/kurodb/kurodb/pkg/telemetry"
)

// Duration is a time.Duration that decodes from yaml strings like "150ms".
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

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig tunes the transaction engine.
type EngineConfig struct {
	// Shards is the shard count for the lock table and version store.
	Shards int `yaml:"shards"`
	// LockWaitTimeout bounds any single lock wait.
	LockWaitTimeout Duration `yaml:"lock_wait_timeout"`
	// DeadlockInterval is the deadlock detection interval.
	DeadlockInterval Duration `yaml:"deadlock_interval"`
	// WALDir is the write-ahead log directory.
	WALDir string `yaml:"wal_dir"`
}

// TwoPhaseConfig tunes the 2PC coordinator.
type TwoPhaseConfig struct {
	PrepareTimeout  Duration `yaml:"prepare_timeout"`
	DecisionTimeout Duration `yaml:"decision_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryPerSecond  float64  `yaml:"retry_per_second"`
}

// SagaConfig tunes saga action retries.
type SagaConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// Config is the full server configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Engine    EngineConfig     `yaml:"engine"`
	TwoPhase  TwoPhaseConfig   `yaml:"two_phase"`
	Saga      SagaConfig       `yaml:"saga"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "kurodb",
			PrometheusPort: 2112,
		},
		Engine: EngineConfig{
			Shards:           64,
			LockWaitTimeout:  Duration(5 * time.Second),
			DeadlockInterval: Duration(100 * time.Millisecond),
			WALDir:           "data/wal",
		},
		TwoPhase: TwoPhaseConfig{
			PrepareTimeout:  Duration(2 * time.Second),
			DecisionTimeout: Duration(2 * time.Second),
			MaxAttempts:     5,
			RetryPerSecond:  20,
		},
		Saga: SagaConfig{
			MaxAttempts: 3,
			BaseBackoff: Duration(50 * time.Millisecond),
			MaxBackoff:  Duration(2 * time.Second),
		},
	}
}

// Load reads path and decodes it over the defaults, so a partial file only
// overrides what it names.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
