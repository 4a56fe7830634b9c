package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/arena/go/internal/battle/matchmaking"
	"gopkg.in/yaml.v3"
)

// Config is the server's file-based configuration. Durations are expressed in
// seconds. Everything here has a default, so the server runs with no config
// file at all.
type Config struct {
	Matchmaking struct {
		PassIntervalSec  int                    `yaml:"pass_interval_sec"`
		ConfirmWindowSec int                    `yaml:"confirm_window_sec"`
		PlayWindowSec    int                    `yaml:"play_window_sec"`
		Tiers            []matchmaking.TierRule `yaml:"tiers"`
	} `yaml:"matchmaking"`
	Sweep struct {
		GraceSec  int   `yaml:"grace_sec"`
		BatchSize int32 `yaml:"batch_size"`
	} `yaml:"sweep"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// matchmakingConfig builds the coordinator config, filling gaps from the
// package defaults.
func (c *Config) matchmakingConfig() matchmaking.Config {
	cfg := matchmaking.DefaultConfig()
	if c.Matchmaking.PassIntervalSec > 0 {
		cfg.PassInterval = time.Duration(c.Matchmaking.PassIntervalSec) * time.Second
	}
	if c.Matchmaking.ConfirmWindowSec > 0 {
		cfg.ConfirmWindow = time.Duration(c.Matchmaking.ConfirmWindowSec) * time.Second
	}
	if c.Matchmaking.PlayWindowSec > 0 {
		cfg.PlayWindow = time.Duration(c.Matchmaking.PlayWindowSec) * time.Second
	}
	if len(c.Matchmaking.Tiers) > 0 {
		cfg.Tiers = c.Matchmaking.Tiers
	}
	return cfg
}

func (c *Config) sweepGrace() time.Duration {
	if c.Sweep.GraceSec > 0 {
		return time.Duration(c.Sweep.GraceSec) * time.Second
	}
	return 45 * time.Second
}

func (c *Config) sweepBatchSize() int32 {
	if c.Sweep.BatchSize > 0 {
		return c.Sweep.BatchSize
	}
	return 50
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
