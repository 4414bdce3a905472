package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the hisr configuration file (~/.config/hisr/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelConfig string `yaml:"model_config"`
	Weights     string `yaml:"weights"`
	Seed        *int64 `yaml:"seed"`

	// Execution
	Backend string `yaml:"backend"`
	Workers *int   `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	StoreCapacity *int   `yaml:"store_capacity"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "hisr", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// flagSetter is the part of *cli.Command the apply functions need.
type flagSetter interface {
	IsSet(name string) bool
}

var _ flagSetter = (*cli.Command)(nil)

func applyLogConfig(c flagSetter, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model and execution
// flags when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c flagSetter, cfg Config) {
	if cfg.ModelConfig != "" && !c.IsSet("config") {
		modelConfigPath = cfg.ModelConfig
	}
	if cfg.Weights != "" && !c.IsSet("weights") {
		weightsPath = cfg.Weights
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c flagSetter, cfg Config, addr *string, capacity *int) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.StoreCapacity != nil && !c.IsSet("store-capacity") {
		*capacity = *cfg.StoreCapacity
	}
}

type configKey struct{}

func withFileConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func fileConfig(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}
