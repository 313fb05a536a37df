package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration file (~/.config/chunkllm/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir       string `yaml:"model_dir"`
	Prefix         string `yaml:"prefix"`
	Backend        string `yaml:"backend"`
	CacheProcessor string `yaml:"cache_processor"`
	LogitProcessor string `yaml:"logit_processor"`

	// Generation defaults
	MaxNewTokens *int64  `yaml:"max_new_tokens"`
	EOSTokenIDs  []int64 `yaml:"eos_token_ids"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chunkllm", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model-dir") {
		modelDir = cfg.ModelDir
	}
	if cfg.Prefix != "" && !c.IsSet("prefix") {
		prefix = cfg.Prefix
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.CacheProcessor != "" && !c.IsSet("cache-processor") {
		cacheProcessor = cfg.CacheProcessor
	}
	if cfg.LogitProcessor != "" && !c.IsSet("logit-processor") {
		logitProcessor = cfg.LogitProcessor
	}
}

// applyGenerationConfig applies the generation defaults shared by run and
// serve.
func applyGenerationConfig(c *cli.Command, cfg Config, maxNew *int64, eos *[]int64) {
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		*maxNew = *cfg.MaxNewTokens
	}
	if len(cfg.EOSTokenIDs) > 0 && !c.IsSet("eos") {
		*eos = cfg.EOSTokenIDs
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
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
