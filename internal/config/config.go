// Package config loads executord's configuration from the environment (or
// an optional file), using github.com/spf13/viper in the pack's env-plus-file
// style. The variable names are fixed by SPEC_FULL.md §6 for compatibility
// with the rest of the deployment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config bundles the fixed collaborator DSNs of spec §6 plus the engine
// tuning knobs the executor's Worker accepts as options.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	ModelURL    string `mapstructure:"model_url"`
	ModelAPIKey string `mapstructure:"model_api_key"`

	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket_name"`
	S3Region    string `mapstructure:"s3_region"`

	Engine EngineConfig `mapstructure:"engine"`
}

// EngineConfig holds the executor's tuning knobs; none of these are part of
// spec §6's fixed collaborator names, so they carry engine-specific
// defaults instead.
type EngineConfig struct {
	// Concurrency is the per-process simultaneous-run cap (spec §5: default 8).
	Concurrency int `mapstructure:"concurrency"`
	// PollTimeout bounds each idle BlockingPop wait.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	// RunTTL holds the default run lifetime (spec §5: default creation + 10
	// minutes). It is loaded but not applied by anything in this module: the
	// executor enforces each run's stored ExpiresAt as it is.
	RunTTL time.Duration `mapstructure:"run_ttl"`
	// SandboxTimeout bounds each code_interpreter dispatch (spec §5: 30s).
	SandboxTimeout time.Duration `mapstructure:"sandbox_timeout"`
	// RateLimitKey, when non-empty, shares the LLM client's adaptive
	// tokens-per-minute budget across every executord process that sets the
	// same key, coordinated through a Redis-backed replicated map over the
	// same connection as RedisURL. Empty keeps the limiter process-local.
	RateLimitKey string `mapstructure:"rate_limit_key"`
}

// Load reads configuration from environment variables (the names spec §6
// fixes, upper-cased and ungrouped) and, if present, a config file named
// configName under one of searchPaths. Environment variables always take
// precedence over file values, matching the pack's viper setup.
func Load(configName string, searchPaths ...string) (Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	v.SetDefault("engine.concurrency", 8)
	v.SetDefault("engine.poll_timeout", 2*time.Second)
	v.SetDefault("engine.run_ttl", 10*time.Minute)
	v.SetDefault("engine.sandbox_timeout", 30*time.Second)
	v.SetDefault("s3_region", "us-east-1")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"database_url", "redis_url", "model_url", "model_api_key",
		"s3_endpoint", "s3_access_key", "s3_secret_key", "s3_bucket_name", "s3_region",
		"engine.rate_limit_key",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
