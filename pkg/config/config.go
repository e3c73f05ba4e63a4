// Copyright 2026 Datafox Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package config loads and validates the tether configuration.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full tether configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// EngineConfig describes how to reach the remote analytical engine.
type EngineConfig struct {
	// EndpointBase is the websocket base URL, e.g. wss://engine.example.com/app
	EndpointBase string `mapstructure:"endpoint_base"`

	// AuthToken authenticates the upgrade request. Usually supplied via the
	// TETHER_ENGINE_AUTH_TOKEN environment variable rather than on disk.
	AuthToken string `mapstructure:"auth_token"`

	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
}

// RetryConfig bounds the retrying executor.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// BatchConfig sets batch traversal defaults.
type BatchConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	ItemTimeout  time.Duration `mapstructure:"item_timeout"`
	TotalTimeout time.Duration `mapstructure:"total_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from the given file (optional), the standard
// search paths, and TETHER_* environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tether/")
		v.SetConfigName("tether")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", v.ConfigFileUsed(), err)
		}
		// No config file is fine; defaults plus env cover it.
	}

	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Viper only maps environment variables onto keys it already knows, so
	// env-only strings still need a default registered here.
	v.SetDefault("engine.endpoint_base", "")
	v.SetDefault("engine.auth_token", "")
	v.SetDefault("engine.handshake_timeout", 10*time.Second)
	v.SetDefault("engine.keepalive_interval", 30*time.Second)
	v.SetDefault("engine.idle_timeout", 5*time.Minute)
	v.SetDefault("engine.open_timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)

	v.SetDefault("batch.batch_size", 50)
	v.SetDefault("batch.item_timeout", 5*time.Second)
	v.SetDefault("batch.total_timeout", 5*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9464)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Engine.EndpointBase == "" {
		return fmt.Errorf("invalid config: engine.endpoint_base is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid config: retry.max_attempts must be at least 1")
	}
	if c.Batch.BatchSize < 1 {
		return fmt.Errorf("invalid config: batch.batch_size must be at least 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid config: metrics.port out of range")
	}
	return nil
}

// Credentials is what the session layer needs to open one connection.
type Credentials struct {
	EndpointBase string
	AuthToken    string
}

// CredentialResolver supplies per-tenant engine credentials. The cloud REST
// wrapper provides the real implementation; the session layer only consumes
// it when opening a connection.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenant string) (Credentials, error)
}

// StaticResolver serves one fixed credential set, built from the local
// configuration. Sufficient for single-tenant deployments and tests.
type StaticResolver struct {
	creds Credentials
}

// NewStaticResolver builds a resolver from the engine config.
func NewStaticResolver(engine EngineConfig) *StaticResolver {
	return &StaticResolver{creds: Credentials{
		EndpointBase: engine.EndpointBase,
		AuthToken:    engine.AuthToken,
	}}
}

// Resolve returns the fixed credentials for every tenant.
func (r *StaticResolver) Resolve(_ context.Context, _ string) (Credentials, error) {
	return r.creds, nil
}
