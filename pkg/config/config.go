// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the bridge configuration from a YAML or JSON file and
// applies environment overrides on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/broker"
	"github.com/turtacn/farmbridge/pkg/connector"
	"github.com/turtacn/farmbridge/pkg/dispatch"
	"github.com/turtacn/farmbridge/pkg/idempotency"
	"github.com/turtacn/farmbridge/pkg/legacy"
	"github.com/turtacn/farmbridge/pkg/logger"
	"github.com/turtacn/farmbridge/pkg/modbus"
	"github.com/turtacn/farmbridge/pkg/storage"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FARMBRIDGE_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// AuthConfig configures device token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" json:"-" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" json:"issuer" env:"ISSUER"`
	Audience  string        `yaml:"audience" json:"audience" env:"AUDIENCE"`
	TokenTTL  time.Duration `yaml:"token_ttl" json:"token_ttl" env:"TOKEN_TTL"`
}

// Options converts the section to verifier options.
func (a AuthConfig) Options() auth.Options {
	return auth.Options{
		Secret:   []byte(a.JWTSecret),
		Issuer:   a.Issuer,
		Audience: a.Audience,
		TTL:      a.TokenTTL,
	}
}

// StorageConfig selects the command/device store.
type StorageConfig struct {
	Driver   string                 `yaml:"driver" json:"driver" env:"DRIVER"`
	Postgres storage.PostgresConfig `yaml:"postgres" json:"postgres" envPrefix:"POSTGRES_"`
}

// ModbusConfig lists the directly polled Modbus devices.
type ModbusConfig struct {
	Devices   []modbus.DeviceConfig   `yaml:"devices" json:"devices"`
	Actuators []modbus.ActuatorConfig `yaml:"actuators" json:"actuators"`
}

// ListenConfig is an HTTP listen address.
type ListenConfig struct {
	Address string `yaml:"address" json:"address" env:"ADDRESS"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// Config holds the complete configuration.
type Config struct {
	Broker   broker.Config           `yaml:"broker" json:"broker"`
	Auth     AuthConfig              `yaml:"auth" json:"auth"`
	Storage  StorageConfig           `yaml:"storage" json:"storage"`
	Influx   storage.InfluxConfig    `yaml:"influx" json:"influx"`
	Kafka    connector.KafkaConfig   `yaml:"kafka" json:"kafka"`
	Redis    idempotency.RedisConfig `yaml:"redis" json:"redis"`
	Dispatch dispatch.Config         `yaml:"dispatch" json:"dispatch"`
	Legacy   legacy.Config           `yaml:"legacy" json:"legacy"`
	Modbus   ModbusConfig            `yaml:"modbus" json:"modbus"`
	Admin    ListenConfig            `yaml:"admin" json:"admin"`
	Metrics  ListenConfig            `yaml:"metrics" json:"metrics"`
	Log      LogConfig               `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration. It has no JWT secret and
// so does not validate until one is provided.
func DefaultConfig() *Config {
	return &Config{
		Broker: broker.Config{
			Address:        broker.DefaultAddress,
			MaxConnections: broker.DefaultMaxConnections,
			StatsInterval:  broker.DefaultStatsInterval,
		},
		Auth: AuthConfig{
			Issuer:   auth.DefaultIssuer,
			Audience: auth.DefaultAudience,
			TokenTTL: auth.DefaultTTL,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Postgres: storage.PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				AutoMigrate:     true,
			},
		},
		Redis: idempotency.RedisConfig{Prefix: "farmbridge:idem:"},
		Dispatch: dispatch.Config{
			Interval:  dispatch.DefaultInterval,
			BatchSize: dispatch.DefaultBatchSize,
		},
		Legacy:  legacy.Config{}.WithDefaults(),
		Admin:   ListenConfig{Address: ":8080"},
		Metrics: ListenConfig{Address: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are given) without overriding the process environment. Missing files are
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from FARMBRIDGE_<SECTION>_<KEY> variables. The
// Modbus device lists are file-only.
func ApplyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"BROKER_", &cfg.Broker},
		{"AUTH_", &cfg.Auth},
		{"STORAGE_", &cfg.Storage},
		{"INFLUX_", &cfg.Influx},
		{"KAFKA_", &cfg.Kafka},
		{"REDIS_", &cfg.Redis},
		{"DISPATCH_", &cfg.Dispatch},
		{"LEGACY_", &cfg.Legacy},
		{"ADMIN_", &cfg.Admin},
		{"METRICS_", &cfg.Metrics},
		{"LOG_", &cfg.Log},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("environment %s%s*: %w", EnvPrefix, s.prefix, err)
		}
	}
	return nil
}

// LoadConfig reads configPath (defaults only when empty), applies the
// environment and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		ext := strings.ToLower(filepath.Ext(configPath))
		switch ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".json":
			err = json.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret cannot be empty")
	}
	if err := config.Broker.TLS.Validate(); err != nil {
		return fmt.Errorf("broker.tls: %w", err)
	}
	if err := config.Kafka.Validate(); err != nil {
		return err
	}

	switch config.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if config.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s (supported: memory, postgres)", config.Storage.Driver)
	}

	if config.Dispatch.Interval < 0 || config.Dispatch.BatchSize < 0 {
		return fmt.Errorf("dispatch interval and batch_size cannot be negative")
	}

	if _, err := logger.ParseLevel(config.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(config.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s (supported: text, json)", config.Log.Format)
	}

	ids := make(map[string]bool)
	for i, d := range config.Modbus.Devices {
		d = d.WithDefaults()
		if err := d.Validate(); err != nil {
			return fmt.Errorf("modbus device %d: %w", i, err)
		}
		if ids[d.DeviceID] {
			return fmt.Errorf("duplicate modbus device id: %s", d.DeviceID)
		}
		ids[d.DeviceID] = true
	}
	for i, a := range config.Modbus.Actuators {
		a = a.WithDefaults()
		if err := a.Validate(); err != nil {
			return fmt.Errorf("modbus actuator %d: %w", i, err)
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate modbus device id: %s", a.ID)
		}
		ids[a.ID] = true
	}
	return nil
}
