// Package config loads the relay's process configuration and holds the
// admin-editable Options. Environment variables override the YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultMaxMessageSize = 25 << 20

// Config holds the complete process configuration. Options is the admin
// editable part and is handed to a Store once loaded.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	HTTP    HTTPConfig    `yaml:"http"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
	Options Options       `yaml:"options"`

	// OptionsFile is where admin saves are persisted. Empty disables
	// persistence and saves only live in memory.
	OptionsFile string `yaml:"options_file"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// HTTPConfig holds the admin API configuration.
type HTTPConfig struct {
	Listen        string `yaml:"listen"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig holds the optional Redis connection used for delivery counters.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile layers defaults, the YAML file at path, the persisted options
// file it names and finally the environment. A missing path is an error.
func LoadFromFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		// The options file holds the latest admin save and wins over the
		// inline options block.
		if cfg.OptionsFile != "" {
			if err := loadOptionsFile(cfg.OptionsFile, &cfg.Options); err != nil {
				return nil, err
			}
		}
	}
	if err := applyEnv(cfg.envVars()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		SMTP: SMTPConfig{
			Listen:         ":2525",
			Hostname:       "localhost",
			MaxMessageSize: defaultMaxMessageSize,
		},
		HTTP:    HTTPConfig{Listen: ":8025"},
		Logging: LoggingConfig{Level: "info"},
		Options: DefaultOptions(),
	}
}

// AuthEnabled reports whether inbound SMTP clients must authenticate.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// AdminAuthEnabled reports whether the admin API requires basic auth.
func (c *Config) AdminAuthEnabled() bool {
	return c.HTTP.AdminUsername != "" && c.HTTP.AdminPassword != ""
}
