// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the process configuration from a TOML file with
// environment-variable overrides (prefix FLEET__).
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ptctl/fleet/internal/domain"
)

// defaultSessionSecret is the placeholder shipped in generated configs. Running
// with it is a fatal invariant violation unless explicitly permitted.
const defaultSessionSecret = "change-me"

type Config struct {
	Host                    string `toml:"host" mapstructure:"host"`
	Port                    int    `toml:"port" mapstructure:"port"`
	LogLevel                string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath                 string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize              int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups           int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir                 string `toml:"dataDir" mapstructure:"dataDir"`
	DatabasePath            string `toml:"databasePath" mapstructure:"databasePath"`
	SessionSecret           string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	AllowDefaultSecret      bool   `toml:"allowDefaultSecret" mapstructure:"allowDefaultSecret"`
	HTTPUserAgent           string `toml:"httpUserAgent" mapstructure:"httpUserAgent"`
	HTTPVerifyTLS           bool   `toml:"httpVerifyTls" mapstructure:"httpVerifyTls"`
	RSSFreeCheckConcurrency int    `toml:"rssFreeCheckConcurrency" mapstructure:"rssFreeCheckConcurrency"`
	MetricsEnabled          bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost             string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort             int    `toml:"metricsPort" mapstructure:"metricsPort"`
}

// New reads configPath (optional; defaults apply when absent) and applies
// FLEET__-prefixed environment overrides.
func New(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7575)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("dataDir", "./data")
	v.SetDefault("sessionSecret", defaultSessionSecret)
	v.SetDefault("httpUserAgent", "ptctl-fleet/1.0")
	v.SetDefault("httpVerifyTls", true)
	v.SetDefault("rssFreeCheckConcurrency", 8)
	v.SetDefault("metricsEnabled", false)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9750)

	v.SetEnvPrefix("FLEET_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "fleet.db")
	}
	if cfg.SessionSecret == defaultSessionSecret && !cfg.AllowDefaultSecret {
		return nil, fmt.Errorf("%w: refusing to start with the default session secret; set sessionSecret or allowDefaultSecret", domain.ErrInvariant)
	}
	return &cfg, nil
}
