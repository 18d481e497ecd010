package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized alongside the config file. They
// override whatever the file sets.
var envBindings = map[string]string{
	"server.listen_host":     "LISTEN_HOST",
	"server.listen_port":     "LISTEN_PORT",
	"routing.default_server": "DEFAULT_SERVER",
	"routing.database_url":   "DATABASE_URL",
	"routing.static_routes":  "STATIC_ROUTES",
}

func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("server.listen_host", config.Server.ListenHost)
	v.SetDefault("server.listen_port", config.Server.ListenPort)
	v.SetDefault("server.log_level", config.Server.LogLevel)
	v.SetDefault("routing.default_server", config.Routing.DefaultServer)
	v.SetDefault("routing.database_url", "")
	v.SetDefault("routing.static_routes", "")
	v.SetDefault("routing.lookup_timeout", config.Routing.LookupTimeout)
	v.SetDefault("resolver.dns_servers", []string{})
	v.SetDefault("acl.deny_cidrs", []string{})
	v.SetDefault("admin.enable", config.Admin.Enable)
	v.SetDefault("admin.listen_addr", config.Admin.ListenAddr)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func SaveConfig(configPath string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func GenerateConfig(configPath string) error {
	return SaveConfig(configPath, DefaultConfig())
}

func validateConfig(config *Config) error {
	if config.Server.ListenHost == "" {
		return fmt.Errorf("server listen host cannot be empty")
	}

	if config.Server.ListenPort < 0 || config.Server.ListenPort > 65535 {
		return fmt.Errorf("server listen port %d out of range", config.Server.ListenPort)
	}

	if config.Routing.DefaultServer == "" {
		return fmt.Errorf("routing default server cannot be empty")
	}

	if config.Routing.LookupTimeout <= 0 {
		return fmt.Errorf("routing lookup timeout must be positive")
	}

	if config.Admin.Enable && config.Admin.ListenAddr == "" {
		return fmt.Errorf("admin listen address cannot be empty when enabled")
	}

	return nil
}
