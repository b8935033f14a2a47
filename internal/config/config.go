package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the kadnet-node configuration.
type Config struct {
	IdentityPath string    `yaml:"identity_path"`
	ListenPort   int       `yaml:"listen_port"`
	Bootstrap    []string  `yaml:"bootstrap"` // node records: node_id@host:port/pubkey_hex
	STUNServers  []string  `yaml:"stun_servers"`
	Database     string    `yaml:"database"`
	API          APIConfig `yaml:"api"`
	LogLevel     string    `yaml:"log_level"`
}

// APIConfig configures the admin REST/WebSocket API.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		IdentityPath: "/etc/kadnet/identity.key",
		ListenPort:   9651,
		STUNServers: []string{
			"stun.l.google.com:19302",
		},
		Database: "sqlite:///var/lib/kadnet/node.db",
		API: APIConfig{
			Enabled:   true,
			Listen:    "127.0.0.1:9652",
			JWTSecret: "change-me-in-production",
			Username:  "admin",
			Password:  "admin",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
