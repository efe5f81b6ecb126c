// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Database DatabaseConfig  `yaml:"database"`
	Logging  LoggingConfig   `yaml:"logging"`
	Sync     SyncConfig      `yaml:"sync"`
	Accounts []AccountConfig `yaml:"accounts"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level          string `yaml:"level"`
	Console        bool   `yaml:"console"`
	Sanitize       bool   `yaml:"sanitize"`
	SanitizeSecret string `yaml:"sanitize_secret"`
	ProtocolTrace  bool   `yaml:"protocol_trace"`
}

type SyncConfig struct {
	// SideChannelLimit caps concurrent side-channel requests per account.
	SideChannelLimit int64 `yaml:"side_channel_limit"`
	// DaysToSync bounds the metadata snapshot search window. 0 means all.
	DaysToSync int `yaml:"days_to_sync"`
	// QuickSync shortens folder examine intervals after a wake-up.
	QuickSync bool `yaml:"quick_sync"`
}

type AccountConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// OAuth switches authentication to XOAUTH2 with AccessToken.
	OAuth       bool   `yaml:"oauth"`
	AccessToken string `yaml:"access_token"`
}

func defaultSearchPaths() []string {
	paths := []string{"quail.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quail", "quail.yaml"))
	}
	return append(paths, "/etc/quail/quail.yaml")
}

// Load reads the configuration from path, or from the first existing default
// location when path is empty.
func Load(path string) (*Config, error) {
	paths := []string{path}
	if path == "" {
		paths = defaultSearchPaths()
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no config file found in %v: %w", paths, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "quail.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Sync.SideChannelLimit <= 0 {
		c.Sync.SideChannelLimit = 4
	}
	for i := range c.Accounts {
		if c.Accounts[i].Port == 0 {
			if c.Accounts[i].TLS {
				c.Accounts[i].Port = 993
			} else {
				c.Accounts[i].Port = 143
			}
		}
	}
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: no accounts defined")
	}
	seen := map[string]bool{}
	for _, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("config: account with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("config: duplicate account name %q", a.Name)
		}
		seen[a.Name] = true
		if a.Username == "" {
			return fmt.Errorf("config: account %q: username required", a.Name)
		}
		if !a.OAuth && a.Password == "" {
			return fmt.Errorf("config: account %q: password or oauth required", a.Name)
		}
		if a.OAuth && a.AccessToken == "" {
			return fmt.Errorf("config: account %q: oauth requires access_token", a.Name)
		}
	}
	return nil
}
