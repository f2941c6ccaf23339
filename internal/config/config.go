package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models huddle.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Signals struct {
		Enabled   bool   `yaml:"enabled"`
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	} `yaml:"signals"`
}

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".huddle", "huddle.yml")
}

// Default returns a config suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Auth.AllowLegacyActorHeader = true
	cfg.Signals.Enabled = false
	cfg.Signals.HostPort = "localhost:7233"
	cfg.Signals.Namespace = "default"
	cfg.Signals.TaskQueue = "TEAM_SIGNALS_TASK_QUEUE"
	return cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.Signals.Enabled {
		if c.Signals.HostPort == "" {
			return fmt.Errorf("config.signals.host_port is required when signals are enabled")
		}
		if c.Signals.TaskQueue == "" {
			return fmt.Errorf("config.signals.task_queue is required when signals are enabled")
		}
	}
	return nil
}

// Save writes the config to the workspace.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
