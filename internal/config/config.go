// Package config holds the operator-facing settings for the TFTP server
// binary.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen         string `yaml:"listen"`
	Root           string `yaml:"root"`
	ReadOnly       bool   `yaml:"read_only"`
	WriteOnly      bool   `yaml:"write_only"`
	MaxConnections int    `yaml:"max_connections"`
	MaxRetry       int    `yaml:"max_retry"`
	MetricsListen  string `yaml:"metrics_listen"`
	LogLevel       string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Listen:         ":69",
		Root:           ".",
		MaxConnections: 100,
		MaxRetry:       5,
		LogLevel:       "info",
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ReadOnly && c.WriteOnly {
		return errors.New("read_only and write_only are mutually exclusive")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.MaxRetry <= 0 {
		return errors.New("max_retry must be positive")
	}
	if c.Root == "" {
		return errors.New("root directory must be set")
	}
	return nil
}
