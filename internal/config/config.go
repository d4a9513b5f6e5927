// Package config provides configuration management for the azimg CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.azimg).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".azimg"), nil
}

// DefaultConfigPath returns the default config file path (~/.azimg/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Config holds the CLI configuration.
type Config struct {
	StorageAccount  string `yaml:"storage_account,omitempty"`
	Container       string `yaml:"container,omitempty"`
	ResourceGroup   string `yaml:"resource_group,omitempty"`
	PublisherID     string `yaml:"publisher_id,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	SASToken        string `yaml:"sas_token,omitempty"`
	TimeoutSeconds  int    `yaml:"timeout_seconds,omitempty"`
	LogLevel        string `yaml:"log_level,omitempty"`
}

// ValidateStorage checks the fields required for blob operations.
func (c *Config) ValidateStorage() error {
	if c.StorageAccount == "" {
		return errors.New("storage_account is required")
	}
	if c.Container == "" {
		return errors.New("container is required")
	}
	if c.SASToken == "" && c.CredentialsFile == "" {
		return errors.New("either sas_token or credentials_file is required")
	}
	return nil
}

// ValidateCompute checks the fields required for compute image operations.
func (c *Config) ValidateCompute() error {
	if c.ResourceGroup == "" {
		return errors.New("resource_group is required")
	}
	if c.CredentialsFile == "" {
		return errors.New("credentials_file is required")
	}
	return nil
}

// ValidatePublish checks the fields required for marketplace operations.
func (c *Config) ValidatePublish() error {
	if c.PublisherID == "" {
		return errors.New("publisher_id is required")
	}
	if c.CredentialsFile == "" {
		return errors.New("credentials_file is required")
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Config may hold a SAS token, keep it user-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
