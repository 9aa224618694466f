package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the taskdeck.json configuration file
type Config struct {
	Version      string `json:"version"`
	ListenAddr   string `json:"listen_addr"`
	DatabasePath string `json:"database_path"`
	BaseRepo     string `json:"base_repo"`
	LogLevel     string `json:"log_level"`
	Agent        Agent  `json:"agent"`
	Stream       Stream `json:"stream"`
}

// Agent configures the claude-style agent subprocess
type Agent struct {
	Binary    string   `json:"binary"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// Stream contains buffering and truncation tuning
type Stream struct {
	TextFlushBytes   int `json:"text_flush_bytes"`
	ResultLimitBytes int `json:"result_limit_bytes"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:      "1.0",
		ListenAddr:   "127.0.0.1:8321",
		DatabasePath: ".taskdeck/taskdeck.db",
		BaseRepo:     "",
		LogLevel:     "info",
		Agent: Agent{
			Binary: "claude",
		},
		Stream: Stream{
			TextFlushBytes:   512,
			ResultLimitBytes: 2000,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("configuration error: missing required field 'listen_addr'\n\nHint: Set the address the server binds to:\n  \"listen_addr\": \"127.0.0.1:8321\"")
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("configuration error: missing required field 'database_path'\n\nHint: Set where the board database lives:\n  \"database_path\": \".taskdeck/taskdeck.db\"")
	}

	if c.Agent.Binary == "" {
		return fmt.Errorf("configuration error: agent has empty 'binary' field\n\nHint: Specify the agent command:\n  \"agent\": {\"binary\": \"claude\"}")
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("configuration error: invalid 'log_level' value: %q\n\nHint: Use one of debug, info, warn, error", c.LogLevel)
	}

	if c.Stream.TextFlushBytes < 0 {
		return fmt.Errorf("configuration error: 'stream.text_flush_bytes' must not be negative")
	}
	if c.Stream.ResultLimitBytes < 0 {
		return fmt.Errorf("configuration error: 'stream.result_limit_bytes' must not be negative")
	}

	return nil
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
