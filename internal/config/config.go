// Package config holds daemon settings with defaults overridable from a
// YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APISocketPath    string        `yaml:"api_socket_path"`
	IPCSocketPath    string        `yaml:"ipc_socket_path"`
	DBPath           string        `yaml:"db_path"`
	DefaultAgent     string        `yaml:"default_agent"`
	CodexExecutable  string        `yaml:"codex_executable"`
	OpenCodeBaseURL  string        `yaml:"opencode_base_url"`
	StreamBufferSize int           `yaml:"stream_buffer_size"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	TraceRetention   time.Duration `yaml:"trace_retention"`
	TraceKeepPerID   int           `yaml:"trace_keep_per_thread"`
}

func DefaultConfig() Config {
	return Config{
		APISocketPath:    defaultSocketPath("agentdeckd.sock"),
		IPCSocketPath:    defaultSocketPath("agentdeck-ipc.sock"),
		DBPath:           defaultDBPath(),
		DefaultAgent:     "codex",
		CodexExecutable:  "codex",
		OpenCodeBaseURL:  "http://127.0.0.1:4096",
		StreamBufferSize: 400,
		ReconnectDelay:   time.Second,
		RequestTimeout:   30 * time.Second,
		TraceRetention:   7 * 24 * time.Hour,
		TraceKeepPerID:   2000,
	}
}

// Load returns the defaults overlaid with the YAML file at path. A missing
// file is not an error; a malformed or unknown-key file is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APISocketPath == "" {
		return errors.New("api_socket_path is required")
	}
	if c.IPCSocketPath == "" {
		return errors.New("ipc_socket_path is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.StreamBufferSize <= 0 {
		return errors.New("stream_buffer_size must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect_delay must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	return nil
}

func defaultSocketPath(name string) string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "agentdeck", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + name
	}
	return filepath.Join(home, ".local", "state", "agentdeck", name)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentdeck.db"
	}
	return filepath.Join(home, ".local", "state", "agentdeck", "agentdeck.db")
}
