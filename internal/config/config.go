// Package config loads NexusConfig from YAML: the server bind address,
// default provider credentials, MCP server definitions, and logging
// settings, grounded on the teacher's internal/config package layout
// (one file per concern, decoded with yaml.v3's KnownFields strictness).
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nexus3-rt/nexus3/internal/mcpclient"
)

// NexusConfig is the top-level configuration for one nexus3 process.
type NexusConfig struct {
	Server  ServerConfig     `yaml:"server"`
	LLM     LLMConfig        `yaml:"llm"`
	MCP     MCPServersConfig `yaml:"mcp"`
	Logging LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the JSON-RPC transport and metrics endpoint.
type ServerConfig struct {
	// BindAddr is the JSON-RPC listen address. Must be loopback; rpcserver.New
	// enforces this regardless of what is configured here.
	BindAddr string `yaml:"bind_addr"`
	// MetricsAddr is the Prometheus /metrics listen address. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LLMConfig configures the default provider. APIKeyEnv names the environment
// variable the key is read from; the key itself is never written to disk.
type LLMConfig struct {
	Provider     string `yaml:"provider"`
	APIKeyEnv    string `yaml:"api_key_env"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxRetries   int    `yaml:"max_retries"`
}

// MCPServersConfig is an alias for mcpclient's own Config, named here to
// match how it appears in the top-level document's mcp: section.
type MCPServersConfig = mcpclient.Config

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns the configuration used when no file is supplied.
func Default() NexusConfig {
	return NexusConfig{
		Server: ServerConfig{
			BindAddr:    "127.0.0.1:8765",
			MetricsAddr: "127.0.0.1:9090",
		},
		LLM: LLMConfig{
			Provider:     "anthropic",
			APIKeyEnv:    "ANTHROPIC_API_KEY",
			DefaultModel: "claude-sonnet-4-20250514",
			MaxRetries:   4,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and decodes a NexusConfig from path, starting from Default()
// so an omitted section keeps its default rather than zeroing out.
func Load(path string) (NexusConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return NexusConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return NexusConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return NexusConfig{}, fmt.Errorf("config: %s must contain a single YAML document", path)
	}
	return cfg, nil
}

// APIKey resolves the provider API key from the environment variable named
// by LLM.APIKeyEnv.
func (c NexusConfig) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
