package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes how to launch one external tool server.
type ServerConfig struct {
	Name    string            `yaml:"-" json:"-"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// Enabled defaults to true when omitted from a config file.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config is the set of configured servers keyed by name.
type Config struct {
	Servers map[string]ServerConfig
}

// NewConfig creates an empty Config.
func NewConfig() *Config {
	return &Config{Servers: make(map[string]ServerConfig)}
}

// AddServer adds or replaces a server.
func (c *Config) AddServer(s ServerConfig) {
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
	c.Servers[s.Name] = s
}

// RemoveServer deletes a server by name.
func (c *Config) RemoveServer(name string) {
	delete(c.Servers, name)
}

// Names returns the configured server names sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the enabled servers sorted by name.
func (c *Config) Enabled() []ServerConfig {
	var out []ServerConfig
	for _, name := range c.Names() {
		if s := c.Servers[name]; s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// fileServer mirrors ServerConfig on disk, with Enabled optional.
type fileServer struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

type fileConfig struct {
	Servers map[string]fileServer `yaml:"mcpServers" json:"mcpServers"`
}

// ParseConfig decodes an mcpServers document in JSON or YAML.
func ParseConfig(data []byte) (*Config, error) {
	var doc fileConfig
	var err error
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse MCP config: %w", err)
	}
	cfg := NewConfig()
	for name, s := range doc.Servers {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		cfg.AddServer(ServerConfig{
			Name:    name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Enabled: enabled,
		})
	}
	return cfg, nil
}

// LoadConfig reads an mcpServers document from path. A missing file yields
// an empty config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to read MCP config: %w", err)
	}
	return ParseConfig(data)
}

// SaveConfig writes cfg to path as an mcpServers document, JSON when path
// ends in .json and YAML otherwise. Enabled is written only for disabled
// servers.
func SaveConfig(cfg *Config, path string) error {
	doc := fileConfig{Servers: make(map[string]fileServer, len(cfg.Servers))}
	for name, s := range cfg.Servers {
		fs := fileServer{Command: s.Command, Args: s.Args, Env: s.Env}
		if !s.Enabled {
			disabled := false
			fs.Enabled = &disabled
		}
		doc.Servers[name] = fs
	}

	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(&doc, "", "  ")
	} else {
		data, err = yaml.Marshal(&doc)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal MCP config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write MCP config: %w", err)
	}
	return nil
}
