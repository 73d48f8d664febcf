package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/dmagent/capability"
)

// CapabilityPrefix starts the name of every capability backed by an
// external server.
const CapabilityPrefix = "external_"

// Manager owns one Client per configured server and exposes their tools
// as capabilities. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	config  *Config
	clients map[string]*Client
	cache   []capability.Descriptor

	logger     *zap.Logger
	clientOpts []ClientOption
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager and its clients.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClientOptions passes options to every client the manager creates.
func WithClientOptions(opts ...ClientOption) ManagerOption {
	return func(m *Manager) {
		m.clientOpts = append(m.clientOpts, opts...)
	}
}

// NewManager creates a manager for cfg. Nil means no servers.
func NewManager(cfg *Config, opts ...ManagerOption) *Manager {
	if cfg == nil {
		cfg = NewConfig()
	}
	m := &Manager{
		config:  cfg,
		clients: make(map[string]*Client),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAll starts every enabled server concurrently and returns how many
// came up. One server failing does not affect the others.
func (m *Manager) StartAll(ctx context.Context) int {
	m.mu.Lock()
	enabled := m.config.Enabled()
	m.mu.Unlock()

	var (
		g       errgroup.Group
		countMu sync.Mutex
		started int
	)
	for _, s := range enabled {
		name := s.Name
		g.Go(func() error {
			if m.StartServer(ctx, name) {
				countMu.Lock()
				started++
				countMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("MCP servers started", zap.Int("started", started), zap.Int("enabled", len(enabled)))
	return started
}

// StartServer starts one configured server. It returns true if the server
// is already running, and false if it is unknown, disabled, or fails to
// start.
func (m *Manager) StartServer(ctx context.Context, name string) bool {
	m.mu.Lock()
	if c, ok := m.clients[name]; ok && c.IsRunning() {
		m.mu.Unlock()
		m.logger.Debug("MCP server already running", zap.String("server", name))
		return true
	}
	cfg, ok := m.config.Servers[name]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("no MCP server configured with that name", zap.String("server", name))
		return false
	}
	if !cfg.Enabled {
		m.logger.Warn("MCP server is disabled", zap.String("server", name))
		return false
	}
	cfg.Name = name

	opts := append([]ClientOption{WithLogger(m.logger)}, m.clientOpts...)
	client := NewClient(cfg, opts...)
	if !client.Start(ctx) {
		return false
	}

	m.mu.Lock()
	if old, ok := m.clients[name]; ok && old != client {
		defer old.Stop()
	}
	m.clients[name] = client
	m.rebuildLocked()
	m.mu.Unlock()
	return true
}

// StopServer stops a server if it is running.
func (m *Manager) StopServer(name string) {
	m.mu.Lock()
	client, ok := m.clients[name]
	if ok {
		delete(m.clients, name)
		m.rebuildLocked()
	}
	m.mu.Unlock()

	if ok {
		client.Stop()
	}
}

// StopAll stops every server and clears the capability cache.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.cache = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
}

// Tools returns the capabilities backed by running servers.
func (m *Manager) Tools() []capability.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capability.Descriptor, len(m.cache))
	copy(out, m.cache)
	return out
}

// Register adds every external capability to reg.
func (m *Manager) Register(reg *capability.Registry) int {
	tools := m.Tools()
	for _, d := range tools {
		reg.Register(d)
	}
	return len(tools)
}

// ServerStatus reports whether each configured server is running.
func (m *Manager) ServerStatus() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := make(map[string]bool, len(m.config.Servers))
	for name := range m.config.Servers {
		c, ok := m.clients[name]
		status[name] = ok && c.IsRunning()
	}
	return status
}

// RunningServers lists running servers sorted by name.
func (m *Manager) RunningServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, c := range m.clients {
		if c.IsRunning() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AddServerConfig adds or replaces a server configuration. A running
// server keeps its current process until restarted.
func (m *Manager) AddServerConfig(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.AddServer(cfg)
}

// RemoveServerConfig stops the server and removes its configuration.
func (m *Manager) RemoveServerConfig(name string) {
	m.StopServer(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.RemoveServer(name)
}

// Config returns the manager's configuration.
func (m *Manager) Config() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

func (m *Manager) rebuildLocked() {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	m.cache = nil
	for _, server := range names {
		client := m.clients[server]
		if !client.IsRunning() {
			continue
		}
		for _, tool := range client.Tools() {
			m.cache = append(m.cache, m.wrap(server, tool))
		}
	}
}

// CapabilityName returns the capability name for a server's tool.
func CapabilityName(server, tool string) string {
	return CapabilityPrefix + server + "_" + tool
}

func (m *Manager) wrap(server string, tool Tool) capability.Descriptor {
	return capability.Descriptor{
		Name:        CapabilityName(server, tool.Name),
		Description: describe(server, tool),
		Capability: capability.Func(func(ctx context.Context, args capability.Args) (string, error) {
			m.mu.Lock()
			client, ok := m.clients[server]
			m.mu.Unlock()
			if !ok || !client.IsRunning() {
				return fmt.Sprintf("External server %q is not running", server), nil
			}
			text, err := client.CallTool(ctx, tool.Name, args)
			var rpcErr *RPCError
			switch {
			case errors.As(err, &rpcErr):
				return fmt.Sprintf("External tool %q on server %q returned an error: %s", tool.Name, server, rpcErr.Message), nil
			case err != nil:
				return fmt.Sprintf("External tool %q on server %q failed: %v", tool.Name, server, err), nil
			}
			return text, nil
		}),
	}
}

type inputSchema struct {
	Properties map[string]struct {
		Type        any    `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// describe renders the tool description with its argument schema, e.g.
// `[external:fs] Read a file. Arguments: {"path": string (file path), optional "limit": integer}`.
func describe(server string, tool Tool) string {
	desc := fmt.Sprintf("[external:%s] %s", server, strings.TrimSpace(tool.Description))

	var schema inputSchema
	if len(tool.InputSchema) == 0 || json.Unmarshal(tool.InputSchema, &schema) != nil || len(schema.Properties) == 0 {
		return desc
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]string, 0, len(names))
	for _, name := range names {
		p := schema.Properties[name]
		param := fmt.Sprintf("%q: %s", name, typeName(p.Type))
		if !required[name] {
			param = "optional " + param
		}
		if p.Description != "" {
			param += " (" + p.Description + ")"
		}
		params = append(params, param)
	}
	return desc + ". Arguments: {" + strings.Join(params, ", ") + "}"
}

// typeName renders a JSON Schema type, which may be a string or a list.
func typeName(t any) string {
	switch v := t.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "|")
		}
	}
	return "any"
}
