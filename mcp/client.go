// Package mcp runs external tool servers as child processes and talks to
// them over newline-delimited JSON-RPC on stdin and stdout.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultCallTimeout  = 5 * time.Second
	DefaultStartTimeout = 10 * time.Second

	stopWait       = time.Second
	maxMessageSize = 10 * 1024 * 1024
)

var (
	// ErrNotRunning is returned for calls on a client whose process is gone.
	ErrNotRunning = errors.New("MCP server not running")
	// ErrStopped is returned to callers still waiting when the client stops.
	ErrStopped = errors.New("MCP server stopped before responding")
	// ErrTimeout is returned when no response arrives in time.
	ErrTimeout = errors.New("MCP request timed out")
	// ErrNoContent is returned when a tool result carries no content.
	ErrNoContent = errors.New("MCP tool returned no content")
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout bounds how long CallTool waits for a response.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithStartTimeout bounds each handshake request during Start.
func WithStartTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithClientInfo sets the name and version reported during the handshake.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.clientName = name
		c.clientVersion = version
	}
}

// Client manages one server process. Requests may be issued concurrently:
// id allocation and writes are serialized, and each request waits on its
// own channel keyed by id.
type Client struct {
	cfg           ServerConfig
	logger        *zap.Logger
	callTimeout   time.Duration
	startTimeout  time.Duration
	clientName    string
	clientVersion string

	lifecycle sync.Mutex // serializes Start and Stop
	writeMu   sync.Mutex // id allocation and send

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	exited  chan struct{}
	nextID  int64
	pending map[int64]chan *message
	tools   []Tool
	server  string
}

// NewClient creates a client for cfg. The process is not started.
func NewClient(cfg ServerConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:           cfg,
		logger:        zap.NewNop(),
		callTimeout:   DefaultCallTimeout,
		startTimeout:  DefaultStartTimeout,
		clientName:    "dmagent",
		clientVersion: "1.0.0",
		pending:       make(map[int64]chan *message),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("server", cfg.Name))
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// Start launches the process, performs the initialize handshake, and
// fetches the tool list. Any failure terminates the process and returns
// false. Starting a running client is a no-op that returns true.
func (c *Client) Start(ctx context.Context) bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.IsRunning() {
		return true
	}
	c.stopLocked() // reap a process that exited on its own
	if err := c.launch(); err != nil {
		c.logger.Error("failed to start MCP server", zap.Error(err))
		return false
	}
	if err := c.handshake(ctx); err != nil {
		c.logger.Error("MCP handshake failed", zap.Error(err))
		c.stopLocked()
		return false
	}

	c.logger.Info("MCP server started", zap.Int("tools", len(c.Tools())))
	return true
}

func (c *Client) launch() error {
	if c.cfg.Command == "" {
		return fmt.Errorf("empty command")
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command %s: %w", c.cfg.Command, err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.running = true
	c.exited = exited
	c.tools = nil
	c.mu.Unlock()

	// Each process gets its own reader group; a previous process whose
	// stop timed out may still be draining its pipes.
	readers := &sync.WaitGroup{}
	readers.Add(2)
	go c.readStdout(stdout, readers)
	go c.readStderr(stderr, readers)
	go c.wait(cmd, exited, readers)
	return nil
}

// wait reaps the process once both pipes are drained and fails any
// requests still outstanding. A process that was already replaced leaves
// the client state alone.
func (c *Client) wait(cmd *exec.Cmd, exited chan struct{}, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()

	c.mu.Lock()
	current := c.cmd == cmd
	wasRunning := current && c.running
	if current {
		c.running = false
		c.failPendingLocked()
	}
	c.mu.Unlock()

	if wasRunning {
		c.logger.Warn("MCP server exited", zap.Error(err))
	}
	close(exited)
}

func (c *Client) handshake(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    c.clientName,
			"version": c.clientVersion,
		},
	}, c.startTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("malformed initialize response: %w", err)
	}

	if err := c.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	raw, err = c.call(ctx, "tools/list", nil, c.startTimeout)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("malformed tools/list response: %w", err)
	}
	if list.Tools == nil {
		return fmt.Errorf("tools/list response has no tools field")
	}

	c.mu.Lock()
	c.tools = *list.Tools
	c.server = init.ServerInfo.Name
	c.mu.Unlock()
	return nil
}

// readStderr logs server stderr line by line.
func (c *Client) readStderr(stderr io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("MCP server stderr", zap.String("line", scanner.Text()))
	}
}

// readStdout parses one JSON message per line and routes responses to
// their waiting callers.
func (c *Client) readStdout(stdout io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse MCP message", zap.Error(err))
			continue
		}
		if msg.Method != "" {
			c.logger.Debug("ignoring MCP server message", zap.String("method", msg.Method))
			continue
		}
		id, ok := msg.numericID()
		if !ok {
			c.logger.Warn("MCP response without usable id", zap.ByteString("id", msg.ID))
			continue
		}
		c.deliver(id, &msg)
	}

	if err := scanner.Err(); err != nil && c.IsRunning() {
		c.logger.Error("error reading MCP server output", zap.Error(err))
	}
}

// deliver hands msg to the caller waiting on id. Responses nobody is
// waiting for, such as those arriving after a timeout, are dropped.
func (c *Client) deliver(id int64, msg *message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping MCP response with no waiting caller", zap.Int64("id", id))
		return
	}
	ch <- msg
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call sends a request and waits up to timeout for its response.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.writeMu.Lock()
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, ErrNotRunning
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *message, 1)
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	err := writeLine(stdin, request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrStopped
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%s: %w after %s", method, ErrTimeout, timeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	stdin, running := c.stdin, c.running
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return writeLine(stdin, notification{JSONRPC: "2.0", Method: method, Params: params})
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to server stdin: %w", err)
	}
	return nil
}

// CallTool invokes a tool and returns the text of the first content item,
// or its JSON rendering when it has no text. The error is an *RPCError when
// the server rejected the call, and ErrTimeout, ErrStopped or ErrNotRunning
// when it never answered. A response without content yields ErrNoContent.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, c.callTimeout)
	if err != nil {
		c.logger.Warn("MCP tool call failed",
			zap.String("tool", name),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err))
		return "", err
	}

	text, ok := renderContent(raw)
	if !ok {
		c.logger.Warn("MCP tool returned no content", zap.String("tool", name))
		return "", ErrNoContent
	}
	return text, nil
}

func renderContent(raw json.RawMessage) (string, bool) {
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 || string(result.Content) == "null" {
		return "", false
	}

	var items []json.RawMessage
	if err := json.Unmarshal(result.Content, &items); err != nil {
		return string(result.Content), true
	}
	if len(items) == 0 {
		return "", true
	}
	var first struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(items[0], &first); err == nil && first.Text != nil {
		return *first.Text, true
	}
	return string(items[0]), true
}

// Tools returns the tools advertised at startup.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// ServerName returns the name the server reported during the handshake.
func (c *Client) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// IsRunning reports whether the process is alive.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop kills the process and fails any outstanding requests.
func (c *Client) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked()
}

func (c *Client) stopLocked() {
	c.mu.Lock()
	cmd, stdin, exited := c.cmd, c.stdin, c.exited
	if cmd == nil {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cmd = nil
	c.stdin = nil
	c.failPendingLocked()
	c.mu.Unlock()

	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
	case <-time.After(stopWait):
		c.logger.Warn("timeout waiting for MCP server to exit")
	}
	c.logger.Info("MCP server stopped")
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if _, overridden := overrides[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
