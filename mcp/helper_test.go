package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// TestHelperProcess isn't a real test. It runs a small MCP server over
// stdio when re-executed by helperConfig.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	runHelperServer(os.Getenv("HELPER_MODE"))
	os.Exit(0)
}

func helperConfig(name, mode string) ServerConfig {
	return ServerConfig{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HELPER_MODE":            mode,
			"HELPER_GREETING":        "hello from env",
		},
		Enabled: true,
	}
}

var helperTools = []map[string]any{
	{
		"name":        "echo",
		"description": "Echo text back",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string", "description": "text to echo"},
				"times": map[string]any{"type": "integer"},
			},
			"required": []string{"text"},
		},
	},
	{
		"name":        "sleep",
		"description": "Echo text after a delay",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ms":   map[string]any{"type": "integer"},
				"text": map[string]any{"type": "string"},
			},
		},
	},
	{"name": "boom", "description": "Always fails"},
}

func runHelperServer(mode string) {
	var outMu sync.Mutex
	send := func(v any) {
		outMu.Lock()
		defer outMu.Unlock()
		data, _ := json.Marshal(v)
		os.Stdout.Write(append(data, '\n'))
	}
	result := func(id json.RawMessage, v any) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "result": v})
	}
	text := func(id json.RawMessage, s string) {
		result(id, map[string]any{"content": []map[string]any{{"type": "text", "text": s}}})
	}

	if mode == "exit" {
		fmt.Fprintln(os.Stderr, "exiting before handshake")
		os.Exit(3)
	}

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || len(req.ID) == 0 {
			continue
		}

		switch req.Method {
		case "initialize":
			switch mode {
			case "silent":
			case "bad_init":
				send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32603, "message": "cannot initialize"}})
			default:
				os.Stdout.Write([]byte("this line is not json\n"))
				result(req.ID, map[string]any{
					"protocolVersion": ProtocolVersion,
					"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
					"capabilities":    map[string]any{},
				})
			}
		case "tools/list":
			if mode == "no_tools" {
				result(req.ID, map[string]any{})
			} else {
				result(req.ID, map[string]any{"tools": helperTools})
			}
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &p)
			id := req.ID
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, _ := p.Arguments["text"].(string)
				switch p.Name {
				case "echo":
					text(id, s)
				case "sleep":
					ms, _ := p.Arguments["ms"].(float64)
					time.Sleep(time.Duration(ms) * time.Millisecond)
					text(id, s)
				case "boom":
					send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": -32000, "message": "tool exploded"}})
				case "image":
					result(id, map[string]any{"content": []map[string]any{{"type": "image", "data": "aGk=", "mimeType": "image/png"}}})
				case "empty":
					result(id, map[string]any{})
				case "notify":
					send(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{"progress": 1}})
					var n int64
					_ = json.Unmarshal(id, &n)
					send(map[string]any{"jsonrpc": "2.0", "id": fmt.Sprint(n), "result": map[string]any{
						"content": []map[string]any{{"type": "text", "text": "notified"}},
					}})
				case "env":
					text(id, os.Getenv("HELPER_GREETING"))
				case "exit_now":
					os.Exit(0)
				default:
					send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": -32601, "message": "unknown tool"}})
				}
			}()
		default:
			send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}
	wg.Wait()
}
