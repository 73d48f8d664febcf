package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ProtocolVersion is the protocol revision sent during the handshake.
const ProtocolVersion = "2024-11-05"

// Tool is a tool advertised by a server in response to tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// request is an outbound JSON-RPC request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// notification is an outbound message that expects no response.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// message is any inbound line: a response, a notification, or a request
// from the server.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// numericID returns the message id as an integer. String ids holding a
// number are accepted.
func (m *message) numericID() (int64, bool) {
	if len(m.ID) == 0 || string(m.ID) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// RPCError is a JSON-RPC error object returned by a server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities json.RawMessage `json:"capabilities"`
}

type listToolsResult struct {
	Tools *[]Tool `json:"tools"`
}

type callToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
}
