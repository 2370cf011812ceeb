// Package plugin implements the Plugin Chain (C8) of this design: a
// bounded-concurrency, per-server pipeline of external line-delimited-JSON
// processes that transform tool call arguments (request phase) and
// results (response phase), with per-stage timeouts and fail-open safety.
package plugin

import "time"

// Phase discriminates where in a tools/call a plugin chain runs, per
// the Plugin Chain Assignment.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Metadata is the Plugin Input metadata object.
type Metadata struct {
	RequestID     string         `json:"request_id"`
	Timestamp     time.Time      `json:"timestamp"`
	ServerName    string         `json:"server_name"`
	Phase         Phase          `json:"phase"`
	UserQuery     string         `json:"user_query,omitempty"`
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`
	MCPServers    []string       `json:"mcp_servers,omitempty"`
}

// Input is the Plugin Input: one line of JSON written to a
// plugin's stdin.
type Input struct {
	ToolName  string   `json:"tool_name"`
	RawContent string  `json:"raw_content"`
	MaxTokens *uint32  `json:"max_tokens,omitempty"`
	Metadata  Metadata `json:"metadata"`
}

// Output is the Plugin Output: one line of JSON read from a
// plugin's stdout. The field is named Continue_ because continue is a Go
// keyword; it still (de)serializes as JSON `continue`.
type Output struct {
	Text      string         `json:"text"`
	Continue_ bool           `json:"continue"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Assignment is one entry of the per-backend, per-phase ordered
// plugin list.
type Assignment struct {
	PluginName string
	Order      int
	Enabled    bool
	TimeoutMS  *int
}
