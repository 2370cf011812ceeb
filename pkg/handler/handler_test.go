package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/backend"
	"github.com/stacklok/mcp-proxy/pkg/cache"
	"github.com/stacklok/mcp-proxy/pkg/plugin"
	"github.com/stacklok/mcp-proxy/pkg/pool"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
	"github.com/stacklok/mcp-proxy/pkg/router"
	"github.com/stacklok/mcp-proxy/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHarness wires a Handler to real Manager/Router/Cache instances, the
// way cmd/mcpproxy does, but against in-memory backends.
type testHarness struct {
	handler *Handler
	manager *backend.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	p := pool.New(protocol.V20250326, pool.ClientInfo{Name: "mcp-proxy", Version: "test"})
	c := cache.New()
	var m *backend.Manager
	r := router.New(func(ctx context.Context, b, method string, params json.RawMessage) (json.RawMessage, error) {
		return m.Call(ctx, b, method, params)
	})
	m = backend.NewManager(p, r, c)

	reg := plugin.NewRegistry(t.TempDir(), "", 10, 1, time.Second)
	t.Cleanup(reg.Close)
	chain := plugin.NewChain(reg)

	h := New(m, r, c, chain, Info{Name: "mcp-proxy", Version: "test"})
	return &testHarness{handler: h, manager: m}
}

// fakeMCPBackend replies to initialize/notifications/initialized with a
// canonical handshake, then serves tools/list with one tool and echoes
// tools/call arguments back so tests can assert forwarding and prefixing.
func fakeMCPBackend(t *testing.T, peer *transport.InMemoryPeer, toolName string) {
	t.Helper()
	go func() {
		for {
			data, err := peer.Recv(context.Background())
			if err != nil {
				return
			}
			var req map[string]any
			_ = json.Unmarshal(data, &req)

			switch req["method"] {
			case "initialize":
				resp := map[string]any{
					"jsonrpc": "2.0",
					"id":      req["id"],
					"result": map[string]any{
						"protocolVersion": "2025-03-26",
						"capabilities":    map[string]any{},
						"serverInfo":      map[string]any{"name": "fake", "version": "1"},
					},
				}
				out, _ := json.Marshal(resp)
				if err := peer.Send(context.Background(), out); err != nil {
					return
				}
			case "notifications/initialized":
				continue
			case "tools/list":
				resp := map[string]any{
					"jsonrpc": "2.0",
					"id":      req["id"],
					"result": map[string]any{
						"tools": []map[string]any{
							{"name": toolName, "description": "does a thing"},
						},
					},
				}
				out, _ := json.Marshal(resp)
				if err := peer.Send(context.Background(), out); err != nil {
					return
				}
			case "tools/call":
				params, _ := req["params"].(map[string]any)
				resp := map[string]any{
					"jsonrpc": "2.0",
					"id":      req["id"],
					"result": map[string]any{
						"content": []map[string]any{{"type": "text", "text": "called"}},
						"echoArgs": params["arguments"],
					},
				}
				out, _ := json.Marshal(resp)
				if err := peer.Send(context.Background(), out); err != nil {
					return
				}
			default:
				resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{}}
				out, _ := json.Marshal(resp)
				if err := peer.Send(context.Background(), out); err != nil {
					return
				}
			}
		}
	}()
}

// TestHandler_ToolsList_PrefixesAndCaches is this design scenario 2: a
// backend's tool is exposed to the client under its mcp__proxy__ prefix,
// and a second call within the TTL is served from cache byte-identical.
func TestHandler_ToolsList_PrefixesAndCaches(t *testing.T) {
	h := newHarnessWithInMemoryBackend(t, "svc", "search")

	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp1 := h.handler.Handle(ctx, req)
	require.Nil(t, resp1.Error)

	var payload struct {
		Tools []map[string]any `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp1.Result, &payload))

	found := false
	for _, tool := range payload.Tools {
		if tool["name"] == "mcp__proxy__svc__search" {
			found = true
		}
	}
	assert.True(t, found, "expected prefixed tool name in tools/list result")

	resp2 := h.handler.Handle(ctx, req)
	assert.Equal(t, string(resp1.Result), string(resp2.Result), "second call within TTL must be byte-identical (served from cache)")
}

// TestHandler_ToolsCall_RoutesPrefixedName is this design scenario 2's
// second half: calling the prefixed name forwards the original name to the
// owning backend.
func TestHandler_ToolsCall_RoutesPrefixedName(t *testing.T) {
	h := newHarnessWithInMemoryBackend(t, "svc", "search")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	listReq := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"}
	require.Nil(t, h.handler.Handle(ctx, listReq).Error)

	callParams, _ := json.Marshal(map[string]any{
		"name":      "mcp__proxy__svc__search",
		"arguments": map[string]any{"q": "hello"},
	})
	callReq := Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/call", Params: callParams}
	resp := h.handler.Handle(ctx, callReq)
	require.Nil(t, resp.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	echoed, ok := result["echoArgs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", echoed["q"])
}

func TestHandler_BuiltinServerList(t *testing.T) {
	h := newHarnessWithInMemoryBackend(t, "svc", "search")

	params, _ := json.Marshal(map[string]any{"name": "mcp__proxy__server__list", "arguments": map[string]any{}})
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params}
	resp := h.handler.Handle(context.Background(), req)
	require.Nil(t, resp.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	content := result["content"].([]any)[0].(map[string]any)
	assert.Contains(t, content["text"], "svc")
}

// TestHandler_NotificationsCancelled_NotForwardedToBackend guards against
// notifications/cancelled falling through to handleGenericForward, which
// would fan it out to every backend; cancellation must stay local.
func TestHandler_NotificationsCancelled_NotForwardedToBackend(t *testing.T) {
	h := newHarness(t)
	clientSide, serverSide := transport.NewInMemoryPair()

	received := make(chan string, 8)
	go func() {
		for {
			data, err := serverSide.Recv(context.Background())
			if err != nil {
				return
			}
			var req map[string]any
			_ = json.Unmarshal(data, &req)
			method, _ := req["method"].(string)
			received <- method

			switch method {
			case "initialize":
				resp := map[string]any{
					"jsonrpc": "2.0",
					"id":      req["id"],
					"result": map[string]any{
						"protocolVersion": "2025-03-26",
						"capabilities":    map[string]any{},
						"serverInfo":      map[string]any{"name": "fake", "version": "1"},
					},
				}
				out, _ := json.Marshal(resp)
				_ = serverSide.Send(context.Background(), out)
			case "notifications/initialized":
				continue
			default:
				resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{}}
				out, _ := json.Marshal(resp)
				_ = serverSide.Send(context.Background(), out)
			}
		}
	}()

	b := backend.NewBackend("svc", backend.Descriptor{Kind: backend.TransportStdio, Stdio: backend.StdioDescriptor{Command: "true"}},
		backend.RestartPolicy{}, backend.HealthCheckConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.AddWithTransport(ctx, b, &transport.InMemoryTransport{Peer: clientSide}))

	// Drain the handshake exchange (initialize, notifications/initialized)
	// before asserting no further method reaches the backend.
	require.Equal(t, "initialize", <-received)
	require.Equal(t, "notifications/initialized", <-received)

	params, _ := json.Marshal(map[string]any{"requestId": "7", "reason": "client cancelled"})
	resp := h.handler.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "notifications/cancelled", Params: params})
	assert.Equal(t, Response{}, resp)

	select {
	case m := <-received:
		t.Fatalf("notifications/cancelled must not be forwarded to the backend, got method %q", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandler_ToolsCall_UnknownToolNotFound(t *testing.T) {
	h := newHarnessWithInMemoryBackend(t, "svc", "search")

	params, _ := json.Marshal(map[string]any{"name": "does-not-exist", "arguments": map[string]any{}})
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params}
	resp := h.handler.Handle(context.Background(), req)
	require.NotNil(t, resp.Error)
}

// newHarnessWithInMemoryBackend registers one backend over a real
// in-memory Transport rather than a spawned subprocess, via
// Manager.AddWithTransport.
func newHarnessWithInMemoryBackend(t *testing.T, name, toolName string) *testHarness {
	t.Helper()
	h := newHarness(t)

	clientSide, serverSide := transport.NewInMemoryPair()
	fakeMCPBackend(t, serverSide, toolName)

	b := backend.NewBackend(name, backend.Descriptor{Kind: backend.TransportStdio, Stdio: backend.StdioDescriptor{Command: "true"}},
		backend.RestartPolicy{}, backend.HealthCheckConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.AddWithTransport(ctx, b, &transport.InMemoryTransport{Peer: clientSide}))

	return h
}
