package handler

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stacklok/mcp-proxy/pkg/backend"
	"github.com/stacklok/mcp-proxy/pkg/cache"
	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/metrics"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stacklok/mcp-proxy/pkg/plugin"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
	"github.com/stacklok/mcp-proxy/pkg/router"
	"golang.org/x/sync/errgroup"
)

// recordDuration observes one Handle call's latency under its method name,
// per the ambient metrics stack (this design Domain Stack).
func recordDuration(method string, d time.Duration) {
	metrics.RequestDurationSeconds.WithLabelValues(method).Observe(d.Seconds())
}

// Info identifies the proxy itself in the locally-answered initialize
// response, per this design.
type Info struct {
	Name    string
	Version string
}

// Handler is the Request Handler (C7) of this design.
type Handler struct {
	manager *backend.Manager
	router  *router.Router
	cache   *cache.ToolsListCache
	chain   *plugin.Chain
	info    Info

	// CacheTTL is the single configured cache TTL (default
	// 120s).
	CacheTTL time.Duration
	// FanoutTimeout is the hard per-backend fan-out timeout
	// (30s default).
	FanoutTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New wires a Handler to the shared core components.
func New(m *backend.Manager, r *router.Router, c *cache.ToolsListCache, chain *plugin.Chain, info Info) *Handler {
	return &Handler{
		manager:       m,
		router:        r,
		cache:         c,
		chain:         chain,
		info:          info,
		CacheTTL:      120 * time.Second,
		FanoutTimeout: 30 * time.Second,
		inflight:      make(map[string]context.CancelFunc),
	}
}

// track derives a cancellable context for req.ID (a no-op passthrough for
// notifications, which carry no id) and remembers its cancel func so a
// later notifications/cancelled can stop the handler from waiting on the
// backend reply. The returned done func must be deferred by the caller to
// forget the entry once the request completes normally.
func (h *Handler) track(ctx context.Context, id json.RawMessage) (context.Context, func()) {
	if len(id) == 0 {
		return ctx, func() {}
	}
	cctx, cancel := context.WithCancel(ctx)
	key := inflightKey(id)
	h.mu.Lock()
	h.inflight[key] = cancel
	h.mu.Unlock()
	return cctx, func() {
		h.mu.Lock()
		delete(h.inflight, key)
		h.mu.Unlock()
		cancel()
	}
}

// handleCancelled implements notifications/cancelled: it stops the handler
// from waiting on the tracked request's backend reply. The backend itself
// is never notified — MCP does not mandate it, and the connection remains
// usable for the next call.
func (h *Handler) handleCancelled(req Request) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return
	}
	key := inflightKey(params.RequestID)
	h.mu.Lock()
	cancel, ok := h.inflight[key]
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

func inflightKey(id json.RawMessage) string {
	return strings.TrimSpace(string(id))
}

// Handle dispatches one JSON-RPC request and returns its response. For a
// notification (no id) the caller should discard the Response's id/result
// and only observe whether Handle itself panics/errors (it never does —
// every failure is represented in the Response per this design).
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	defer func() {
		recordDuration(req.Method, time.Since(start))
	}()

	ctx, done := h.track(ctx, req.ID)
	defer done()

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "notifications/cancelled":
		h.handleCancelled(req)
		if req.IsNotification() {
			return Response{}
		}
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return h.handleToolsList(ctx, req)
	case "resources/list":
		return h.handleFanoutList(ctx, req, "resources/list", "resources")
	case "prompts/list":
		return h.handleFanoutList(ctx, req, "prompts/list", "prompts")
	case "tools/call", "call":
		return h.handleToolsCall(ctx, req)
	case "resources/read", "read":
		return h.handleResourcesRead(ctx, req)
	default:
		return h.handleGenericForward(ctx, req)
	}
}

func (h *Handler) handleInitialize(req Request) Response {
	return resultResponse(req.ID, map[string]any{
		"protocolVersion": string(protocol.DefaultVersion),
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": mcp.Implementation{Name: h.info.Name, Version: h.info.Version},
	})
}

// callOrQueue implements the connection-state gating rule plus queuing:
// a Ready backend is called directly; a not-yet-Ready one is queued and
// drained or failed by the Router; a Failed or disabled one fails fast.
func (h *Handler) callOrQueue(ctx context.Context, backendName, method string, params json.RawMessage) (json.RawMessage, error) {
	b, ok := h.manager.Get(backendName)
	if !ok {
		return nil, perrors.NewServerNotFoundError("unknown backend "+backendName, nil)
	}
	if !b.Enabled() {
		return nil, perrors.NewServerNotReadyError("backend "+backendName+" is disabled", nil)
	}

	switch b.StateMachine().Snapshot().Kind {
	case protocol.StateReady:
		return h.manager.Call(ctx, backendName, method, params)
	case protocol.StateFailed:
		return nil, perrors.NewServerNotReadyError("backend "+backendName+" has failed", nil)
	default:
		return h.router.Enqueue(ctx, backendName, method, params)
	}
}

// handleToolsCall implements the tools/call row: reverse-route,
// reject disabled backends, run the request-phase plugin chain, forward,
// run the response-phase plugin chain, return.
func (h *Handler) handleToolsCall(ctx context.Context, req Request) Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, perrors.KindInvalidRequest.JSONRPCCode(), "malformed tools/call params")
	}

	if result, ok, err := h.handleBuiltinCall(ctx, params.Name, params.Arguments); ok {
		if err != nil {
			return mapError(req.ID, err)
		}
		return resultResponse(req.ID, json.RawMessage(result))
	}

	backendName, original, err := h.router.RouteToolCall(params.Name)
	if err != nil {
		return mapError(req.ID, err)
	}
	b, ok := h.manager.Get(backendName)
	if !ok {
		return mapError(req.ID, perrors.NewServerNotFoundError("unknown backend "+backendName, nil))
	}
	if !b.Enabled() {
		return mapError(req.ID, perrors.NewServerNotReadyError("backend "+backendName+" is disabled", nil))
	}

	argsData, _ := json.Marshal(params.Arguments)
	reqID := uuid.New().String()

	reqOut, err := h.chain.Execute(ctx, backendName, plugin.PhaseRequest, plugin.Input{
		ToolName:   original,
		RawContent: string(argsData),
		Metadata: plugin.Metadata{
			RequestID:     reqID,
			Timestamp:     time.Now(),
			ServerName:    backendName,
			Phase:         plugin.PhaseRequest,
			ToolArguments: params.Arguments,
		},
	})
	if err != nil {
		return mapError(req.ID, err)
	}
	if !reqOut.Continue_ {
		return resultResponse(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": reqOut.Text}},
			"isError": true,
		})
	}

	var forwardArgs map[string]any
	if err := json.Unmarshal([]byte(reqOut.Text), &forwardArgs); err != nil {
		forwardArgs = params.Arguments
	}
	forwardParams, _ := json.Marshal(map[string]any{"name": original, "arguments": forwardArgs})

	resultData, err := h.callOrQueue(ctx, backendName, "tools/call", forwardParams)
	if err != nil {
		return mapError(req.ID, err)
	}

	respOut := h.chain.ExecuteSafe(ctx, backendName, plugin.PhaseResponse, plugin.Input{
		ToolName:   original,
		RawContent: string(resultData),
		Metadata: plugin.Metadata{
			RequestID:  reqID,
			Timestamp:  time.Now(),
			ServerName: backendName,
			Phase:      plugin.PhaseResponse,
		},
	})
	if respOut.Text == string(resultData) {
		return Response{JSONRPC: "2.0", ID: req.ID, Result: resultData}
	}
	return resultResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": respOut.Text}},
	})
}

// handleResourcesRead implements the resources/read row.
func (h *Handler) handleResourcesRead(ctx context.Context, req Request) Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, perrors.KindInvalidRequest.JSONRPCCode(), "malformed resources/read params")
	}

	backendName, err := h.router.RouteResourceRead(params.URI)
	if err != nil {
		return mapError(req.ID, err)
	}

	result, err := h.callOrQueue(ctx, backendName, "resources/read", req.Params)
	if err != nil {
		return mapError(req.ID, err)
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// handleGenericForward forwards any unrecognised method to all enabled
// backends; the first successful result wins, per the table
// header: "everything else is forwarded to all enabled backends, first
// successful result wins."
func (h *Handler) handleGenericForward(ctx context.Context, req Request) Response {
	results := h.fanout(ctx, req.Method, req.Params)
	for _, r := range results {
		if r.err == nil {
			return Response{JSONRPC: "2.0", ID: req.ID, Result: r.result}
		}
	}
	if len(results) == 0 {
		return errorResponse(req.ID, perrors.KindServerNotFound.JSONRPCCode(), "no backend handled method "+req.Method)
	}
	return mapError(req.ID, perrors.NewInternalError("all backends failed for "+req.Method, nil))
}

type fanoutResult struct {
	backend string
	result  json.RawMessage
	err     error
}

// fanout dispatches method/params concurrently to every enabled backend,
// bounding each call with FanoutTimeout (the "Per-backend
// timeout 30s (hard)"). Results preserve Manager.Enabled's deterministic
// backend-name order.
func (h *Handler) fanout(ctx context.Context, method string, params json.RawMessage) []fanoutResult {
	backends := h.manager.Enabled()
	results := make([]fanoutResult, len(backends))

	var g errgroup.Group
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.FanoutTimeout)
			defer cancel()
			res, err := h.manager.Call(cctx, b.Name, method, params)
			results[i] = fanoutResult{backend: b.Name, result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// handleToolsList implements the tools/list caching and
// fan-out-merge row.
func (h *Handler) handleToolsList(ctx context.Context, req Request) Response {
	if cached, ok := h.cache.GetFresh(time.Now()); ok {
		return Response{JSONRPC: "2.0", ID: req.ID, Result: cached}
	}

	results := h.fanout(ctx, "tools/list", nil)
	merged := make([]map[string]any, 0)
	anySucceeded := false

	for _, r := range results {
		if r.err != nil {
			logger.With("backend", r.backend).Warnw("tools/list failed", "error", r.err)
			continue
		}
		anySucceeded = true
		var payload struct {
			Tools []map[string]any `json:"tools"`
		}
		if err := json.Unmarshal(r.result, &payload); err != nil {
			continue
		}
		for _, tool := range payload.Tools {
			name, _ := tool["name"].(string)
			h.router.RegisterTool(r.backend, name)
			entry := make(map[string]any, len(tool)+2)
			for k, v := range tool {
				entry[k] = v
			}
			entry["name"] = router.PrefixName(r.backend, name)
			entry["originalName"] = name
			entry["server"] = r.backend
			merged = append(merged, entry)
		}
	}
	if len(results) > 0 && !anySucceeded {
		return mapError(req.ID, perrors.NewInternalError("all backends failed tools/list", nil))
	}

	for _, def := range builtinToolDefs() {
		merged = append(merged, def)
	}

	payload := map[string]any{"tools": merged}
	data, err := json.Marshal(payload)
	if err != nil {
		return mapError(req.ID, perrors.NewInternalError("marshal tools/list", err))
	}
	h.cache.Put(data, h.CacheTTL, time.Now())
	return Response{JSONRPC: "2.0", ID: req.ID, Result: data}
}

// handleFanoutList implements the resources/list and prompts/list rows:
// same fan-out + prefix pattern as tools/list, but uncached.
func (h *Handler) handleFanoutList(ctx context.Context, req Request, method, arrayKey string) Response {
	results := h.fanout(ctx, method, nil)
	merged := make([]map[string]any, 0)
	anySucceeded := false

	for _, r := range results {
		if r.err != nil {
			continue
		}
		anySucceeded = true
		var payload map[string][]map[string]any
		if err := json.Unmarshal(r.result, &payload); err != nil {
			continue
		}
		for _, item := range payload[arrayKey] {
			key := identityKey(arrayKey, item)
			if arrayKey == "resources" {
				h.router.RegisterResource(r.backend, key)
			} else {
				h.router.RegisterPrompt(r.backend, key)
			}
			entry := make(map[string]any, len(item)+2)
			for k, v := range item {
				entry[k] = v
			}
			if name, ok := item["name"].(string); ok {
				entry["name"] = router.PrefixName(r.backend, name)
				entry["originalName"] = name
			}
			entry["server"] = r.backend
			merged = append(merged, entry)
		}
	}
	if len(results) > 0 && !anySucceeded {
		return mapError(req.ID, perrors.NewInternalError("all backends failed "+method, nil))
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return sortKey(merged[i]) < sortKey(merged[j])
	})

	data, _ := json.Marshal(map[string]any{arrayKey: merged})
	return Response{JSONRPC: "2.0", ID: req.ID, Result: data}
}

func identityKey(arrayKey string, item map[string]any) string {
	if arrayKey == "resources" {
		uri, _ := item["uri"].(string)
		return uri
	}
	name, _ := item["name"].(string)
	return name
}

func sortKey(item map[string]any) string {
	server, _ := item["server"].(string)
	name, _ := item["name"].(string)
	return server + "\x00" + name
}

func mapError(id json.RawMessage, err error) Response {
	var kind perrors.Kind = perrors.KindInternal
	if pe, ok := err.(*perrors.Error); ok {
		kind = pe.Kind
	}
	return errorResponse(id, kind.JSONRPCCode(), err.Error())
}
