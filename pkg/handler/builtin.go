package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// builtinPrefix namespaces the proxy's own management tools, distinct
// from backend-owned tools which are namespaced per server via
// pkg/router.
const builtinPrefix = "mcp__proxy__"

// nameArgSchema is the {name: string} input schema shared by every
// built-in tool that targets one backend by name.
func nameArgSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"name": map[string]any{"type": "string"}},
		Required:   []string{"name"},
	}
}

func emptySchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}}
}

// toMap round-trips t through JSON so it joins the tools/list merge's
// []map[string]any alongside backend-reported tool objects, which may
// carry fields mcp.Tool's struct tags don't model.
func toMap(t mcp.Tool) map[string]any {
	data, _ := json.Marshal(t)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func builtinToolDefs() []map[string]any {
	tools := []mcp.Tool{
		{
			Name:        "mcp__proxy__server__list",
			Description: "List every backend server registered with the proxy.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "mcp__proxy__server__status",
			Description: "Report lifecycle, connection state, and handshake timing for a backend server.",
			InputSchema: nameArgSchema(),
		},
		{
			Name:        "mcp__proxy__server__enable",
			Description: "Enable a disabled backend server for routing.",
			InputSchema: nameArgSchema(),
		},
		{
			Name:        "mcp__proxy__server__disable",
			Description: "Disable a backend server, removing it from routing without stopping its process.",
			InputSchema: nameArgSchema(),
		},
		{
			Name:        "mcp__proxy__server__restart",
			Description: "Force an immediate restart of a backend server, bypassing its restart budget and back-off delay.",
			InputSchema: nameArgSchema(),
		},
		{
			Name:        "mcp__proxy__aggregator__cache_status",
			Description: "Report whether the aggregated tools/list result is currently cached.",
			InputSchema: emptySchema(),
		},
		{
			Name:        "mcp__proxy__aggregator__clear_cache",
			Description: "Invalidate the aggregated tools/list cache.",
			InputSchema: emptySchema(),
		},
	}

	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, toMap(t))
	}
	return defs
}

// handleBuiltinCall dispatches a tools/call whose name is one of
// builtinToolDefs. ok is false if name is not a built-in tool, in which
// case the caller falls through to normal backend routing.
func (h *Handler) handleBuiltinCall(ctx context.Context, name string, args map[string]any) (result json.RawMessage, ok bool, err error) {
	switch name {
	case "mcp__proxy__server__list":
		return h.builtinServerList()
	case "mcp__proxy__server__status":
		return h.builtinServerStatus(args)
	case "mcp__proxy__server__enable":
		return h.builtinServerSetEnabled(args, true)
	case "mcp__proxy__server__disable":
		return h.builtinServerSetEnabled(args, false)
	case "mcp__proxy__server__restart":
		return h.builtinServerRestart(ctx, args)
	case "mcp__proxy__aggregator__cache_status":
		return h.builtinCacheStatus()
	case "mcp__proxy__aggregator__clear_cache":
		return h.builtinClearCache()
	default:
		return nil, false, nil
	}
}

func textResult(text string) json.RawMessage {
	data, _ := json.Marshal(mcp.NewToolResultText(text))
	return data
}

func (h *Handler) builtinServerList() (json.RawMessage, bool, error) {
	names := make([]string, 0)
	for _, b := range h.manager.All() {
		names = append(names, b.Name)
	}
	data, _ := json.Marshal(names)
	return textResult(string(data)), true, nil
}

func (h *Handler) builtinServerStatus(args map[string]any) (json.RawMessage, bool, error) {
	name, _ := args["name"].(string)
	b, ok := h.manager.Get(name)
	if !ok {
		return nil, true, perrors.NewServerNotFoundError("unknown backend "+name, nil)
	}
	snap := b.Snapshot()
	data, _ := json.Marshal(map[string]any{
		"name":          snap.Name,
		"enabled":       snap.Enabled,
		"lifecycle":     snap.Lifecycle,
		"restart_count": snap.RestartCount,
		"last_access":   snap.LastAccess,
		"connection":    snap.Connection.Kind.String(),
		"timing":        snap.Timing,
	})
	return textResult(string(data)), true, nil
}

func (h *Handler) builtinServerSetEnabled(args map[string]any, enabled bool) (json.RawMessage, bool, error) {
	name, _ := args["name"].(string)
	b, ok := h.manager.Get(name)
	if !ok {
		return nil, true, perrors.NewServerNotFoundError("unknown backend "+name, nil)
	}
	b.SetEnabled(enabled)
	h.cache.Clear()
	return textResult("ok"), true, nil
}

func (h *Handler) builtinServerRestart(ctx context.Context, args map[string]any) (json.RawMessage, bool, error) {
	name, _ := args["name"].(string)
	if err := h.manager.Restart(ctx, name); err != nil {
		return nil, true, err
	}
	return textResult("restarting"), true, nil
}

func (h *Handler) builtinCacheStatus() (json.RawMessage, bool, error) {
	_, fresh := h.cache.GetFresh(time.Now())
	data, _ := json.Marshal(map[string]any{"cached": fresh})
	return textResult(string(data)), true, nil
}

func (h *Handler) builtinClearCache() (json.RawMessage, bool, error) {
	h.cache.Clear()
	return textResult("cleared"), true, nil
}
