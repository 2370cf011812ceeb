// Package pool implements one lazily-opened Connection per backend,
// replaying the full MCP handshake on every first-connect and every
// reconnect so callers never observe a non-Ready Connection.
package pool

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
	"github.com/stacklok/mcp-proxy/pkg/protocol/adapter"
	"github.com/stacklok/mcp-proxy/pkg/transport"
)

// ClientInfo is the proxy's self-identification sent in every handshake's
// clientInfo field.
type ClientInfo struct {
	Name    string
	Version string
}

// handshakeRequestID is the fixed id used for the initialize call, per
// the Design Notes: "the handshake uses ids 1 and 2 only... normal
// traffic uses id 1 in single-inflight mode per connection." This pool
// assigns 1 to initialize, since it is the only request that precedes all
// others on a fresh connection.
const handshakeRequestID = 1

type poolEntry struct {
	mu        sync.Mutex // serializes connect/reconnect for this backend
	transport transport.Transport
	conn      transport.Connection
	state     *protocol.StateMachine
}

// Pool owns the backend_name -> (Transport, Connection) mapping of
// this design.
type Pool struct {
	mu         sync.RWMutex
	entries    map[string]*poolEntry
	preferred  protocol.Version
	clientInfo ClientInfo
}

// New returns an empty Pool that negotiates toward preferred and
// identifies itself with clientInfo during every handshake.
func New(preferred protocol.Version, clientInfo ClientInfo) *Pool {
	return &Pool{
		entries:    make(map[string]*poolEntry),
		preferred:  preferred,
		clientInfo: clientInfo,
	}
}

// AddServer stores t under name, opens the first connection, and drives
// the handshake against sm. Fails (and leaves nothing registered) if the
// connect or the handshake fails, per this design; either failure moves sm
// to Failed.
func (p *Pool) AddServer(ctx context.Context, name string, t transport.Transport, sm *protocol.StateMachine) error {
	conn, err := t.Connect(ctx)
	if err != nil {
		err = perrors.NewTransportConnectionFailedError("connect to "+name, err)
		sm.Fail(err)
		return err
	}
	if err := p.handshake(ctx, name, conn, sm); err != nil {
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	p.entries[name] = &poolEntry{transport: t, conn: conn, state: sm}
	p.mu.Unlock()
	return nil
}

// Get returns the cached Connection for name if it is still usable.
// Otherwise it drops the stale Connection, reconnects via the stored
// Transport, replays the handshake, and caches the result. Returns
// perrors.KindServerNotFound if no transport is registered under name.
func (p *Pool) Get(ctx context.Context, name string) (transport.Connection, *protocol.StateMachine, error) {
	p.mu.RLock()
	e, ok := p.entries[name]
	p.mu.RUnlock()
	if !ok {
		return nil, nil, perrors.NewServerNotFoundError("no transport registered for "+name, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && !e.conn.IsClosed() {
		return e.conn, e.state, nil
	}

	e.state.Reset()
	conn, err := e.transport.Connect(ctx)
	if err != nil {
		err = perrors.NewTransportConnectionFailedError("reconnect to "+name, err)
		e.state.Fail(err)
		return nil, nil, err
	}
	if err := p.handshake(ctx, name, conn, e.state); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	e.conn = conn
	return e.conn, e.state, nil
}

// Remove drops name's transport, so no later Get can reconnect through
// it, and then closes its cached connection.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	e, ok := p.entries[name]
	delete(p.entries, name)
	p.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

// CloseAll closes every cached Connection, ignoring individual errors (a
// best-effort shutdown sweep).
func (p *Pool) CloseAll() {
	p.mu.RLock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			_ = e.conn.Close()
		}
		e.mu.Unlock()
	}
}

// handshake implements the three-step sequence against a fresh
// Connection: send initialize, receive and parse the response, send
// notifications/initialized, and bind the negotiated version adapter.
func (p *Pool) handshake(ctx context.Context, name string, conn transport.Connection, sm *protocol.StateMachine) error {
	log := logger.With("backend", name)

	if err := sm.BeginInitializing(handshakeRequestID); err != nil {
		sm.Fail(err)
		return err
	}

	req := protocol.JSON{
		"jsonrpc": "2.0",
		"id":      handshakeRequestID,
		"method":  "initialize",
		"params": protocol.JSON{
			"protocolVersion": string(p.preferred),
			"capabilities":    protocol.JSON{},
			"clientInfo": mcp.Implementation{
				Name:    p.clientInfo.Name,
				Version: p.clientInfo.Version,
			},
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		err = perrors.NewInternalError("marshal initialize request", err)
		sm.Fail(err)
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		sm.Fail(err)
		return err
	}

	respData, err := conn.Recv(ctx)
	if err != nil {
		sm.Fail(err)
		return err
	}
	var resp protocol.JSON
	if err := json.Unmarshal(respData, &resp); err != nil {
		err = perrors.NewTransportInvalidFormatError("malformed initialize response", err)
		sm.Fail(err)
		return err
	}
	if rpcErr, has := resp["error"]; has {
		err := perrors.NewProtocolTranslationError("initialize returned error", jsonRPCError(rpcErr))
		sm.Fail(err)
		return err
	}

	result, _ := resp["result"].(map[string]any)
	versionStr, _ := result["protocolVersion"].(string)
	version, known := protocol.ParseVersion(versionStr)
	if !known {
		log.Warnw("backend reported unrecognized protocol version, falling back to pass-through default",
			"reported", versionStr, "default", version)
	}

	if raw, err := json.Marshal(result["serverInfo"]); err == nil {
		var server mcp.Implementation
		if err := json.Unmarshal(raw, &server); err == nil && server.Name != "" {
			log.Infow("handshake complete", "server", server.Name, "serverVersion", server.Version, "version", version)
		}
	}

	if err := sm.BeginSendingInitialized(version, known); err != nil {
		sm.Fail(err)
		return err
	}

	notif := protocol.JSON{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	data, err = json.Marshal(notif)
	if err != nil {
		err = perrors.NewInternalError("marshal initialized notification", err)
		sm.Fail(err)
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		sm.Fail(err)
		return err
	}

	ad := adapter.New(version, p.preferred)
	if err := sm.CompleteHandshake(p.preferred, ad); err != nil {
		sm.Fail(err)
		return err
	}

	if version.IsOldest() {
		log.Warnw("backend negotiated the oldest supported protocol version", "version", version)
	}
	return nil
}

func jsonRPCError(v any) error {
	data, _ := json.Marshal(v)
	return perrors.NewInternalError(string(data), nil)
}
