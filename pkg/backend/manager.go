package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/cache"
	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/metrics"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stacklok/mcp-proxy/pkg/pool"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
	"github.com/stacklok/mcp-proxy/pkg/router"
	"github.com/stacklok/mcp-proxy/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// Manager is the Backend Manager (C5) of this design. It is the sole
// owner of every Backend's lifecycle: spawning, restarting, stopping, and
// wiring each one's Logger and state machine to the shared Connection
// Pool, Request Router, and Aggregator Cache.
type Manager struct {
	pool   *pool.Pool
	router *router.Router
	cache  *cache.ToolsListCache

	mu       sync.RWMutex
	backends map[string]*Backend

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewManager wires a Backend Manager to the shared Connection Pool,
// Request Router, and Aggregator Cache instances the rest of the proxy
// also holds.
func NewManager(p *pool.Pool, r *router.Router, c *cache.ToolsListCache) *Manager {
	return &Manager{
		pool:       p,
		router:     r,
		cache:      c,
		backends:   make(map[string]*Backend),
		shutdownCh: make(chan struct{}),
	}
}

// StartAll registers and starts every configured backend concurrently at
// boot, using errgroup the way this codebase's other fan-out helpers do.
// A single backend's start failure does not abort the others' startup;
// their individual errors are logged, not returned, since a Failed
// backend is a normal steady state the proxy must tolerate — backend
// failures never crash the proxy.
func (m *Manager) StartAll(ctx context.Context, backends []*Backend) {
	var g errgroup.Group
	for _, b := range backends {
		b := b
		g.Go(func() error {
			if err := m.Add(ctx, b); err != nil {
				logger.With("backend", b.Name).Warnw("backend failed to start", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// registerBackend records b in the backend map, wires its routing table
// entry, and binds its state machine's onReady/onFailed hooks to the
// Router and Cache. Idempotent, so both Add and AddWithTransport can call
// it without caring which one a caller used.
func (m *Manager) registerBackend(b *Backend) {
	m.mu.Lock()
	m.backends[b.Name] = b
	m.mu.Unlock()

	m.router.RegisterBackend(b.Name)
	sm := b.StateMachine()
	sm.OnReady(func() {
		m.cache.Clear()
		b.setLifecycle(LifecycleRunning)
		go m.router.Drain(context.Background(), b.Name)
	})
	sm.OnFailed(func(err error) {
		m.cache.Clear()
		b.setLifecycle(LifecycleFailed)
		m.router.FailQueue(b.Name, err)
		go m.onBackendFailed(b, err)
	})
}

// Add registers b, builds its Transport, wires its state machine hooks to
// the Router and Cache, and hands the Transport to the Connection Pool to
// perform the initial handshake. On success the backend is Running and
// (if configured) its Health Checker is started; on failure it is Failed
// and the restart policy takes over.
func (m *Manager) Add(ctx context.Context, b *Backend) error {
	m.registerBackend(b)

	t, err := buildTransport(b)
	if err != nil {
		b.StateMachine().Fail(err)
		return err
	}
	return m.AddWithTransport(ctx, b, t)
}

// AddWithTransport is Add's tail with the Transport already constructed,
// exposed for callers (and tests) that build their own Transport rather
// than going through buildTransport's stdio-only descriptor switch — the
// http-sse and websocket variants of this design are contract-only here
// (see buildTransport), so a caller with a concrete implementation for one
// of them wires it in through this entry point instead.
func (m *Manager) AddWithTransport(ctx context.Context, b *Backend, t transport.Transport) error {
	m.registerBackend(b)

	if err := m.pool.AddServer(ctx, b.Name, t, b.StateMachine()); err != nil {
		return err
	}

	if b.Health.Enabled {
		m.wg.Add(1)
		go m.runHealthChecker(b)
	}
	return nil
}

// buildTransport constructs the concrete transport.Transport for b's
// descriptor. Only stdio is implemented; http-sse and websocket are
// contract-only per this design and the Design Notes' "Multiple
// transport variants are declared but only stdio is fully implemented."
func buildTransport(b *Backend) (transport.Transport, error) {
	switch b.Descriptor.Kind {
	case TransportStdio:
		return &transport.StdioTransport{
			Config: transport.StdioConfig{
				Command: b.Descriptor.Stdio.Command,
				Args:    b.Descriptor.Stdio.Args,
				Env:     b.Descriptor.Stdio.Env,
				Cwd:     b.Descriptor.Stdio.Cwd,
			},
			Logger: logger.With("backend", b.Name),
		}, nil
	default:
		return nil, perrors.NewConfigError("transport variant not implemented for backend "+b.Name, nil)
	}
}

// onBackendFailed implements the restart policy.
func (m *Manager) onBackendFailed(b *Backend, failErr error) {
	metrics.BackendFailuresTotal.WithLabelValues(b.Name).Inc()

	if !b.Restart.OnFailure {
		logger.With("backend", b.Name).Warnw("backend failed, restart disabled", "error", failErr)
		return
	}
	if b.RestartCount() >= b.Restart.MaxRestarts {
		logger.With("backend", b.Name).Warnw("backend failed, restart budget exhausted", "error", failErr)
		return
	}

	count := b.incrementRestartCount()
	delay := time.Duration(b.Restart.DelayMS) * time.Millisecond * time.Duration(count)

	select {
	case <-time.After(delay):
	case <-m.shutdownCh:
		return
	}

	metrics.BackendRestartsTotal.WithLabelValues(b.Name).Inc()
	m.pool.Remove(b.Name)
	b.SetStateMachine(protocol.NewStateMachine())
	b.setLifecycle(LifecycleStarting)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := m.Add(ctx, b); err != nil {
		logger.With("backend", b.Name).Warnw("restart attempt failed", "error", err, "attempt", count)
	}
}

// Restart implements the mcp__proxy__server__restart built-in tool
// (this design supplemented feature #1): it forces an immediate restart
// of name outside the normal failure-triggered restart policy, bypassing
// the restart budget and back-off delay since this is an explicit operator
// action rather than an automatic recovery attempt.
func (m *Manager) Restart(ctx context.Context, name string) error {
	b, ok := m.Get(name)
	if !ok {
		return perrors.NewServerNotFoundError("unknown backend "+name, nil)
	}

	m.pool.Remove(name)
	b.SetStateMachine(protocol.NewStateMachine())
	b.setLifecycle(LifecycleStarting)
	return m.Add(ctx, b)
}

// Remove stops b permanently: marks it Stopping, removes its transport
// from the pool (so no new connections begin), closes its connection, and
// drops its routing entries with a failure reply to any queued request.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	b, ok := m.backends[name]
	if ok {
		delete(m.backends, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	b.setLifecycle(LifecycleStopping)
	m.pool.Remove(name)
	m.router.RemoveBackend(name, perrors.NewServerNotFoundError("backend removed: "+name, nil))
	m.cache.Clear()
	b.setLifecycle(LifecycleStopped)
}

// Get returns the registered backend by name, if any.
func (m *Manager) Get(name string) (*Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[name]
	return b, ok
}

// All returns every registered backend, in no particular order.
func (m *Manager) All() []*Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	return out
}

// Enabled returns every registered, enabled backend, sorted by name so
// callers get the deterministic fan-out merge order for free.
func (m *Manager) Enabled() []*Backend {
	all := m.All()
	out := make([]*Backend, 0, len(all))
	for _, b := range all {
		if b.Enabled() {
			out = append(out, b)
		}
	}
	sortBackendsByName(out)
	return out
}

func sortBackendsByName(bs []*Backend) {
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j-1].Name > bs[j].Name; j-- {
			bs[j-1], bs[j] = bs[j], bs[j-1]
		}
	}
}

// Call sends method/params to backend name and returns its translated
// result, applying the version adapter for the backend's negotiated
// protocol version. If the backend is not Ready, the caller (the Request
// Router) is responsible for queuing; Call itself never blocks waiting
// for readiness, it fails fast with perrors.KindServerNotReady.
func (m *Manager) Call(ctx context.Context, name, method string, params json.RawMessage) (json.RawMessage, error) {
	b, ok := m.Get(name)
	if !ok {
		return nil, perrors.NewServerNotFoundError("unknown backend "+name, nil)
	}
	sm := b.StateMachine()
	if !sm.CanSendRequest(method) {
		return nil, perrors.NewServerNotReadyError("backend "+name+" is not ready", nil)
	}

	conn, sm, err := m.pool.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	adapter := sm.Adapter()
	var paramsJSON protocol.JSON
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramsJSON); err != nil {
			return nil, perrors.NewInvalidRequestError("malformed params", err)
		}
	}
	req := protocol.JSON{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  paramsJSON,
	}
	if adapter != nil {
		req, err = adapter.TranslateRequest(req)
		if err != nil {
			return nil, perrors.NewProtocolTranslationError("translate request", err)
		}
	}
	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, perrors.NewInternalError("marshal request", err)
	}
	if err := conn.Send(ctx, reqData); err != nil {
		sm.Fail(err)
		return nil, err
	}

	respData, err := conn.Recv(ctx)
	if err != nil {
		sm.Fail(err)
		return nil, err
	}
	var resp protocol.JSON
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, perrors.NewTransportInvalidFormatError("malformed response", err)
	}
	if adapter != nil {
		resp, err = adapter.TranslateResponse(method, resp)
		if err != nil {
			return nil, perrors.NewProtocolTranslationError("translate response", err)
		}
	}

	b.RecordAccess(time.Now())

	if rpcErr, has := resp["error"]; has {
		data, _ := json.Marshal(rpcErr)
		return nil, perrors.NewInternalError("backend returned error: "+string(data), nil)
	}
	result, _ := json.Marshal(resp["result"])
	return result, nil
}

// Shutdown implements the graceful shutdown: every backend
// removes its transport from the pool (preventing new connections), then
// the pool's cached connections are closed; the whole sweep is bounded by
// the caller's context.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.shutdownCh)

	for _, b := range m.All() {
		b.setLifecycle(LifecycleStopping)
		m.pool.Remove(b.Name)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	m.pool.CloseAll()
	for _, b := range m.All() {
		b.setLifecycle(LifecycleStopped)
	}
	return ctx.Err()
}
