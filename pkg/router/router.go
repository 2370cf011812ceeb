// Package router implements the Request Router (C6) of this design: tool
// and resource namespace prefixing, reverse-routing of client-supplied
// names back to a backend, and the per-backend FIFO queue that holds
// requests for a not-yet-Ready backend until it becomes Ready or Failed.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// prefixRoot starts the namespace scheme of this design: "mcp__proxy__<server>__<name>",
// where <server> has every '-' replaced with '_'.
const prefixRoot = "mcp__proxy__"

// PrefixName rewrites a backend-local tool/resource name into the
// client-visible namespaced form.
func PrefixName(server, name string) string {
	return prefixRoot + strings.ReplaceAll(server, "-", "_") + "__" + name
}

// SplitName is the inverse of PrefixName: given a client-visible name, it
// returns (server, originalName, true) iff the name carries the proxy's
// namespace prefix. The server segment it returns is the mangled
// (dash-to-underscore) form stored at prefix time, which callers resolve
// back to a registered backend name via the routing table, not by
// un-mangling the string (the mangling is not invertible: `a-b` and `a_b`
// collide).
func SplitName(name string) (server, original string, ok bool) {
	if !strings.HasPrefix(name, prefixRoot) {
		return "", "", false
	}
	rest := name[len(prefixRoot):]
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// ForwardFunc performs the actual backend call once a request is cleared
// to be sent (immediately if Ready, or later when a queued request
// drains). It is supplied by the caller (the Request Handler) so this
// package has no dependency on the connection pool or transport layers.
type ForwardFunc func(ctx context.Context, backend, method string, params json.RawMessage) (json.RawMessage, error)

type queuedRequest struct {
	method string
	params json.RawMessage
	reply  chan queueReply
}

type queueReply struct {
	result json.RawMessage
	err    error
}

type backendQueue struct {
	mu    sync.Mutex
	items []*queuedRequest
}

// Router owns the three many-to-one namespace maps and the per-backend
// FIFO queues of the Routing Table.
type Router struct {
	mu        sync.RWMutex
	mangled   map[string]string // mangled server segment -> registered backend name
	tools     map[string]string // original tool name -> backend name
	resources map[string]string // resource URI -> backend name
	prompts   map[string]string // prompt name -> backend name

	queueMu sync.Mutex
	queues  map[string]*backendQueue

	forward ForwardFunc
}

// New returns an empty Router bound to forward, the function used to
// actually dispatch a request once it is clear to send.
func New(forward ForwardFunc) *Router {
	return &Router{
		mangled:   make(map[string]string),
		tools:     make(map[string]string),
		resources: make(map[string]string),
		prompts:   make(map[string]string),
		queues:    make(map[string]*backendQueue),
		forward:   forward,
	}
}

// RegisterBackend records the mangled-name mapping used by reverse-routing
// of prefixed names, and ensures a queue exists for backend. Must be
// called before any tool/resource/prompt registration for that backend.
// The mapping and the queue are each updated under their own lock; the
// call is not atomic with any state-machine transition of the caller.
func (r *Router) RegisterBackend(backend string) {
	r.mu.Lock()
	r.mangled[strings.ReplaceAll(backend, "-", "_")] = backend
	r.mu.Unlock()

	r.queueMu.Lock()
	if _, ok := r.queues[backend]; !ok {
		r.queues[backend] = &backendQueue{}
	}
	r.queueMu.Unlock()
}

// RegisterTool records that originalName is served by backend.
func (r *Router) RegisterTool(backend, originalName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[originalName] = backend
}

// RegisterResource records that uri is served by backend.
func (r *Router) RegisterResource(backend, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[uri] = backend
}

// RegisterPrompt records that name is served by backend.
func (r *Router) RegisterPrompt(backend, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[name] = backend
}

// RemoveBackend drops every routing entry owned by backend and fails its
// queue, per the invariant: "removing a backend atomically drops
// all its entries and drains its queue with a failure reply."
func (r *Router) RemoveBackend(backend string, failErr error) {
	r.mu.Lock()
	delete(r.mangled, strings.ReplaceAll(backend, "-", "_"))
	deleteByValue(r.tools, backend)
	deleteByValue(r.resources, backend)
	deleteByValue(r.prompts, backend)
	r.mu.Unlock()

	r.FailQueue(backend, failErr)

	r.queueMu.Lock()
	delete(r.queues, backend)
	r.queueMu.Unlock()
}

func deleteByValue(m map[string]string, value string) {
	for k, v := range m {
		if v == value {
			delete(m, k)
		}
	}
}

// RouteToolCall implements the reverse-routing for tools/call:
// a prefixed name is split and its server segment resolved through the
// mangled-name map; an unprefixed name is looked up directly in the
// tool->server map. Returns perrors.KindServerNotFound if neither
// resolves.
func (r *Router) RouteToolCall(name string) (backend, original string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mangledServer, orig, ok := SplitName(name); ok {
		if backend, ok := r.mangled[mangledServer]; ok {
			return backend, orig, nil
		}
		return "", "", perrors.NewServerNotFoundError("no backend registered for prefix "+mangledServer, nil)
	}
	if backend, ok := r.tools[name]; ok {
		return backend, name, nil
	}
	return "", "", perrors.NewServerNotFoundError("no backend serves tool "+name, nil)
}

// RouteResourceRead resolves a resource URI to its owning backend.
func (r *Router) RouteResourceRead(uri string) (backend string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if backend, ok := r.resources[uri]; ok {
		return backend, nil
	}
	return "", perrors.NewServerNotFoundError("no backend serves resource "+uri, nil)
}

// Enqueue implements the queuing: the caller has already
// determined backend is not Ready. The request blocks here (or until ctx
// is cancelled) for either a drain-triggered forward or a fail-triggered
// error reply; it is never silently dropped (this design invariant 7).
func (r *Router) Enqueue(ctx context.Context, backend, method string, params json.RawMessage) (json.RawMessage, error) {
	q := r.queueFor(backend)

	qr := &queuedRequest{method: method, params: params, reply: make(chan queueReply, 1)}
	q.mu.Lock()
	q.items = append(q.items, qr)
	q.mu.Unlock()

	select {
	case rep := <-qr.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, perrors.NewTimeoutError("queued request cancelled", ctx.Err())
	}
}

func (r *Router) queueFor(backend string) *backendQueue {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	q, ok := r.queues[backend]
	if !ok {
		q = &backendQueue{}
		r.queues[backend] = q
	}
	return q
}

// Drain forwards every queued request for backend, in FIFO order, now
// that it has transitioned to Ready. Registered as the state machine's
// onReady hook (this design supplemented feature: queue-drain-on-Ready).
func (r *Router) Drain(ctx context.Context, backend string) {
	q := r.queueFor(backend)
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		result, err := r.forward(ctx, backend, it.method, it.params)
		it.reply <- queueReply{result: result, err: err}
	}
}

// FailQueue clears backend's queue, delivering failErr to every waiter.
// Registered as the state machine's onFailed hook, and also invoked
// directly by RemoveBackend.
func (r *Router) FailQueue(backend string, failErr error) {
	q := r.queueFor(backend)
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		it.reply <- queueReply{err: failErr}
	}
}
