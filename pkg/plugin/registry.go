package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"golang.org/x/sync/semaphore"
)

// Registry owns every plugin's worker pool plus the single global
// concurrency semaphore of this design: "A semaphore with
// max_concurrent_executions permits (default 10) gates all plugin
// executions regardless of plugin. Ordering: acquire global permit first,
// then pool worker."
type Registry struct {
	pluginDir         string
	nodeExecutable    string
	poolSizePerPlugin int
	defaultTimeout    time.Duration

	sem *semaphore.Weighted

	mu    sync.Mutex
	pools map[string]*workerPool
}

// defaultMaxConcurrent is the "default 10".
const defaultMaxConcurrent = 10

// NewRegistry constructs a Registry that discovers plugin binaries by
// filename under pluginDir, invoking each with nodeExecutable (or
// directly, if nodeExecutable is empty — e.g. a compiled binary plugin).
func NewRegistry(pluginDir, nodeExecutable string, maxConcurrent, poolSizePerPlugin int, defaultTimeout time.Duration) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		pluginDir:         pluginDir,
		nodeExecutable:    nodeExecutable,
		poolSizePerPlugin: poolSizePerPlugin,
		defaultTimeout:    defaultTimeout,
		sem:               semaphore.NewWeighted(int64(maxConcurrent)),
		pools:             make(map[string]*workerPool),
	}
}

func (r *Registry) poolFor(name string) *workerPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[name]
	if !ok {
		p = newWorkerPool(r.nodeExecutable, filepath.Join(r.pluginDir, name), r.poolSizePerPlugin)
		r.pools[name] = p
	}
	return p
}

type execResult struct {
	out Output
	err error
}

// Execute runs one plugin invocation per this design step 2a: acquire the
// global permit, borrow a pool worker, run with the given timeout. A
// timed-out or erroring worker is discarded (killed), never returned to
// its pool.
func (r *Registry) Execute(ctx context.Context, pluginName string, input Input, timeout time.Duration) (Output, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Output{}, perrors.NewPoolExhaustedError("global plugin concurrency limit", err)
	}
	defer r.sem.Release(1)

	pool := r.poolFor(pluginName)
	w, err := pool.acquire(ctx)
	if err != nil {
		return Output{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan execResult, 1)
	go func() {
		out, err := w.execute(input)
		resultCh <- execResult{out: out, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			pool.discard(w)
			return Output{}, r.err
		}
		pool.release(w)
		return r.out, nil
	case <-timeoutCtx.Done():
		pool.discard(w)
		return Output{}, perrors.NewTimeoutError("plugin "+pluginName+" timed out", timeoutCtx.Err())
	}
}

// Close kills every idle pooled worker across every plugin, for use
// during proxy shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := make([]*workerPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	for _, p := range pools {
		p.closeAll()
	}
}

// DefaultTimeout returns the registry's configured fallback per-plugin
// timeout (default_timeout_ms).
func (r *Registry) DefaultTimeout() time.Duration {
	return r.defaultTimeout
}
