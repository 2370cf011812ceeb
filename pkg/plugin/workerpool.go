package plugin

import (
	"context"
	"sync"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// defaultPoolSize is the "pool of long-lived worker processes
// (default 5)".
const defaultPoolSize = 5

// workerPool is the per-plugin-name process pool of this design: Acquire
// borrows a worker, spawning a fresh one lazily until max is reached and
// then blocking on Release; a worker that errors or times out is killed,
// not returned (callers call Discard instead of Release for those).
type workerPool struct {
	nodeExecutable string
	scriptPath     string
	max            int

	mu      sync.Mutex
	spawned int
	free    chan *worker
}

func newWorkerPool(nodeExecutable, scriptPath string, max int) *workerPool {
	if max <= 0 {
		max = defaultPoolSize
	}
	return &workerPool{
		nodeExecutable: nodeExecutable,
		scriptPath:     scriptPath,
		max:            max,
		free:           make(chan *worker, max),
	}
}

// acquire returns a free worker, spawning a new one if the pool has not
// yet reached max, or blocking until Release/Discard frees a slot.
func (p *workerPool) acquire(ctx context.Context) (*worker, error) {
	select {
	case w := <-p.free:
		return w, nil
	default:
	}

	p.mu.Lock()
	if p.spawned < p.max {
		p.spawned++
		p.mu.Unlock()
		w, err := spawnWorker(ctx, p.nodeExecutable, p.scriptPath)
		if err != nil {
			p.mu.Lock()
			p.spawned--
			p.mu.Unlock()
			return nil, err
		}
		return w, nil
	}
	p.mu.Unlock()

	select {
	case w := <-p.free:
		return w, nil
	case <-ctx.Done():
		return nil, perrors.NewPoolExhaustedError("plugin worker pool exhausted", ctx.Err())
	}
}

// release returns a healthy worker to the free list.
func (p *workerPool) release(w *worker) {
	select {
	case p.free <- w:
	default:
		// Pool is oversubscribed relative to max, which should not
		// happen; kill the excess worker rather than leak it.
		p.discard(w)
	}
}

// discard kills w and frees its slot in the pool, per this design: "a
// worker that errors or times out is killed(), not returned."
func (p *workerPool) discard(w *worker) {
	w.kill()
	p.mu.Lock()
	p.spawned--
	p.mu.Unlock()
}

// closeAll kills every currently-idle worker. In-flight borrowed workers
// are the caller's responsibility (they discard on their own error path).
func (p *workerPool) closeAll() {
	for {
		select {
		case w := <-p.free:
			p.discard(w)
		default:
			return
		}
	}
}
