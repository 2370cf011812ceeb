package transport

import (
	"bufio"
	"bytes"
	"context"
	"sync"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// InMemoryPeer is one end of an in-process duplex pipe used to fake a
// backend in tests, so unit tests never spawn a real subprocess — the
// Transport interface is faked the same way container-runtime tests
// elsewhere in this codebase fake their runtime behind an interface.
type InMemoryPeer struct {
	mu     sync.Mutex
	toPeer *bytes.Buffer
	toSelf *bufio.Reader
	cond   *sync.Cond
	closed bool

	// Inbox is appended to by the opposite peer's Send; Recv blocks until a
	// full line is available.
	inbox    *bytes.Buffer
	inboxCnd *sync.Cond
}

// NewInMemoryPair returns two connected InMemoryPeer Connections: writes on
// one are readable via Recv on the other.
func NewInMemoryPair() (*InMemoryPeer, *InMemoryPeer) {
	a := &InMemoryPeer{inbox: &bytes.Buffer{}}
	b := &InMemoryPeer{inbox: &bytes.Buffer{}}
	a.inboxCnd = sync.NewCond(&a.mu)
	b.inboxCnd = sync.NewCond(&b.mu)
	a.toPeer, b.toPeer = b.inbox, a.inbox
	a.cond, b.cond = b.inboxCnd, a.inboxCnd
	return a, b
}

func (p *InMemoryPeer) Send(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return perrors.NewTransportSendFailedError("peer closed", nil)
	}
	p.toPeer.Write(data)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		p.toPeer.WriteByte('\n')
	}
	p.cond.Signal()
	return nil
}

func (p *InMemoryPeer) Recv(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	for {
		if line, err := p.inbox.ReadString('\n'); err == nil {
			p.mu.Unlock()
			return []byte(line[:len(line)-1]), nil
		}
		if p.closed {
			p.mu.Unlock()
			return nil, perrors.NewTransportReceiveFailedError("peer closed", nil)
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, perrors.NewTimeoutError("recv cancelled", ctx.Err())
		}
		p.inboxCnd.Wait()
	}
}

func (p *InMemoryPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.inboxCnd.Broadcast()
	return nil
}

func (p *InMemoryPeer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// InMemoryTransport adapts a pre-built InMemoryPeer to the Transport
// interface for pool/handshake tests.
type InMemoryTransport struct {
	Peer *InMemoryPeer
}

func (t *InMemoryTransport) Connect(context.Context) (Connection, error) {
	return t.Peer, nil
}
