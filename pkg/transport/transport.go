// Package transport implements C1 of this design: a framed bidirectional
// byte stream to one backend. The only implementations here are a spawned
// stdio child process and an in-memory pipe for tests; there is no HTTP-SSE
// or WebSocket connection.
package transport

import "context"

// MaxFrameSize is the 1 MiB cap on a single framed message enforced during
// recv; exceeding it fails with perrors.KindTransportInvalidFormat.
const MaxFrameSize = 1 << 20

// Connection is one live framed duplex stream to a backend.
type Connection interface {
	// Send writes one complete frame.
	Send(ctx context.Context, data []byte) error
	// Recv reads one complete frame, blocking until available.
	Recv(ctx context.Context) ([]byte, error)
	// Close tears the connection down, per variant semantics (for stdio:
	// SIGTERM, wait, SIGKILL fallback).
	Close() error
	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool
}

// Transport is the per-backend connection factory: connect() -> Connection,
// per the abstract contract.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}
