package protocol

import (
	"sync"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// StateKind is the tagged-variant discriminant for ConnectionState, per
// the Design Notes ("tagged-variant Transport/ConnectionState, not
// downcast-via-dynamic-dispatch").
type StateKind int

const (
	StateConnecting StateKind = iota
	StateInitializing
	StateSendingInitialized
	StateReady
	StateFailed
	StateClosing
)

func (k StateKind) String() string {
	switch k {
	case StateConnecting:
		return "Connecting"
	case StateInitializing:
		return "Initializing"
	case StateSendingInitialized:
		return "SendingInitialized"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ConnectionState is the per-backend state snapshot of this design, carrying
// only the fields relevant to the current Kind.
type ConnectionState struct {
	Kind StateKind

	// Initializing fields.
	RequestID int64
	StartedAt time.Time

	// SendingInitialized / Ready fields.
	Version       Version
	VersionKnown  bool
	InitializedAt time.Time

	// Failed fields.
	Err    error
	AtTime time.Time
}

// HandshakeTiming records phase durations for observability, supplementing
// the distilled spec with the original's InitializationHandshakeTracker
// (see this design "Supplemented features").
type HandshakeTiming struct {
	ConnectStarted     time.Time
	InitializeSent     time.Time
	InitializeReplied  time.Time
	InitializedSent    time.Time
}

// StateMachine owns one backend's ConnectionState plus the bound adapter
// and is the sole mutator of that state; callers never hold a reference to
// the state across an await/suspension point, they copy it out under lock.
//
// Lock hierarchy: this is the "state-lock" at the top of the documented
// hierarchy state-lock -> pool-lock -> cache-lock (this design); code holding
// this lock must never attempt to acquire a pool or cache lock.
type StateMachine struct {
	mu      sync.RWMutex
	state   ConnectionState
	adapter Adapter
	timing  HandshakeTiming

	// onReady is invoked (without the lock held) whenever the state
	// transitions into Ready; the Request Router uses this hook to drain
	// its per-backend queue (this design supplemented feature #4).
	onReady func()
	// onFailed is invoked (without the lock held) whenever the state
	// transitions into Failed; the Request Router uses this to clear its
	// queue with failure replies.
	onFailed func(err error)
}

// NewStateMachine returns a state machine starting in Connecting.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: ConnectionState{Kind: StateConnecting}}
}

// OnReady registers the Ready-transition hook. Not safe to call concurrently
// with transitions; call during backend construction before traffic flows.
func (m *StateMachine) OnReady(f func()) { m.onReady = f }

// OnFailed registers the Failed-transition hook.
func (m *StateMachine) OnFailed(f func(err error)) { m.onFailed = f }

// Snapshot returns a copy of the current state.
func (m *StateMachine) Snapshot() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Adapter returns the adapter bound at handshake completion, or nil before
// that.
func (m *StateMachine) Adapter() Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapter
}

// CanSendRequest implements the gating rule: true iff method is
// "initialize" while Connecting, or the state is Ready for any other
// method.
func (m *StateMachine) CanSendRequest(method string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if method == "initialize" {
		return m.state.Kind == StateConnecting
	}
	return m.state.Kind == StateReady
}

// BeginInitializing transitions Connecting -> Initializing, recording the
// request id used for the initialize call.
func (m *StateMachine) BeginInitializing(requestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind != StateConnecting {
		return perrors.NewProtocolInvalidStateTransitionError(
			"initialize only valid from Connecting, was "+m.state.Kind.String(), nil)
	}
	now := time.Now()
	m.timing.InitializeSent = now
	m.state = ConnectionState{Kind: StateInitializing, RequestID: requestID, StartedAt: now}
	return nil
}

// BeginSendingInitialized transitions Initializing -> SendingInitialized,
// recording the negotiated version.
func (m *StateMachine) BeginSendingInitialized(version Version, known bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind != StateInitializing {
		return perrors.NewProtocolInvalidStateTransitionError(
			"SendingInitialized only valid from Initializing, was "+m.state.Kind.String(), nil)
	}
	m.timing.InitializeReplied = time.Now()
	m.state = ConnectionState{Kind: StateSendingInitialized, Version: version, VersionKnown: known}
	return nil
}

// CompleteHandshake transitions SendingInitialized -> Ready, binds the
// adapter for this backend's negotiated version, and invokes the onReady
// hook outside the lock.
func (m *StateMachine) CompleteHandshake(preferred Version, adapter Adapter) error {
	m.mu.Lock()
	if m.state.Kind != StateSendingInitialized {
		m.mu.Unlock()
		return perrors.NewProtocolInvalidStateTransitionError(
			"Ready only valid from SendingInitialized, was "+m.state.Kind.String(), nil)
	}
	m.timing.InitializedSent = time.Now()
	m.state.Kind = StateReady
	m.state.InitializedAt = m.timing.InitializedSent
	m.adapter = adapter
	hook := m.onReady
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Fail transitions to Failed from any state (any state may go to Failed per
// this design) and invokes the onFailed hook outside the lock.
func (m *StateMachine) Fail(err error) {
	m.mu.Lock()
	m.state = ConnectionState{Kind: StateFailed, Err: err, AtTime: time.Now()}
	hook := m.onFailed
	m.mu.Unlock()

	if hook != nil {
		hook(err)
	}
}

// Close transitions to Closing from any state.
func (m *StateMachine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ConnectionState{Kind: StateClosing}
}

// Reset returns the machine to Connecting, used when the Connection Pool
// reconnects a closed connection and replays the handshake.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ConnectionState{Kind: StateConnecting}
	m.adapter = nil
}

// Timing returns a copy of the recorded handshake phase timestamps.
func (m *StateMachine) Timing() HandshakeTiming {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timing
}
