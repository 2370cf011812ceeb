// Package backend implements the Backend Manager (C5) of this design: it
// owns the Backend data model of this design, spawns/stops/restarts
// backends, tracks the restart budget, and drives the per-backend Health
// Checker.
package backend

import (
	"sync"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/protocol"
)

// TransportKind discriminates the tagged-variant transport descriptor of
// this design, per the Design Notes' "tagged-variant Transport... not
// downcast-via-dynamic-dispatch."
type TransportKind int

const (
	TransportStdio TransportKind = iota
	TransportHTTPSSE
	TransportWebSocket
)

// StdioDescriptor is the stdio{command,args,env,cwd}.
type StdioDescriptor struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// HTTPSSEDescriptor is the http-sse{url,headers,timeout}. Per
// this design and Design Notes, this variant is contract-only: the
// lifecycle and adapter machinery do not depend on which transport is
// chosen, but only stdio has a concrete Transport implementation in this
// repository (pkg/transport.StdioTransport).
type HTTPSSEDescriptor struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebSocketDescriptor is the websocket{url,protocols,auto_reconnect}.
// Contract-only, see HTTPSSEDescriptor's doc comment.
type WebSocketDescriptor struct {
	URL           string
	Protocols     []string
	AutoReconnect bool
}

// Descriptor is the tagged union of transport configurations a Backend may
// be configured with.
type Descriptor struct {
	Kind      TransportKind
	Stdio     StdioDescriptor
	HTTPSSE   HTTPSSEDescriptor
	WebSocket WebSocketDescriptor
}

// RestartPolicy is the restart policy: on_failure, max_restarts,
// delay_ms, with back-off multiplier = restart_count (linear back-off per
// this design).
type RestartPolicy struct {
	OnFailure   bool
	MaxRestarts int
	DelayMS     int
}

// LifecycleState is the Backend lifecycle:
// Starting -> Running -> (Stopping -> Stopped) | Failed.
type LifecycleState int

const (
	LifecycleStarting LifecycleState = iota
	LifecycleRunning
	LifecycleStopping
	LifecycleStopped
	LifecycleFailed
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleStarting:
		return "Starting"
	case LifecycleRunning:
		return "Running"
	case LifecycleStopping:
		return "Stopping"
	case LifecycleStopped:
		return "Stopped"
	case LifecycleFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HealthCheckConfig is the per-server override of the global
// health_check{enabled, interval_s, timeout_s, max_attempts,
// retry_interval_s} block.
type HealthCheckConfig struct {
	Enabled      bool
	IntervalS    int
	TimeoutS     int
	MaxAttempts  int
	RetryIntervalS int
}

// HealthRecord is one Health Checker observation (this design).
type HealthRecord struct {
	Timestamp      time.Time
	Success        bool
	ResponseTimeMS int64
	Error          string
}

// maxHealthHistory bounds the in-memory health record ring so a
// long-running backend cannot grow this list unbounded.
const maxHealthHistory = 50

// Backend is the Backend record: identity, transport descriptor,
// restart policy, lifecycle state, and the protocol state machine driving
// its current Connection. Exactly one active Transport per Backend at a
// time, per the unique lifetime rule; the Backend Manager
// enforces this by joining the old child before spawning a new one on
// restart.
type Backend struct {
	Name       string
	Descriptor Descriptor
	Restart    RestartPolicy
	Health     HealthCheckConfig

	mu sync.RWMutex
	// state is the handshake/connection state machine bound to this
	// backend's current Connection. Recreated on every restart; guarded by
	// mu since a restart reassigning it races with concurrent readers
	// (Call, Snapshot, the built-in server__status tool).
	state            *protocol.StateMachine
	enabled          bool
	lifecycle        LifecycleState
	restartCount     int
	lastAccess       time.Time
	consecutiveFails int
	health           []HealthRecord
}

// NewBackend returns a Backend in Starting state, enabled, with a fresh
// state machine.
func NewBackend(name string, desc Descriptor, restart RestartPolicy, health HealthCheckConfig) *Backend {
	return &Backend{
		Name:       name,
		Descriptor: desc,
		Restart:    restart,
		Health:     health,
		state:      protocol.NewStateMachine(),
		enabled:    true,
		lifecycle:  LifecycleStarting,
	}
}

// StateMachine returns the state machine bound to the backend's current
// Connection.
func (b *Backend) StateMachine() *protocol.StateMachine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetStateMachine rebinds the backend to a fresh state machine, used by the
// Backend Manager when restarting a backend's Connection.
func (b *Backend) SetStateMachine(sm *protocol.StateMachine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = sm
}

// Enabled reports whether the backend currently accepts routed traffic.
func (b *Backend) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled flips the enabled flag; does not itself affect Lifecycle.
func (b *Backend) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Lifecycle returns the current lifecycle state.
func (b *Backend) Lifecycle() LifecycleState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lifecycle
}

func (b *Backend) setLifecycle(s LifecycleState) {
	b.mu.Lock()
	b.lifecycle = s
	b.mu.Unlock()
}

// RestartCount returns how many times this backend has been restarted
// since it was first added.
func (b *Backend) RestartCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.restartCount
}

func (b *Backend) incrementRestartCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restartCount++
	return b.restartCount
}

// RecordAccess stamps last_access_time so idle backends can be
// identified for restart or cleanup decisions.
func (b *Backend) RecordAccess(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = at
}

// LastAccess returns the last recorded access time (zero if never).
func (b *Backend) LastAccess() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAccess
}

// RecordHealth appends a Health Checker observation, trimming the oldest
// entry once maxHealthHistory is exceeded, and returns the number of
// consecutive failures observed so far (reset to 0 on success).
func (b *Backend) RecordHealth(rec HealthRecord) (consecutiveFails int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = append(b.health, rec)
	if len(b.health) > maxHealthHistory {
		b.health = b.health[len(b.health)-maxHealthHistory:]
	}
	if rec.Success {
		b.consecutiveFails = 0
	} else {
		b.consecutiveFails++
	}
	return b.consecutiveFails
}

// HealthHistory returns a copy of the recorded health observations.
func (b *Backend) HealthHistory() []HealthRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]HealthRecord, len(b.health))
	copy(out, b.health)
	return out
}

// Status is a point-in-time snapshot for the mcp__proxy__server__status
// built-in tool (this design supplemented feature #1).
type Status struct {
	Name         string
	Enabled      bool
	Lifecycle    string
	RestartCount int
	LastAccess   time.Time
	Connection   protocol.ConnectionState
	Timing       protocol.HandshakeTiming
}

// Snapshot builds a Status from the backend's current fields.
func (b *Backend) Snapshot() Status {
	b.mu.RLock()
	s := Status{
		Name:         b.Name,
		Enabled:      b.enabled,
		Lifecycle:    b.lifecycle.String(),
		RestartCount: b.restartCount,
		LastAccess:   b.lastAccess,
	}
	b.mu.RUnlock()
	sm := b.StateMachine()
	s.Connection = sm.Snapshot()
	s.Timing = sm.Timing()
	return s
}
