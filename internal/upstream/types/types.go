// Package types holds the connection state machine shared by the upstream
// manager and the health monitor.
package types

import (
	"encoding/json"
	"sync"
	"time"
)

// ConnectionState tracks where a server connection is in its lifecycle.
type ConnectionState int

const (
	// StateDisconnected means no session exists and none is being made.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a connect attempt is in progress or scheduled.
	StateConnecting

	// StateConnected means the session is live and usable.
	StateConnected

	// StateUnhealthy means the server kept failing and the bridge gave up
	// until an operator resets it.
	StateUnhealthy
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its name.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Backoff bounds for reconnect scheduling.
const (
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// StateInfo is a point-in-time snapshot of a connection's state.
type StateInfo struct {
	State               ConnectionState `json:"state"`
	LastError           string          `json:"last_error,omitempty"`
	RetryCount          int             `json:"retry_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastStateChange     time.Time       `json:"last_state_change"`
	ConnectedAt         time.Time       `json:"connected_at,omitempty"`
	LastSuccessfulPing  time.Time       `json:"last_successful_ping,omitempty"`
}

// StateChangeCallback is invoked after every transition, outside the lock.
type StateChangeCallback func(oldState, newState ConnectionState, info StateInfo)

// StateManager guards one server's connection state. All transitions funnel
// through it so retry accounting and callbacks stay consistent.
type StateManager struct {
	mu       sync.RWMutex
	info     StateInfo
	maxRetry int
	callback StateChangeCallback
}

// NewStateManager creates a state manager starting in Disconnected.
// maxAttempts bounds consecutive failed connects before the connection is
// marked Unhealthy; zero or negative means retry forever.
func NewStateManager(maxAttempts int, callback StateChangeCallback) *StateManager {
	return &StateManager{
		info: StateInfo{
			State:           StateDisconnected,
			LastStateChange: time.Now(),
		},
		maxRetry: maxAttempts,
		callback: callback,
	}
}

// State returns the current state.
func (m *StateManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.State
}

// Info returns a snapshot of the full state record.
func (m *StateManager) Info() StateInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// IsConnected reports whether the connection is usable.
func (m *StateManager) IsConnected() bool {
	return m.State() == StateConnected
}

// MarkConnecting transitions to Connecting. Returns false when the
// connection is Unhealthy; unhealthy servers stay down until reset.
func (m *StateManager) MarkConnecting() bool {
	m.mu.Lock()
	if m.info.State == StateUnhealthy {
		m.mu.Unlock()
		return false
	}
	old := m.transitionLocked(StateConnecting)
	info := m.info
	m.mu.Unlock()

	m.notify(old, StateConnecting, info)
	return true
}

// MarkConnected records a successful connect and clears failure counters.
func (m *StateManager) MarkConnected() {
	m.mu.Lock()
	old := m.transitionLocked(StateConnected)
	now := time.Now()
	m.info.ConnectedAt = now
	m.info.LastSuccessfulPing = now
	m.info.LastError = ""
	m.info.RetryCount = 0
	m.info.ConsecutiveFailures = 0
	info := m.info
	m.mu.Unlock()

	m.notify(old, StateConnected, info)
}

// MarkDisconnected records a clean shutdown without touching failure
// counters.
func (m *StateManager) MarkDisconnected() {
	m.mu.Lock()
	old := m.transitionLocked(StateDisconnected)
	m.info.ConnectedAt = time.Time{}
	info := m.info
	m.mu.Unlock()

	m.notify(old, StateDisconnected, info)
}

// MarkFailure records a failed connect or lost session. When the retry
// budget is exhausted the state becomes Unhealthy, otherwise Disconnected
// so the caller may retry after NextRetryDelay.
func (m *StateManager) MarkFailure(err error) ConnectionState {
	m.mu.Lock()
	m.info.RetryCount++
	m.info.ConsecutiveFailures++
	if err != nil {
		m.info.LastError = err.Error()
	}
	m.info.ConnectedAt = time.Time{}

	next := StateDisconnected
	if m.maxRetry > 0 && m.info.RetryCount >= m.maxRetry {
		next = StateUnhealthy
	}
	old := m.transitionLocked(next)
	info := m.info
	m.mu.Unlock()

	m.notify(old, next, info)
	return next
}

// MarkUnhealthy forces the Unhealthy state, used when health probes keep
// failing on an established session.
func (m *StateManager) MarkUnhealthy(err error) {
	m.mu.Lock()
	if err != nil {
		m.info.LastError = err.Error()
	}
	m.info.ConnectedAt = time.Time{}
	old := m.transitionLocked(StateUnhealthy)
	info := m.info
	m.mu.Unlock()

	m.notify(old, StateUnhealthy, info)
}

// RecordPingSuccess notes a successful health probe.
func (m *StateManager) RecordPingSuccess() {
	m.mu.Lock()
	m.info.LastSuccessfulPing = time.Now()
	m.info.ConsecutiveFailures = 0
	m.mu.Unlock()
}

// RecordPingFailure notes a failed health probe and returns the new
// consecutive failure count.
func (m *StateManager) RecordPingFailure(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.ConsecutiveFailures++
	if err != nil {
		m.info.LastError = err.Error()
	}
	return m.info.ConsecutiveFailures
}

// Reset clears all failure accounting and returns the connection to
// Disconnected. This is the only way out of Unhealthy.
func (m *StateManager) Reset() {
	m.mu.Lock()
	old := m.transitionLocked(StateDisconnected)
	m.info.LastError = ""
	m.info.RetryCount = 0
	m.info.ConsecutiveFailures = 0
	m.info.ConnectedAt = time.Time{}
	info := m.info
	m.mu.Unlock()

	m.notify(old, StateDisconnected, info)
}

// ShouldRetry reports whether another connect attempt is allowed.
func (m *StateManager) ShouldRetry() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info.State == StateUnhealthy {
		return false
	}
	return m.maxRetry <= 0 || m.info.RetryCount < m.maxRetry
}

// NextRetryDelay returns the backoff before the next attempt: exponential
// from one second, capped at thirty.
func (m *StateManager) NextRetryDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	retries := m.info.RetryCount
	if retries <= 0 {
		return baseRetryDelay
	}
	if retries > 5 { // 1<<5 seconds already exceeds the cap
		return maxRetryDelay
	}
	delay := baseRetryDelay << (retries - 1)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (m *StateManager) transitionLocked(next ConnectionState) ConnectionState {
	old := m.info.State
	if old != next {
		m.info.LastStateChange = time.Now()
	}
	m.info.State = next
	return old
}

func (m *StateManager) notify(old, next ConnectionState, info StateInfo) {
	if m.callback != nil && old != next {
		m.callback(old, next, info)
	}
}
