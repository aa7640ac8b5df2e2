package types

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unhealthy", StateUnhealthy.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

func TestConnectLifecycle(t *testing.T) {
	m := NewStateManager(5, nil)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())

	require.True(t, m.MarkConnecting())
	assert.Equal(t, StateConnecting, m.State())

	m.MarkConnected()
	assert.True(t, m.IsConnected())
	info := m.Info()
	assert.False(t, info.ConnectedAt.IsZero())
	assert.Zero(t, info.RetryCount)

	m.MarkDisconnected()
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, m.Info().ConnectedAt.IsZero())
}

func TestFailureBudgetLeadsToUnhealthy(t *testing.T) {
	m := NewStateManager(3, nil)

	require.True(t, m.MarkConnecting())
	assert.Equal(t, StateDisconnected, m.MarkFailure(errors.New("refused")))
	assert.True(t, m.ShouldRetry())

	require.True(t, m.MarkConnecting())
	assert.Equal(t, StateDisconnected, m.MarkFailure(errors.New("refused")))

	require.True(t, m.MarkConnecting())
	assert.Equal(t, StateUnhealthy, m.MarkFailure(errors.New("refused")))

	// Unhealthy is sticky until Reset.
	assert.False(t, m.ShouldRetry())
	assert.False(t, m.MarkConnecting())
	assert.Equal(t, "refused", m.Info().LastError)

	m.Reset()
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, m.ShouldRetry())
	assert.Empty(t, m.Info().LastError)
	require.True(t, m.MarkConnecting())
}

func TestUnlimitedRetries(t *testing.T) {
	m := NewStateManager(0, nil)
	for i := 0; i < 50; i++ {
		require.True(t, m.MarkConnecting())
		assert.Equal(t, StateDisconnected, m.MarkFailure(errors.New("down")))
	}
	assert.True(t, m.ShouldRetry())
}

func TestConnectClearsFailureCounters(t *testing.T) {
	m := NewStateManager(5, nil)
	m.MarkConnecting()
	m.MarkFailure(errors.New("first"))
	m.MarkConnecting()
	m.MarkConnected()

	info := m.Info()
	assert.Zero(t, info.RetryCount)
	assert.Zero(t, info.ConsecutiveFailures)
	assert.Empty(t, info.LastError)
}

func TestNextRetryDelay(t *testing.T) {
	m := NewStateManager(0, nil)
	assert.Equal(t, 1*time.Second, m.NextRetryDelay())

	expected := []time.Duration{
		1 * time.Second,  // after 1 failure
		2 * time.Second,  // after 2
		4 * time.Second,  // after 3
		8 * time.Second,  // after 4
		16 * time.Second, // after 5
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, want := range expected {
		m.MarkConnecting()
		m.MarkFailure(errors.New("down"))
		assert.Equal(t, want, m.NextRetryDelay(), "delay after %d failures", i+1)
	}
}

func TestPingAccounting(t *testing.T) {
	m := NewStateManager(5, nil)
	m.MarkConnecting()
	m.MarkConnected()

	assert.Equal(t, 1, m.RecordPingFailure(errors.New("ping timeout")))
	assert.Equal(t, 2, m.RecordPingFailure(errors.New("ping timeout")))

	m.RecordPingSuccess()
	info := m.Info()
	assert.Zero(t, info.ConsecutiveFailures)
	assert.False(t, info.LastSuccessfulPing.IsZero())

	assert.Equal(t, 1, m.RecordPingFailure(errors.New("ping timeout")))
}

func TestMarkUnhealthyDirect(t *testing.T) {
	m := NewStateManager(5, nil)
	m.MarkConnecting()
	m.MarkConnected()

	m.MarkUnhealthy(errors.New("three probes failed"))
	assert.Equal(t, StateUnhealthy, m.State())
	assert.False(t, m.MarkConnecting())
}

func TestCallbackFiresOnTransitionsOnly(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	m := NewStateManager(5, func(old, newState ConnectionState, _ StateInfo) {
		mu.Lock()
		transitions = append(transitions, old.String()+">"+newState.String())
		mu.Unlock()
	})

	m.MarkConnecting()
	m.MarkConnected()
	m.MarkConnected() // no transition, no callback
	m.MarkDisconnected()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"disconnected>connecting",
		"connecting>connected",
		"connected>disconnected",
	}, transitions)
}

func TestConcurrentStateAccess(t *testing.T) {
	m := NewStateManager(0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.MarkConnecting()
				m.MarkConnected()
				m.RecordPingSuccess()
				_ = m.Info()
				m.MarkDisconnected()
			}
		}()
	}
	wg.Wait()

	assert.Contains(t, []ConnectionState{StateDisconnected, StateConnected, StateConnecting}, m.State())
}
