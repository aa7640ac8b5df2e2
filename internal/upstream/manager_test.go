package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/secureenv"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream/types"
)

// fakeAdapter implements transport.Adapter for manager tests and records
// how it was driven.
type fakeAdapter struct {
	connectErr   error
	connectDelay time.Duration
	pingErr      error
	tools        []mcp.Tool

	// callGate, when set, blocks CallTool until Disconnect closes it or the
	// call context ends.
	callGate chan struct{}
	gateOnce sync.Once

	connectCalls    atomic.Int32
	disconnectCalls atomic.Int32
	inConnect       atomic.Int32
	maxInConnect    atomic.Int32
	inCall          atomic.Int32
	connected       atomic.Bool

	lostMu sync.Mutex
	onLost func(error)
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	cur := f.inConnect.Add(1)
	defer f.inConnect.Add(-1)
	for {
		maxSeen := f.maxInConnect.Load()
		if cur <= maxSeen || f.maxInConnect.CompareAndSwap(maxSeen, cur) {
			break
		}
	}

	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeAdapter) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeAdapter) CallTool(ctx context.Context, _ string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.inCall.Add(1)
	defer f.inCall.Add(-1)
	if f.callGate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.callGate:
			return nil, &transport.ConnectError{ServerID: "a", Err: errors.New("session closed")}
		}
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeAdapter) Ping(context.Context) error { return f.pingErr }

func (f *fakeAdapter) OnConnectionLost(handler func(error)) {
	f.lostMu.Lock()
	f.onLost = handler
	f.lostMu.Unlock()
}

// reportLost simulates the transport noticing a dead session.
func (f *fakeAdapter) reportLost(err error) {
	f.lostMu.Lock()
	handler := f.onLost
	f.lostMu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (f *fakeAdapter) ServerInfo() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: "2025-03-26",
		ServerInfo:      mcp.Implementation{Name: "fake", Version: "0.1.0"},
	}
}

func (f *fakeAdapter) Disconnect() error {
	f.disconnectCalls.Add(1)
	f.connected.Store(false)
	if f.callGate != nil {
		f.gateOnce.Do(func() { close(f.callGate) })
	}
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	adapters map[string]*fakeAdapter
	built    []*fakeAdapter
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{adapters: make(map[string]*fakeAdapter)}
}

// set pins the adapter returned for a server ID; unpinned IDs get a fresh
// healthy adapter per build.
func (ff *fakeFactory) set(id string, a *fakeAdapter) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.adapters[id] = a
}

func (ff *fakeFactory) factory(cfg *config.ServerConfig, _ *secureenv.Manager, _ *zap.Logger) (transport.Adapter, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	adapter, ok := ff.adapters[cfg.ID]
	if !ok {
		adapter = &fakeAdapter{}
	}
	ff.built = append(ff.built, adapter)
	return adapter, nil
}

func (ff *fakeFactory) buildCount() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.built)
}

func stdioCfg(id string) *config.ServerConfig {
	return &config.ServerConfig{
		ID:        id,
		Transport: config.TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "some-server"},
		TimeoutMs: 30000,
		Enabled:   true,
	}
}

func newTestManager(t *testing.T, maxAttempts int) (*Manager, *fakeFactory) {
	t.Helper()
	ff := newFakeFactory()
	m := NewManager(zap.NewNop(), nil, nil, maxAttempts)
	m.SetAdapterFactory(ff.factory)
	return m, ff
}

func TestConnectAndDisconnect(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))

	require.NoError(t, m.Connect(context.Background(), "a"))
	info, err := m.State("a")
	require.NoError(t, err)
	assert.Equal(t, types.StateConnected, info.State)

	got, err := m.Adapter("a")
	require.NoError(t, err)
	assert.Same(t, adapter, got)

	// Connect on an already-connected server is a no-op.
	require.NoError(t, m.Connect(context.Background(), "a"))
	assert.Equal(t, int32(1), adapter.connectCalls.Load())

	require.NoError(t, m.Disconnect("a"))
	assert.Equal(t, int32(1), adapter.disconnectCalls.Load())

	_, err = m.Adapter("a")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectFailureCountsTowardUnhealthy(t *testing.T) {
	m, ff := newTestManager(t, 3)
	ff.set("a", &fakeAdapter{connectErr: errors.New("connection refused")})
	require.NoError(t, m.AddServer(stdioCfg("a")))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.Error(t, m.Connect(ctx, "a"))
		info, _ := m.State("a")
		assert.Equal(t, types.StateDisconnected, info.State)
	}

	require.Error(t, m.Connect(ctx, "a"))
	info, _ := m.State("a")
	assert.Equal(t, types.StateUnhealthy, info.State)
	assert.Equal(t, 3, info.RetryCount)

	// Unhealthy servers refuse further attempts until reset.
	err := m.Connect(ctx, "a")
	assert.ErrorIs(t, err, ErrServerUnhealthy)

	_, err = m.Adapter("a")
	assert.ErrorIs(t, err, ErrServerUnhealthy)
}

func TestResetClearsUnhealthy(t *testing.T) {
	m, ff := newTestManager(t, 1)
	bad := &fakeAdapter{connectErr: errors.New("boom")}
	ff.set("a", bad)
	require.NoError(t, m.AddServer(stdioCfg("a")))

	require.Error(t, m.Connect(context.Background(), "a"))
	info, _ := m.State("a")
	require.Equal(t, types.StateUnhealthy, info.State)

	require.NoError(t, m.Reset("a"))
	info, _ = m.State("a")
	assert.Equal(t, types.StateDisconnected, info.State)
	assert.Zero(t, info.RetryCount)

	ff.set("a", &fakeAdapter{})
	require.NoError(t, m.Connect(context.Background(), "a"))
}

func TestConnectWithRetryStopsWhenUnhealthy(t *testing.T) {
	m, ff := newTestManager(t, 1)
	ff.set("a", &fakeAdapter{connectErr: errors.New("refused")})
	require.NoError(t, m.AddServer(stdioCfg("a")))

	err := m.ConnectWithRetry(context.Background(), "a")
	assert.ErrorIs(t, err, ErrServerUnhealthy)
}

func TestConnectWithRetryHonorsContext(t *testing.T) {
	m, ff := newTestManager(t, 0) // retry forever
	ff.set("a", &fakeAdapter{connectErr: errors.New("refused")})
	require.NoError(t, m.AddServer(stdioCfg("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.ConnectWithRetry(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLifecycleOperationsAreSerialized(t *testing.T) {
	m, ff := newTestManager(t, 0)
	adapter := &fakeAdapter{connectDelay: 20 * time.Millisecond, connectErr: errors.New("slow failure")}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background(), "a")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), adapter.maxInConnect.Load(),
		"connect attempts for one server must never overlap")
	assert.Equal(t, int32(8), adapter.connectCalls.Load())
}

func TestSessionLossMovesServerToDisconnected(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))

	adapter.reportLost(errors.New("process exited unexpectedly"))

	require.Eventually(t, func() bool {
		info, _ := m.State("a")
		return info.State == types.StateDisconnected
	}, time.Second, 5*time.Millisecond, "a lost session must move the server off connected")

	info, _ := m.State("a")
	assert.Equal(t, 1, info.RetryCount, "the drop counts against the retry budget")
	assert.Contains(t, info.LastError, "process exited")
	assert.Equal(t, int32(1), adapter.disconnectCalls.Load())

	_, err := m.Adapter("a")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionLossAfterDisconnectIsIgnored(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))
	require.NoError(t, m.Disconnect("a"))

	// A straggling loss report from the old transport must not mark a clean
	// shutdown as a failure.
	adapter.reportLost(errors.New("read on closed pipe"))
	time.Sleep(50 * time.Millisecond)

	info, _ := m.State("a")
	assert.Equal(t, types.StateDisconnected, info.State)
	assert.Zero(t, info.RetryCount)
	assert.Equal(t, int32(1), adapter.disconnectCalls.Load())
}

func TestDisconnectUnblocksInFlightCall(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{callGate: make(chan struct{})}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))

	live, err := m.Adapter("a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, callErr := live.CallTool(context.Background(), "slow", nil)
		done <- callErr
	}()

	require.Eventually(t, func() bool {
		return adapter.inCall.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect("a"))

	select {
	case callErr := <-done:
		require.Error(t, callErr)
		assert.True(t, transport.IsConnectError(callErr))
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not resolve after disconnect")
	}
}

func TestProbe(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))

	require.NoError(t, m.Probe(context.Background(), "a"))

	adapter.pingErr = errors.New("ping timeout")
	require.Error(t, m.Probe(context.Background(), "a"))
	failures, err := m.ConsecutiveFailures("a")
	require.NoError(t, err)
	assert.Equal(t, 1, failures)

	adapter.pingErr = nil
	require.NoError(t, m.Probe(context.Background(), "a"))
	failures, _ = m.ConsecutiveFailures("a")
	assert.Zero(t, failures)
}

func TestProbeSkipsBusyServer(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{connectDelay: 200 * time.Millisecond}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Connect(context.Background(), "a")
	}()

	// Wait until the connect attempt holds the lifecycle lock.
	require.Eventually(t, func() bool {
		return adapter.inConnect.Load() == 1
	}, time.Second, 5*time.Millisecond)

	err := m.Probe(context.Background(), "a")
	assert.ErrorIs(t, err, ErrServerBusy)
	<-done
}

func TestProbeNotConnected(t *testing.T) {
	m, _ := newTestManager(t, 5)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	err := m.Probe(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMarkUnhealthyClosesSession(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))

	require.NoError(t, m.MarkUnhealthy("a", errors.New("probes kept failing")))
	info, _ := m.State("a")
	assert.Equal(t, types.StateUnhealthy, info.State)
	assert.Equal(t, int32(1), adapter.disconnectCalls.Load())
}

func TestTestConnectionDoesNotTouchManagedState(t *testing.T) {
	m, ff := newTestManager(t, 5)
	managed := &fakeAdapter{}
	ff.set("a", managed)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))

	// The probe config shares the ID but the factory builds a fresh
	// adapter because TestConnection never consults the managed entry.
	ff.mu.Lock()
	delete(ff.adapters, "a")
	ff.mu.Unlock()

	result, err := m.TestConnection(context.Background(), stdioCfg("a"))
	require.NoError(t, err)
	assert.Equal(t, "fake", result.ServerName)
	assert.Zero(t, result.ToolCount)

	info, _ := m.State("a")
	assert.Equal(t, types.StateConnected, info.State)
	assert.Zero(t, managed.disconnectCalls.Load(), "managed session must stay up")

	// The throwaway adapter was cleaned up.
	ff.mu.Lock()
	throwaway := ff.built[len(ff.built)-1]
	ff.mu.Unlock()
	assert.Equal(t, int32(1), throwaway.disconnectCalls.Load())
}

func TestTestConnectionFailure(t *testing.T) {
	m, ff := newTestManager(t, 5)
	ff.set("probe", &fakeAdapter{connectErr: errors.New("no such host")})

	_, err := m.TestConnection(context.Background(), stdioCfg("probe"))
	assert.Error(t, err)
}

func TestRemoveServer(t *testing.T) {
	m, ff := newTestManager(t, 5)
	adapter := &fakeAdapter{}
	ff.set("a", adapter)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.Connect(context.Background(), "a"))

	require.NoError(t, m.RemoveServer("a"))
	assert.Equal(t, int32(1), adapter.disconnectCalls.Load())
	assert.ErrorIs(t, m.RemoveServer("a"), ErrServerNotFound)
	_, err := m.State("a")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestDisconnectAll(t *testing.T) {
	m, ff := newTestManager(t, 5)
	a, b := &fakeAdapter{}, &fakeAdapter{}
	ff.set("a", a)
	ff.set("b", b)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	require.NoError(t, m.AddServer(stdioCfg("b")))

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "a"))
	require.NoError(t, m.Connect(ctx, "b"))

	m.DisconnectAll()
	assert.Equal(t, int32(1), a.disconnectCalls.Load())
	assert.Equal(t, int32(1), b.disconnectCalls.Load())
}

func TestDuplicateAddServer(t *testing.T) {
	m, _ := newTestManager(t, 5)
	require.NoError(t, m.AddServer(stdioCfg("a")))
	assert.Error(t, m.AddServer(stdioCfg("a")))
}
