// Package upstream manages the live connections to configured tool servers:
// one state machine per server, serialized lifecycle operations, and
// reconciliation against configuration changes.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/secureenv"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream/types"
)

var (
	// ErrServerNotFound means the server ID is not managed.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerBusy means another lifecycle operation holds the server's
	// lock; probes skip rather than queue behind it.
	ErrServerBusy = errors.New("server busy")

	// ErrNotConnected means the server has no usable session.
	ErrNotConnected = errors.New("server not connected")

	// ErrServerUnhealthy means the server exhausted its retry budget and
	// needs an explicit reset.
	ErrServerUnhealthy = errors.New("server marked unhealthy")
)

// AdapterFactory builds a transport adapter for a server config. Tests
// substitute fakes here.
type AdapterFactory func(cfg *config.ServerConfig, env *secureenv.Manager, logger *zap.Logger) (transport.Adapter, error)

// TestResult is the outcome of a one-shot connection probe.
type TestResult struct {
	ServerName      string        `json:"server_name,omitempty"`
	ServerVersion   string        `json:"server_version,omitempty"`
	ProtocolVersion string        `json:"protocol_version,omitempty"`
	ToolCount       int           `json:"tool_count"`
	Elapsed         time.Duration `json:"-"`
	ElapsedMs       int64         `json:"elapsed_ms"`
}

// serverEntry pairs a server's config with its state machine and live
// adapter. opMu serializes connect, disconnect and probe against each other
// so a server never sees interleaved lifecycle operations.
type serverEntry struct {
	opMu sync.Mutex

	mu      sync.RWMutex
	cfg     *config.ServerConfig
	adapter transport.Adapter

	state *types.StateManager
}

func (e *serverEntry) config() *config.ServerConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *serverEntry) setConfig(cfg *config.ServerConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *serverEntry) getAdapter() transport.Adapter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.adapter
}

func (e *serverEntry) setAdapter(a transport.Adapter) {
	e.mu.Lock()
	e.adapter = a
	e.mu.Unlock()
}

// Manager owns every managed server connection.
type Manager struct {
	logger      *zap.Logger
	envManager  *secureenv.Manager
	metrics     *observability.Metrics
	factory     AdapterFactory
	maxAttempts int

	mu        sync.RWMutex
	servers   map[string]*serverEntry
	listeners []StateListener

	wg sync.WaitGroup
}

// StateListener observes every server state transition. Listeners run on
// the transitioning goroutine and must not call back into the manager's
// lifecycle operations synchronously.
type StateListener func(serverID string, old, newState types.ConnectionState)

// AddStateListener registers a transition observer. Register listeners
// before adding servers.
func (m *Manager) AddStateListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) notifyListeners(serverID string, old, newState types.ConnectionState) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, listener := range listeners {
		listener(serverID, old, newState)
	}
}

// NewManager creates an empty manager. maxAttempts bounds consecutive
// failed connects per server before it is marked unhealthy.
func NewManager(logger *zap.Logger, envManager *secureenv.Manager, metrics *observability.Metrics, maxAttempts int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if envManager == nil {
		envManager = secureenv.NewManager(nil)
	}
	return &Manager{
		logger:      logger,
		envManager:  envManager,
		metrics:     metrics,
		factory:     transport.New,
		maxAttempts: maxAttempts,
		servers:     make(map[string]*serverEntry),
	}
}

// SetAdapterFactory overrides how adapters are built. Call before any
// server is added.
func (m *Manager) SetAdapterFactory(factory AdapterFactory) {
	m.factory = factory
}

// AddServer registers a server without connecting it. The config is assumed
// validated.
func (m *Manager) AddServer(cfg *config.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[cfg.ID]; exists {
		return fmt.Errorf("server %s already managed", cfg.ID)
	}

	serverID := cfg.ID
	entry := &serverEntry{cfg: cfg}
	entry.state = types.NewStateManager(m.maxAttempts, func(old, newState types.ConnectionState, _ types.StateInfo) {
		delta := 0
		if newState == types.StateConnected {
			delta = 1
		} else if old == types.StateConnected {
			delta = -1
		}
		m.metrics.ObserveStateChange(serverID, newState.String(), delta)
		m.logger.Info("connection state changed",
			zap.String("server", serverID),
			zap.String("from", old.String()),
			zap.String("to", newState.String()))
		m.notifyListeners(serverID, old, newState)
	})
	m.servers[serverID] = entry
	return nil
}

// RemoveServer disconnects and forgets a server.
func (m *Manager) RemoveServer(id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	delete(m.servers, id)
	m.mu.Unlock()

	if !ok {
		return ErrServerNotFound
	}
	m.teardown(entry)
	return nil
}

func (m *Manager) entry(id string) (*serverEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return entry, nil
}

// ServerIDs returns the managed server IDs, sorted.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect performs one connect attempt for a server. Lifecycle operations
// on the same server are serialized; concurrent calls queue.
func (m *Manager) Connect(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	return m.connectLocked(ctx, id, entry)
}

func (m *Manager) connectLocked(ctx context.Context, id string, entry *serverEntry) error {
	if entry.state.IsConnected() {
		return nil
	}
	if !entry.state.MarkConnecting() {
		return fmt.Errorf("%w: %s", ErrServerUnhealthy, id)
	}

	cfg := entry.config()
	adapter, err := m.factory(cfg, m.envManager, m.logger)
	if err != nil {
		entry.state.MarkFailure(err)
		m.metrics.ObserveConnectAttempt(id, false)
		return err
	}
	adapter.OnConnectionLost(func(cause error) {
		m.sessionLost(id, adapter, cause)
	})

	if err := adapter.Connect(ctx); err != nil {
		newState := entry.state.MarkFailure(err)
		m.metrics.ObserveConnectAttempt(id, false)
		if newState == types.StateUnhealthy {
			m.logger.Warn("server exhausted connect attempts",
				zap.String("server", id),
				zap.Error(err))
		}
		return err
	}

	entry.setAdapter(adapter)
	entry.state.MarkConnected()
	m.metrics.ObserveConnectAttempt(id, true)
	return nil
}

// ConnectWithRetry keeps attempting to connect with exponential backoff
// until the server connects, turns unhealthy, or ctx is cancelled.
func (m *Manager) ConnectWithRetry(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	for {
		entry.opMu.Lock()
		err := m.connectLocked(ctx, id, entry)
		entry.opMu.Unlock()

		if err == nil {
			return nil
		}
		if errors.Is(err, ErrServerUnhealthy) || entry.state.State() == types.StateUnhealthy {
			return fmt.Errorf("%w: %s", ErrServerUnhealthy, id)
		}

		delay := entry.state.NextRetryDelay()
		m.logger.Debug("scheduling reconnect",
			zap.String("server", id),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ConnectAll starts a retry loop for every managed server in the
// background.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, id := range m.ServerIDs() {
		id := id
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.ConnectWithRetry(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("server did not come up", zap.String("server", id), zap.Error(err))
			}
		}()
	}
}

// sessionLost reacts to an adapter-reported session drop: a crashed child
// process, a closed stream, or a call deadline that killed the session. The
// server moves to disconnected through the failure path so the drop counts
// against its retry accounting. Runs on its own goroutine because the report
// may originate inside a transport callback or under the lifecycle lock.
func (m *Manager) sessionLost(id string, from transport.Adapter, cause error) {
	entry, err := m.entry(id)
	if err != nil {
		return
	}

	go func() {
		entry.opMu.Lock()
		defer entry.opMu.Unlock()

		// An explicit disconnect or reconnect already moved the state on;
		// a stale report from a replaced adapter must not touch the new
		// session.
		if !entry.state.IsConnected() || entry.getAdapter() != from {
			return
		}

		m.logger.Warn("session lost",
			zap.String("server", id),
			zap.Error(cause))
		m.closeAdapter(entry)
		entry.state.MarkFailure(cause)
	}()
}

// Disconnect tears down a server's session, leaving it managed.
func (m *Manager) Disconnect(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	m.closeAdapter(entry)
	entry.state.MarkDisconnected()
	return nil
}

// DisconnectAll tears down every session and waits for background connect
// loops to finish.
func (m *Manager) DisconnectAll() {
	for _, id := range m.ServerIDs() {
		if err := m.Disconnect(id); err != nil && !errors.Is(err, ErrServerNotFound) {
			m.logger.Warn("disconnect failed", zap.String("server", id), zap.Error(err))
		}
	}
	m.wg.Wait()
}

// teardown closes an entry that is being removed from management.
func (m *Manager) teardown(entry *serverEntry) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()
	m.closeAdapter(entry)
	entry.state.MarkDisconnected()
}

func (m *Manager) closeAdapter(entry *serverEntry) {
	adapter := entry.getAdapter()
	if adapter == nil {
		return
	}
	if err := adapter.Disconnect(); err != nil {
		m.logger.Debug("adapter close error", zap.Error(err))
	}
	entry.setAdapter(nil)
}

// Adapter returns the live adapter for a connected server.
func (m *Manager) Adapter(id string) (transport.Adapter, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if entry.state.State() == types.StateUnhealthy {
		return nil, fmt.Errorf("%w: %s", ErrServerUnhealthy, id)
	}
	adapter := entry.getAdapter()
	if adapter == nil || !entry.state.IsConnected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return adapter, nil
}

// State returns a server's state snapshot.
func (m *Manager) State(id string) (types.StateInfo, error) {
	entry, err := m.entry(id)
	if err != nil {
		return types.StateInfo{}, err
	}
	return entry.state.Info(), nil
}

// States returns state snapshots for every managed server.
func (m *Manager) States() map[string]types.StateInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.StateInfo, len(m.servers))
	for id, entry := range m.servers {
		out[id] = entry.state.Info()
	}
	return out
}

// Config returns the managed config for a server.
func (m *Manager) Config(id string) (*config.ServerConfig, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return entry.config(), nil
}

// Probe pings a server's session for the health monitor. When a lifecycle
// operation is in flight the probe returns ErrServerBusy instead of queueing
// behind it. Probe outcomes feed the state machine's ping counters; the
// caller decides when enough failures warrant marking the server unhealthy.
func (m *Manager) Probe(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	if !entry.opMu.TryLock() {
		return ErrServerBusy
	}
	defer entry.opMu.Unlock()

	if !entry.state.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	adapter := entry.getAdapter()
	if adapter == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	if err := adapter.Ping(ctx); err != nil {
		entry.state.RecordPingFailure(err)
		m.metrics.ObserveHealthProbe(id, false)
		return err
	}
	entry.state.RecordPingSuccess()
	m.metrics.ObserveHealthProbe(id, true)
	return nil
}

// ConsecutiveFailures returns the server's current probe failure streak.
func (m *Manager) ConsecutiveFailures(id string) (int, error) {
	info, err := m.State(id)
	if err != nil {
		return 0, err
	}
	return info.ConsecutiveFailures, nil
}

// MarkUnhealthy forces a server into the unhealthy state and closes its
// session.
func (m *Manager) MarkUnhealthy(id string, reason error) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	m.closeAdapter(entry)
	entry.state.MarkUnhealthy(reason)
	return nil
}

// Reset clears a server's failure history and returns it to disconnected so
// connect attempts may resume. This is the only way out of unhealthy.
func (m *Manager) Reset(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	m.closeAdapter(entry)
	entry.state.Reset()
	return nil
}

// TestConnection probes a candidate config with a throwaway session. The
// managed state of any server with the same ID is untouched.
func (m *Manager) TestConnection(ctx context.Context, cfg *config.ServerConfig) (*TestResult, error) {
	adapter, err := m.factory(cfg, m.envManager, m.logger.With(zap.String("probe", "test-connection")))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := adapter.Disconnect(); err != nil {
			m.logger.Debug("test connection cleanup failed", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}

	tools, err := adapter.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	result := &TestResult{
		ToolCount: len(tools),
		Elapsed:   time.Since(start),
	}
	result.ElapsedMs = result.Elapsed.Milliseconds()
	if info := adapter.ServerInfo(); info != nil {
		result.ServerName = info.ServerInfo.Name
		result.ServerVersion = info.ServerInfo.Version
		result.ProtocolVersion = info.ProtocolVersion
	}
	return result, nil
}
