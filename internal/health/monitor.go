// Package health periodically probes connected servers and quarantines the
// ones that keep failing.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/upstream"
	"mcpbridge/internal/upstream/types"
)

// Connections is the slice of the upstream manager the monitor drives.
type Connections interface {
	ServerIDs() []string
	States() map[string]types.StateInfo
	State(id string) (types.StateInfo, error)
	Probe(ctx context.Context, id string) error
	MarkUnhealthy(id string, reason error) error
	Reset(id string) error
	ConnectWithRetry(ctx context.Context, id string) error
}

// ServerHealth is the reported health of one server.
type ServerHealth struct {
	ServerID            string    `json:"server_id"`
	State               string    `json:"state"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RetryCount          int       `json:"retry_count"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccessfulPing  time.Time `json:"last_successful_ping,omitempty"`
	ConnectedAt         time.Time `json:"connected_at,omitempty"`
}

// Report is a snapshot of every server's health.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	Healthy     int            `json:"healthy"`
	Unhealthy   int            `json:"unhealthy"`
	Servers     []ServerHealth `json:"servers"`
}

// Monitor sweeps connected servers on an interval. A server that fails the
// probe threshold times in a row is marked unhealthy and its session is
// closed; it stays quarantined until reset.
type Monitor struct {
	logger      *zap.Logger
	connections Connections
	interval    time.Duration
	threshold   int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewMonitor creates a monitor. threshold is the consecutive probe failures
// that trip quarantine.
func NewMonitor(logger *zap.Logger, connections Connections, interval time.Duration, threshold int) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{
		logger:      logger,
		connections: connections,
		interval:    interval,
		threshold:   threshold,
	}
}

// Start launches the sweep loop. Calling Start twice is an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("health monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})

	go m.run(loopCtx)
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("failure_threshold", m.threshold))
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.cancel = nil
	m.stopped = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every connected server once. Exported so operators can force
// an immediate check.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, id := range m.connections.ServerIDs() {
		info, err := m.connections.State(id)
		if err != nil {
			continue // removed mid-sweep
		}
		if info.State != types.StateConnected {
			continue
		}
		m.probeOne(ctx, id)
	}
}

func (m *Monitor) probeOne(ctx context.Context, id string) {
	err := m.connections.Probe(ctx, id)
	if err == nil {
		return
	}
	if errors.Is(err, upstream.ErrServerBusy) {
		// A lifecycle operation owns the server right now; probing would
		// only queue behind it. Skip this round.
		m.logger.Debug("probe skipped, server busy", zap.String("server", id))
		return
	}
	if errors.Is(err, upstream.ErrNotConnected) || errors.Is(err, upstream.ErrServerNotFound) {
		return
	}

	info, stateErr := m.connections.State(id)
	if stateErr != nil {
		return
	}

	m.logger.Warn("health probe failed",
		zap.String("server", id),
		zap.Int("consecutive_failures", info.ConsecutiveFailures),
		zap.Int("threshold", m.threshold),
		zap.Error(err))

	if info.ConsecutiveFailures >= m.threshold {
		reason := fmt.Errorf("%d consecutive probe failures: %w", info.ConsecutiveFailures, err)
		if err := m.connections.MarkUnhealthy(id, reason); err != nil {
			m.logger.Warn("failed to quarantine server", zap.String("server", id), zap.Error(err))
			return
		}
		m.logger.Warn("server quarantined", zap.String("server", id))
	}
}

// Reset clears a server's health history and kicks off a reconnect in the
// background. This is the only path out of quarantine.
func (m *Monitor) Reset(ctx context.Context, id string) error {
	if err := m.connections.Reset(id); err != nil {
		return err
	}
	m.logger.Info("server health reset", zap.String("server", id))

	go func() {
		if err := m.connections.ConnectWithRetry(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("reconnect after reset failed", zap.String("server", id), zap.Error(err))
		}
	}()
	return nil
}

// ServerHealth returns the health of one server.
func (m *Monitor) ServerHealth(id string) (ServerHealth, error) {
	info, err := m.connections.State(id)
	if err != nil {
		return ServerHealth{}, err
	}
	return toServerHealth(id, info), nil
}

// ReportAll builds a health snapshot for every server, sorted by ID.
func (m *Monitor) ReportAll() Report {
	states := m.connections.States()

	report := Report{
		GeneratedAt: time.Now().UTC(),
		Total:       len(states),
		Servers:     make([]ServerHealth, 0, len(states)),
	}
	for id, info := range states {
		health := toServerHealth(id, info)
		if health.Healthy {
			report.Healthy++
		}
		if info.State == types.StateUnhealthy {
			report.Unhealthy++
		}
		report.Servers = append(report.Servers, health)
	}
	sort.Slice(report.Servers, func(i, j int) bool {
		return report.Servers[i].ServerID < report.Servers[j].ServerID
	})
	return report
}

// UnhealthyServers lists the quarantined server IDs, sorted.
func (m *Monitor) UnhealthyServers() []string {
	var ids []string
	for id, info := range m.connections.States() {
		if info.State == types.StateUnhealthy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func toServerHealth(id string, info types.StateInfo) ServerHealth {
	return ServerHealth{
		ServerID:            id,
		State:               info.State.String(),
		Healthy:             info.State == types.StateConnected,
		ConsecutiveFailures: info.ConsecutiveFailures,
		RetryCount:          info.RetryCount,
		LastError:           info.LastError,
		LastSuccessfulPing:  info.LastSuccessfulPing,
		ConnectedAt:         info.ConnectedAt,
	}
}
