// Package runtime assembles the bridge: configuration, storage, the
// upstream connection manager, the tool registry and the health monitor,
// and exposes the operations the API surface calls.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/health"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/registry"
	"mcpbridge/internal/secureenv"
	"mcpbridge/internal/storage"
	"mcpbridge/internal/upstream"
	"mcpbridge/internal/upstream/types"
)

// Runtime owns the bridge's long-lived components.
type Runtime struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	store    *storage.BoltStore
	metrics  *observability.Metrics
	manager  *upstream.Manager
	registry *registry.Registry
	monitor  *health.Monitor

	docMu sync.Mutex
	doc   *config.Document

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds a runtime from the bridge config. configPath locates the
// server document; empty means the default path.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if configPath == "" {
		var err error
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".mcpbridge")
	}

	store, err := storage.Open(dataDir, logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	metrics := observability.New()
	envManager := secureenv.NewManager(cfg.Environment)
	manager := upstream.NewManager(logger.Named("upstream"), envManager, metrics, cfg.MaxConnectAttempts)
	reg := registry.New(logger.Named("registry"), manager, store, metrics)
	monitor := health.NewMonitor(logger.Named("health"), manager,
		time.Duration(cfg.HealthIntervalSeconds)*time.Second, cfg.FailureThreshold)

	r := &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      store,
		metrics:    metrics,
		manager:    manager,
		registry:   reg,
		monitor:    monitor,
		doc:        config.NewDocument(),
	}

	// Refresh a server's inventory every time it comes up, and drop the live
	// inventory when it goes down; only the persisted last-known copy
	// survives a disconnect. The refresh runs off the transitioning
	// goroutine since it takes the server's lifecycle lock.
	manager.AddStateListener(func(serverID string, old, newState types.ConnectionState) {
		if old == types.StateConnected && newState != types.StateConnected {
			reg.ClearServer(serverID)
			return
		}
		if newState != types.StateConnected {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(r.runContext(), 30*time.Second)
			defer cancel()
			if err := reg.RefreshServer(ctx, serverID); err != nil {
				logger.Warn("tool refresh after connect failed",
					zap.String("server", serverID), zap.Error(err))
			}
		}()
	})

	return r, nil
}

// Metrics exposes the collector set for the HTTP layer.
func (r *Runtime) Metrics() *observability.Metrics { return r.metrics }

// Manager exposes the connection manager, mainly for tests.
func (r *Runtime) Manager() *upstream.Manager { return r.manager }

// ConfigPath returns the server document location.
func (r *Runtime) ConfigPath() string { return r.configPath }

func (r *Runtime) runContext() context.Context {
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// Start loads the server document, validates it, brings up every enabled
// server and starts the health monitor. Invalid entries are skipped with a
// warning; one bad entry must not keep the rest of the fleet down.
func (r *Runtime) Start(ctx context.Context) error {
	r.runCtx, r.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	doc, err := config.LoadDocument(r.configPath)
	if err != nil {
		return err
	}

	r.docMu.Lock()
	r.doc = doc
	r.docMu.Unlock()

	active := r.validActive(doc)
	for _, server := range active {
		if err := r.manager.AddServer(server); err != nil {
			r.logger.Warn("failed to register server", zap.String("server", server.ID), zap.Error(err))
		}
	}
	r.manager.ConnectAll(r.runCtx)

	if err := r.monitor.Start(r.runCtx); err != nil {
		return err
	}

	r.logger.Info("bridge started",
		zap.String("config", r.configPath),
		zap.Int("active_servers", len(active)),
		zap.Int("disabled_servers", len(doc.Disabled)))
	return nil
}

// validActive filters the document's active set down to entries that pass
// validation, logging the rejects. Returned configs are normalized.
func (r *Runtime) validActive(doc *config.Document) []*config.ServerConfig {
	var out []*config.ServerConfig
	for _, server := range doc.Active() {
		result := config.ValidateServer(server)
		if !result.Valid {
			r.logger.Warn("skipping invalid server entry",
				zap.String("server", server.ID),
				zap.Error(result.Err()))
			continue
		}
		out = append(out, result.Normalized)
	}
	return out
}

// Close shuts everything down in dependency order.
func (r *Runtime) Close() error {
	if r.runCancel != nil {
		r.runCancel()
	}
	r.monitor.Stop()
	r.manager.DisconnectAll()

	err := r.store.Close()
	r.logger.Info("bridge stopped")
	return err
}

// ListTools returns cached tools, for one server or for all of them.
func (r *Runtime) ListTools(serverID string) ([]registry.Tool, error) {
	if serverID == "" {
		return r.registry.AllTools(), nil
	}
	if _, err := r.manager.State(serverID); err != nil {
		return nil, err
	}
	return r.registry.ServerTools(serverID), nil
}

// CallTool invokes a tool on a connected server.
func (r *Runtime) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*registry.Result, error) {
	return r.registry.Invoke(ctx, serverID, toolName, args)
}

// TestConnection validates a candidate config and probes it with a
// throwaway session. Managed servers are unaffected.
func (r *Runtime) TestConnection(ctx context.Context, server *config.ServerConfig) (*upstream.TestResult, error) {
	result := config.ValidateServer(server)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return r.manager.TestConnection(ctx, result.Normalized)
}

// AddServer validates a new server entry, persists it to the document and,
// when enabled, brings it up.
func (r *Runtime) AddServer(ctx context.Context, server *config.ServerConfig) error {
	result := config.ValidateServer(server)
	if err := result.Err(); err != nil {
		return err
	}
	normalized := result.Normalized

	r.docMu.Lock()
	if err := r.doc.Add(normalized); err != nil {
		r.docMu.Unlock()
		return err
	}
	err := config.SaveDocument(r.configPath, r.doc)
	if err != nil {
		// Roll the in-memory document back so memory and disk agree.
		if normalized.Enabled {
			delete(r.doc.Servers, normalized.ID)
		} else {
			delete(r.doc.Disabled, normalized.ID)
		}
		r.docMu.Unlock()
		return err
	}
	r.docMu.Unlock()

	if !normalized.Enabled {
		r.logger.Info("server added disabled", zap.String("server", normalized.ID))
		return nil
	}

	if err := r.manager.AddServer(normalized); err != nil {
		return err
	}
	go func() {
		if err := r.manager.ConnectWithRetry(r.runContext(), normalized.ID); err != nil &&
			!errors.Is(err, context.Canceled) {
			r.logger.Warn("new server did not come up",
				zap.String("server", normalized.ID), zap.Error(err))
		}
	}()

	r.logger.Info("server added", zap.String("server", normalized.ID))
	return nil
}

// SaveConfiguration writes the current in-memory document to disk.
func (r *Runtime) SaveConfiguration() error {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	return config.SaveDocument(r.configPath, r.doc)
}

// RefreshConfiguration reloads the document from disk and reconciles the
// live connections against it: servers gone from the file are torn down,
// new ones come up, and changed ones reconnect. Background reconnects run
// on the runtime's context, not the caller's.
func (r *Runtime) RefreshConfiguration(context.Context) (*upstream.ReconcileReport, error) {
	doc, err := config.LoadDocument(r.configPath)
	if err != nil {
		return nil, err
	}

	r.docMu.Lock()
	r.doc = doc
	r.docMu.Unlock()

	report := r.manager.Reconcile(r.runContext(), r.validActive(doc))
	for _, id := range report.Removed {
		r.registry.DropServer(id)
	}
	return report, nil
}

// ServerStates returns the live connection state per server.
func (r *Runtime) ServerStates() map[string]types.StateInfo {
	return r.manager.States()
}

// HealthReport returns the full fleet health snapshot.
func (r *Runtime) HealthReport() health.Report {
	return r.monitor.ReportAll()
}

// ServerHealth returns one server's health.
func (r *Runtime) ServerHealth(serverID string) (health.ServerHealth, error) {
	return r.monitor.ServerHealth(serverID)
}

// ResetServerHealth clears a server's failure history and reconnects it.
func (r *Runtime) ResetServerHealth(serverID string) error {
	return r.monitor.Reset(r.runContext(), serverID)
}

// UnhealthyServers lists quarantined servers.
func (r *Runtime) UnhealthyServers() []string {
	return r.monitor.UnhealthyServers()
}
