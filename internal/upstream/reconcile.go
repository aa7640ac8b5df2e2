package upstream

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"mcpbridge/internal/config"
)

// ReconcileReport lists what a reconciliation pass did, by server ID.
type ReconcileReport struct {
	Added       []string `json:"added,omitempty"`
	Removed     []string `json:"removed,omitempty"`
	Reconnected []string `json:"reconnected,omitempty"`
	Updated     []string `json:"updated,omitempty"`
	Unchanged   []string `json:"unchanged,omitempty"`
}

func (r *ReconcileReport) sortAll() {
	sort.Strings(r.Added)
	sort.Strings(r.Removed)
	sort.Strings(r.Reconnected)
	sort.Strings(r.Updated)
	sort.Strings(r.Unchanged)
}

// Reconcile drives the managed set toward the given active configuration:
// new servers are added and connected, servers no longer present are
// disconnected and removed, and servers whose connection-affecting fields
// changed are reconnected with a fresh retry budget. Entries that only
// changed cosmetically are updated in place without touching the session.
func (m *Manager) Reconcile(ctx context.Context, active []*config.ServerConfig) *ReconcileReport {
	report := &ReconcileReport{}

	desired := make(map[string]*config.ServerConfig, len(active))
	for _, cfg := range active {
		desired[cfg.ID] = cfg
	}

	for _, id := range m.ServerIDs() {
		if _, keep := desired[id]; keep {
			continue
		}
		if err := m.RemoveServer(id); err != nil && !errors.Is(err, ErrServerNotFound) {
			m.logger.Warn("failed to remove server", zap.String("server", id), zap.Error(err))
		}
		report.Removed = append(report.Removed, id)
	}

	for id, cfg := range desired {
		entry, err := m.entry(id)
		if err != nil {
			if err := m.AddServer(cfg); err != nil {
				m.logger.Warn("failed to add server", zap.String("server", id), zap.Error(err))
				continue
			}
			report.Added = append(report.Added, id)
			m.connectInBackground(ctx, id)
			continue
		}

		current := entry.config()
		switch {
		case current.TransportEquivalent(cfg):
			if current.DisplayName != cfg.DisplayName {
				entry.setConfig(cfg)
				report.Updated = append(report.Updated, id)
			} else {
				report.Unchanged = append(report.Unchanged, id)
			}
		default:
			m.reconnectWithConfig(entry, cfg)
			report.Reconnected = append(report.Reconnected, id)
			m.connectInBackground(ctx, id)
		}
	}

	report.sortAll()
	m.logger.Info("reconciliation complete",
		zap.Strings("added", report.Added),
		zap.Strings("removed", report.Removed),
		zap.Strings("reconnected", report.Reconnected),
		zap.Strings("updated", report.Updated))
	return report
}

// reconnectWithConfig swaps in a new config and clears the old session and
// failure history. The server reconnects from a clean slate.
func (m *Manager) reconnectWithConfig(entry *serverEntry, cfg *config.ServerConfig) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	m.closeAdapter(entry)
	entry.setConfig(cfg)
	entry.state.Reset()
}

func (m *Manager) connectInBackground(ctx context.Context, id string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.ConnectWithRetry(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("server did not come up after reconcile",
				zap.String("server", id), zap.Error(err))
		}
	}()
}
