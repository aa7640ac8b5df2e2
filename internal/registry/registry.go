// Package registry caches each connected server's tool inventory and routes
// tool invocations to the owning server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge/internal/observability"
	"mcpbridge/internal/storage"
	"mcpbridge/internal/transport"
)

// ErrToolNotFound means the tool is not in the server's cached inventory.
var ErrToolNotFound = errors.New("tool not found")

// InvocationError wraps a tool call failure with its origin.
type InvocationError struct {
	ServerID string
	Tool     string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s on %s failed: %v", e.Tool, e.ServerID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Tool is one cached tool entry.
type Tool struct {
	ServerID    string              `json:"server_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
}

// Result is the outcome of a tool invocation.
type Result struct {
	Content []mcp.Content `json:"content"`
	IsError bool          `json:"is_error"`
}

// Connections provides live adapters; satisfied by the upstream manager.
type Connections interface {
	Adapter(id string) (transport.Adapter, error)
}

// Registry caches tool inventories per server. Reads are lock-free apart
// from an RWMutex read lock; a refresh swaps a server's whole list
// atomically so readers never observe a half-updated inventory.
type Registry struct {
	logger      *zap.Logger
	connections Connections
	store       *storage.BoltStore
	metrics     *observability.Metrics

	mu    sync.RWMutex
	tools map[string][]Tool // serverID -> inventory
}

// New creates a registry. store and metrics may be nil.
func New(logger *zap.Logger, connections Connections, store *storage.BoltStore, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:      logger,
		connections: connections,
		store:       store,
		metrics:     metrics,
		tools:       make(map[string][]Tool),
	}
}

// RefreshServer fetches a server's current inventory and replaces the
// cached one. The previous inventory stays visible until the fetch
// succeeds.
func (r *Registry) RefreshServer(ctx context.Context, serverID string) error {
	adapter, err := r.connections.Adapter(serverID)
	if err != nil {
		return err
	}

	fetched, err := adapter.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools for %s: %w", serverID, err)
	}

	tools := make([]Tool, 0, len(fetched))
	for i := range fetched {
		tools = append(tools, Tool{
			ServerID:    serverID,
			Name:        fetched[i].Name,
			Description: fetched[i].Description,
			InputSchema: fetched[i].InputSchema,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	r.mu.Lock()
	r.tools[serverID] = tools
	r.mu.Unlock()

	r.persist(serverID, tools)
	r.logger.Debug("tool inventory refreshed",
		zap.String("server", serverID),
		zap.Int("tools", len(tools)))
	return nil
}

// persist writes the inventory to the last-known cache. Failures are logged
// and ignored; the cache is advisory.
func (r *Registry) persist(serverID string, tools []Tool) {
	if r.store == nil {
		return
	}
	cached := make([]storage.CachedTool, 0, len(tools))
	now := time.Now().UTC()
	for _, tool := range tools {
		cached = append(cached, storage.CachedTool{
			Name:        tool.Name,
			Description: tool.Description,
			CachedAt:    now,
		})
	}
	if err := r.store.SaveServerTools(serverID, cached); err != nil {
		r.logger.Warn("failed to persist tool cache",
			zap.String("server", serverID), zap.Error(err))
	}
}

// ClearServer drops a server's live inventory while keeping the persisted
// last-known copy. Called when the server disconnects; the inventory is
// rebuilt on the next successful connect.
func (r *Registry) ClearServer(serverID string) {
	r.mu.Lock()
	delete(r.tools, serverID)
	r.mu.Unlock()
}

// DropServer removes a server's inventory, both live and persisted.
func (r *Registry) DropServer(serverID string) {
	r.mu.Lock()
	delete(r.tools, serverID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteServerTools(serverID); err != nil {
			r.logger.Warn("failed to drop persisted tool cache",
				zap.String("server", serverID), zap.Error(err))
		}
	}
}

// ServerTools returns the cached inventory for one server.
func (r *Registry) ServerTools(serverID string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tool(nil), r.tools[serverID]...)
}

// AllTools returns every cached tool, ordered by server then name.
func (r *Registry) AllTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Tool
	for _, id := range ids {
		out = append(out, r.tools[id]...)
	}
	return out
}

// Lookup finds one cached tool.
func (r *Registry) Lookup(serverID, toolName string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tool := range r.tools[serverID] {
		if tool.Name == toolName {
			return tool, true
		}
	}
	return Tool{}, false
}

// Invoke calls a tool on its server. The server must be connected and the
// tool must exist in the cached inventory; both checks fail fast without
// touching the wire. The connectivity check runs first so a disconnected
// server reports "not connected" rather than a missing tool once its live
// inventory has been cleared.
func (r *Registry) Invoke(ctx context.Context, serverID, toolName string, args map[string]any) (*Result, error) {
	adapter, err := r.connections.Adapter(serverID)
	if err != nil {
		return nil, &InvocationError{ServerID: serverID, Tool: toolName, Err: err}
	}

	if _, ok := r.Lookup(serverID, toolName); !ok {
		return nil, &InvocationError{
			ServerID: serverID,
			Tool:     toolName,
			Err:      fmt.Errorf("%w: %s", ErrToolNotFound, toolName),
		}
	}

	start := time.Now()
	callResult, err := adapter.CallTool(ctx, toolName, args)
	elapsed := time.Since(start)

	success := err == nil && (callResult == nil || !callResult.IsError)
	r.metrics.ObserveToolCall(serverID, success, elapsed)
	if r.store != nil {
		if statErr := r.store.RecordInvocation(serverID, toolName, success, elapsed); statErr != nil {
			r.logger.Debug("failed to record invocation stats", zap.Error(statErr))
		}
	}

	if err != nil {
		return nil, &InvocationError{ServerID: serverID, Tool: toolName, Err: err}
	}

	result := &Result{IsError: callResult.IsError}
	result.Content = append(result.Content, callResult.Content...)
	return result, nil
}
