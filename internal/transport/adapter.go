// Package transport connects the bridge to tool servers over stdio,
// streamable HTTP and SSE, and normalizes their failures into a small error
// taxonomy.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/secureenv"
)

const (
	clientName    = "mcpbridge"
	clientVersion = "1.0.0"

	// pingTimeout bounds the lightweight health probe.
	pingTimeout = 5 * time.Second
)

// Adapter is one live protocol session with a tool server. Adapters are not
// safe for concurrent Connect/Disconnect; callers serialize lifecycle
// operations per server.
type Adapter interface {
	// Connect establishes the session and performs the MCP handshake.
	Connect(ctx context.Context) error

	// ListTools fetches the server's current tool inventory.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes a named tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Ping performs a cheap liveness probe against the session.
	Ping(ctx context.Context) error

	// ServerInfo returns the handshake result, or nil before Connect.
	ServerInfo() *mcp.InitializeResult

	// OnConnectionLost registers a handler fired at most once when the
	// session drops outside an explicit Disconnect: the child process
	// exited, the stream closed, or a call deadline killed the session.
	// Register before Connect.
	OnConnectionLost(handler func(error))

	// Disconnect tears the session down. In-flight calls fail. Idempotent.
	Disconnect() error
}

// New builds the adapter matching the server's transport. The config is
// assumed validated.
func New(cfg *config.ServerConfig, envManager *secureenv.Manager, logger *zap.Logger) (Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server", cfg.ID), zap.String("transport", cfg.Transport))

	switch cfg.Transport {
	case config.TransportStdio:
		if envManager == nil {
			envManager = secureenv.NewManager(nil)
		}
		return newStdioAdapter(cfg, envManager, logger), nil
	case config.TransportHTTP:
		return newHTTPAdapter(cfg, logger), nil
	case config.TransportSSE:
		return newSSEAdapter(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q for server %s", cfg.Transport, cfg.ID)
	}
}

// session holds the MCP client shared by all adapter kinds and implements
// the operations that are identical across transports.
type session struct {
	cfg    *config.ServerConfig
	logger *zap.Logger

	onLost   func(error)
	lostOnce sync.Once

	mu         sync.RWMutex
	client     *client.Client
	serverInfo *mcp.InitializeResult
}

// OnConnectionLost stores the session-loss handler. Adapters are built fresh
// per connect attempt, so the handler fires at most once per session.
func (s *session) OnConnectionLost(handler func(error)) {
	s.onLost = handler
}

func (s *session) notifyLost(err error) {
	s.lostOnce.Do(func() {
		if s.onLost != nil {
			s.onLost(err)
		}
	})
}

// registerLostHandler forwards unexpected transport closures to the
// session-loss handler. Closures observed after an intentional Disconnect
// (client already cleared) or before the handshake stored the client are
// ignored; those paths report their own errors.
func (s *session) registerLostHandler(c *client.Client) {
	c.OnConnectionLost(func(err error) {
		s.mu.RLock()
		active := s.client == c
		s.mu.RUnlock()
		if !active {
			return
		}
		s.logger.Warn("session lost", zap.Error(err))
		s.notifyLost(err)
	})
}

func (s *session) getClient() (*client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, &ConnectError{ServerID: s.cfg.ID, Err: fmt.Errorf("not connected")}
	}
	return s.client, nil
}

// initialize runs the MCP handshake and records the server info.
func (s *session) initialize(ctx context.Context, c *client.Client) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	s.mu.Lock()
	s.client = c
	s.serverInfo = serverInfo
	s.mu.Unlock()

	s.logger.Info("MCP session established",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

func (s *session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c, err := s.getClient()
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(s.cfg.TimeoutMs) * time.Millisecond
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.ListTools(opCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classifyOpError(s.cfg.ID, "tools/list", err, opCtx.Err() == context.DeadlineExceeded)
	}
	return result.Tools, nil
}

func (s *session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c, err := s.getClient()
	if err != nil {
		return nil, err
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	timeout := time.Duration(s.cfg.TimeoutMs) * time.Millisecond
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := c.CallTool(opCtx, request)
	if err != nil {
		s.logger.Warn("tool call failed",
			zap.String("tool", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, classifyOpError(s.cfg.ID, "tools/call", err, opCtx.Err() == context.DeadlineExceeded)
	}

	s.logger.Debug("tool call completed",
		zap.String("tool", name),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// Ping probes the session with a minimal tools/list request. Not every
// server implements the MCP ping request, but tools/list is mandatory.
func (s *session) Ping(ctx context.Context) error {
	c, err := s.getClient()
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.ListTools(opCtx, mcp.ListToolsRequest{}); err != nil {
		return classifyOpError(s.cfg.ID, "ping", err, opCtx.Err() == context.DeadlineExceeded)
	}
	return nil
}

func (s *session) ServerInfo() *mcp.InitializeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// closeClient closes and clears the underlying client. Safe to call twice.
func (s *session) closeClient() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.serverInfo = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
