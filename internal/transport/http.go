package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
)

// httpAdapter speaks MCP over streamable HTTP. Each request is its own HTTP
// exchange, so there is no persistent process to supervise.
type httpAdapter struct {
	session
}

func newHTTPAdapter(cfg *config.ServerConfig, logger *zap.Logger) *httpAdapter {
	return &httpAdapter{session: session{cfg: cfg, logger: logger}}
}

func (a *httpAdapter) Connect(ctx context.Context) error {
	opts := []uptransport.StreamableHTTPCOption{
		uptransport.WithHTTPTimeout(time.Duration(a.cfg.TimeoutMs) * time.Millisecond),
	}
	if len(a.cfg.Headers) > 0 {
		opts = append(opts, uptransport.WithHTTPHeaders(a.cfg.Headers))
	}

	httpTransport, err := uptransport.NewStreamableHTTP(a.cfg.BaseURL, opts...)
	if err != nil {
		return &ConnectError{ServerID: a.cfg.ID, Err: fmt.Errorf("failed to create HTTP transport: %w", err)}
	}

	c := client.NewClient(httpTransport)
	a.registerLostHandler(c)
	if err := c.Start(ctx); err != nil {
		return &ConnectError{ServerID: a.cfg.ID, Err: err}
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	if err := a.initialize(handshakeCtx, c); err != nil {
		_ = c.Close()
		if handshakeCtx.Err() == context.DeadlineExceeded {
			return &TimeoutError{ServerID: a.cfg.ID, Op: "initialize", Err: err}
		}
		return &ConnectError{ServerID: a.cfg.ID, Err: err}
	}
	return nil
}

func (a *httpAdapter) Disconnect() error {
	return a.closeClient()
}
