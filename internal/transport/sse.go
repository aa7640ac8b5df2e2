package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
)

// sseAdapter speaks MCP over a server-sent events stream. The event stream
// is long-lived, so it runs on its own context that Disconnect cancels.
type sseAdapter struct {
	session
	cancel context.CancelFunc
}

func newSSEAdapter(cfg *config.ServerConfig, logger *zap.Logger) *sseAdapter {
	return &sseAdapter{session: session{cfg: cfg, logger: logger}}
}

func (a *sseAdapter) Connect(ctx context.Context) error {
	// The event stream stays open well past any single request, so the
	// HTTP client gets a generous timeout and keep-alives.
	httpClient := &http.Client{
		Timeout: 180 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}

	var c *client.Client
	var err error
	if len(a.cfg.Headers) > 0 {
		c, err = client.NewSSEMCPClient(a.cfg.BaseURL,
			client.WithHTTPClient(httpClient),
			client.WithHeaders(a.cfg.Headers))
	} else {
		c, err = client.NewSSEMCPClient(a.cfg.BaseURL,
			client.WithHTTPClient(httpClient))
	}
	if err != nil {
		return &ConnectError{ServerID: a.cfg.ID, Err: fmt.Errorf("failed to create SSE client: %w", err)}
	}
	a.registerLostHandler(c)

	// The SSE stream must outlive Connect's context.
	streamCtx, cancel := context.WithCancel(context.Background())
	if err := c.Start(streamCtx); err != nil {
		cancel()
		return &ConnectError{ServerID: a.cfg.ID, Err: fmt.Errorf("failed to open SSE stream: %w", err)}
	}

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutMs)*time.Millisecond)
	defer handshakeCancel()

	if err := a.initialize(handshakeCtx, c); err != nil {
		cancel()
		_ = c.Close()
		if handshakeCtx.Err() == context.DeadlineExceeded {
			return &TimeoutError{ServerID: a.cfg.ID, Op: "initialize", Err: err}
		}
		return &ConnectError{ServerID: a.cfg.ID, Err: err}
	}

	a.cancel = cancel
	a.logger.Debug("SSE stream established", zap.String("url", a.cfg.BaseURL))
	return nil
}

func (a *sseAdapter) Disconnect() error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return a.closeClient()
}
