package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/secureenv"
)

// stdioAdapter runs a tool server as a child process and speaks MCP over
// its stdin/stdout. The child receives only the filtered environment.
type stdioAdapter struct {
	session
	envManager *secureenv.Manager

	cancel     context.CancelFunc
	stderrDone chan struct{}
}

func newStdioAdapter(cfg *config.ServerConfig, envManager *secureenv.Manager, logger *zap.Logger) *stdioAdapter {
	return &stdioAdapter{
		session:    session{cfg: cfg, logger: logger},
		envManager: envManager,
	}
}

func (a *stdioAdapter) Connect(ctx context.Context) error {
	if err := a.validateWorkingDir(); err != nil {
		return &ConnectError{ServerID: a.cfg.ID, Err: err}
	}

	envVars := a.envManager.BuildEnvironment(a.cfg.Env)
	filtered, total := a.envManager.FilteredCount()
	a.logger.Debug("built child environment",
		zap.Int("passed", filtered),
		zap.Int("system_total", total),
		zap.Int("server_vars", len(a.cfg.Env)))

	stdioTransport := uptransport.NewStdioWithOptions(
		a.cfg.Command, envVars, a.cfg.Args,
		uptransport.WithCommandFunc(a.commandFunc()))

	c := client.NewClient(stdioTransport)
	a.registerLostHandler(c)

	// The process must outlive Connect's context; it is torn down by
	// Disconnect cancelling processCtx.
	processCtx, cancel := context.WithCancel(context.Background())
	if err := c.Start(processCtx); err != nil {
		cancel()
		return &ConnectError{ServerID: a.cfg.ID, Err: fmt.Errorf("failed to start %s: %w", a.cfg.Command, err)}
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
	a.watchStderr(stdioTransport)
	return nil
}

// CallTool delegates to the shared session and tears the child down when the
// call deadline expires. A child that stopped answering is killed rather than
// left running behind a dead session.
func (a *stdioAdapter) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	result, err := a.session.CallTool(ctx, name, args)
	if IsTimeout(err) {
		a.terminate(err)
	}
	return result, err
}

// terminate kills the child process and reports the session as lost so the
// connection owner tears the rest down.
func (a *stdioAdapter) terminate(cause error) {
	a.logger.Warn("terminating child process", zap.Error(cause))
	if a.cancel != nil {
		a.cancel()
	}
	a.notifyLost(cause)
}

// commandFunc builds the child process with the filtered environment and the
// configured working directory.
func (a *stdioAdapter) commandFunc() uptransport.CommandFunc {
	workingDir := a.cfg.WorkingDir
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if workingDir != "" {
			cmd.Dir = workingDir
		}
		return cmd, nil
	}
}

func (a *stdioAdapter) validateWorkingDir() error {
	if a.cfg.WorkingDir == "" {
		return nil
	}
	info, err := os.Stat(a.cfg.WorkingDir)
	if err != nil {
		return fmt.Errorf("working directory %s: %w", a.cfg.WorkingDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", a.cfg.WorkingDir)
	}
	return nil
}

// watchStderr drains the child's stderr into the log so crashes leave a
// trace. The goroutine exits when the pipe closes on disconnect.
func (a *stdioAdapter) watchStderr(t *uptransport.Stdio) {
	stderr := t.Stderr()
	if stderr == nil {
		return
	}

	done := make(chan struct{})
	a.stderrDone = done

	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			a.logger.Debug("server stderr", zap.String("line", line))
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			a.logger.Debug("stderr monitoring stopped", zap.Error(err))
		}
	}()
}

func (a *stdioAdapter) Disconnect() error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	err := a.closeClient()

	if a.stderrDone != nil {
		select {
		case <-a.stderrDone:
		case <-time.After(2 * time.Second):
			a.logger.Debug("stderr drain timed out")
		}
		a.stderrDone = nil
	}
	return err
}
