// Package httpapi exposes the bridge's command surface over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/health"
	"mcpbridge/internal/observability"
	"mcpbridge/internal/registry"
	"mcpbridge/internal/upstream"
	"mcpbridge/internal/upstream/types"
)

// Service is the slice of the runtime the API calls into.
type Service interface {
	ListTools(serverID string) ([]registry.Tool, error)
	CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*registry.Result, error)
	TestConnection(ctx context.Context, server *config.ServerConfig) (*upstream.TestResult, error)
	AddServer(ctx context.Context, server *config.ServerConfig) error
	SaveConfiguration() error
	RefreshConfiguration(ctx context.Context) (*upstream.ReconcileReport, error)
	ServerStates() map[string]types.StateInfo
	HealthReport() health.Report
	ServerHealth(serverID string) (health.ServerHealth, error)
	ResetServerHealth(serverID string) error
	UnhealthyServers() []string
	Metrics() *observability.Metrics
}

// Server is the bridge's HTTP front end.
type Server struct {
	logger  *zap.Logger
	service Service
	httpSrv *http.Server
}

// NewServer builds the server and its routes.
func NewServer(logger *zap.Logger, service Service, listen string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger, service: service}
	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.service.Metrics().Registry(),
		promhttp.HandlerOpts{},
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/call", s.handleCallTool)

		r.Get("/servers", s.handleServerStates)
		r.Post("/servers", s.handleAddServer)
		r.Post("/servers/test", s.handleTestConnection)

		r.Post("/config/save", s.handleSaveConfig)
		r.Post("/config/refresh", s.handleRefreshConfig)

		r.Get("/health", s.handleHealthReport)
		r.Get("/health/unhealthy", s.handleUnhealthyServers)
		r.Get("/health/{server}", s.handleServerHealth)
		r.Post("/health/{server}/reset", s.handleResetServerHealth)
	})
	return r
}

// requestID tags every request so log lines across a call correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", requestIDFrom(r.Context())))
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Start begins serving and returns once the listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("http api listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
