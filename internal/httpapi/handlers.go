package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mcpbridge/internal/config"
	"mcpbridge/internal/registry"
	"mcpbridge/internal/security"
	"mcpbridge/internal/transport"
	"mcpbridge/internal/upstream"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a classified failure.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error type discriminators.
const (
	ErrTypeValidation     = "validation_error"
	ErrTypeSecurity       = "security_rejection"
	ErrTypeConnect        = "connect_error"
	ErrTypeProtocol       = "protocol_error"
	ErrTypeTimeout        = "timeout_error"
	ErrTypeToolInvocation = "tool_invocation_error"
	ErrTypeNotFound       = "not_found"
	ErrTypeInternal       = "internal_error"
)

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		s.logger.Debug("response write failed")
	}
}

// writeError classifies err into the envelope and the HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(Response{Success: false, Error: body}); encErr != nil {
		s.logger.Debug("response write failed")
	}
}

func classifyError(err error) (int, *ErrorBody) {
	var (
		rejection     *security.Rejection
		validationErr *config.ValidationError
		connectErr    *transport.ConnectError
		protocolErr   *transport.ProtocolError
		timeoutErr    *transport.TimeoutError
		invocationErr *registry.InvocationError
	)

	switch {
	case errors.As(err, &rejection):
		return http.StatusForbidden, &ErrorBody{
			Type:    ErrTypeSecurity,
			Message: rejection.Error(),
			Details: rejection.Violations,
		}
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, &ErrorBody{
			Type:    ErrTypeValidation,
			Message: validationErr.Error(),
			Details: validationErr.Errors,
		}
	case errors.Is(err, upstream.ErrServerNotFound):
		return http.StatusNotFound, &ErrorBody{Type: ErrTypeNotFound, Message: err.Error()}
	case errors.As(err, &invocationErr):
		// Unwrap to the transport failure underneath when there is one.
		status, inner := classifyError(invocationErr.Err)
		if inner.Type == ErrTypeInternal {
			status = http.StatusBadGateway
			if errors.Is(err, registry.ErrToolNotFound) {
				status = http.StatusNotFound
			}
		}
		return status, &ErrorBody{Type: ErrTypeToolInvocation, Message: invocationErr.Error(), Details: inner}
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, &ErrorBody{Type: ErrTypeTimeout, Message: err.Error()}
	case errors.As(err, &connectErr),
		errors.Is(err, upstream.ErrNotConnected),
		errors.Is(err, upstream.ErrServerUnhealthy):
		return http.StatusBadGateway, &ErrorBody{Type: ErrTypeConnect, Message: err.Error()}
	case errors.As(err, &protocolErr):
		return http.StatusBadGateway, &ErrorBody{Type: ErrTypeProtocol, Message: err.Error()}
	default:
		return http.StatusInternalServerError, &ErrorBody{Type: ErrTypeInternal, Message: err.Error()}
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		s.writeError(w, &config.ValidationError{Errors: []config.FieldError{
			{Field: "body", Message: "invalid request body: " + err.Error()},
		}})
		return false
	}
	return true
}

// serverRequest is the wire form of a server entry plus its identity.
type serverRequest struct {
	ID      string              `json:"id"`
	Enabled *bool               `json:"enabled,omitempty"`
	Server  config.ServerConfig `json:"server"`
}

func (req *serverRequest) toConfig() *config.ServerConfig {
	cfg := req.Server.Clone()
	cfg.ID = req.ID
	cfg.Enabled = req.Enabled == nil || *req.Enabled
	return cfg
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.service.ListTools(r.URL.Query().Get("server"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}

type callToolRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Server == "" || req.Tool == "" {
		s.writeError(w, &config.ValidationError{Errors: []config.FieldError{
			{Field: "server", Message: "server and tool are required"},
		}})
		return
	}

	result, err := s.service.CallTool(r.Context(), req.Server, req.Tool, req.Args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleServerStates(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, s.service.ServerStates())
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.service.AddServer(r.Context(), req.toConfig()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	result, err := s.service.TestConnection(r.Context(), req.toConfig())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, _ *http.Request) {
	if err := s.service.SaveConfiguration(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleRefreshConfig(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.RefreshConfiguration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, report)
}

func (s *Server) handleHealthReport(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, s.service.HealthReport())
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	serverHealth, err := s.service.ServerHealth(chi.URLParam(r, "server"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, serverHealth)
}

func (s *Server) handleResetServerHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "server")
	if err := s.service.ResetServerHealth(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"id": id, "status": "reset"})
}

func (s *Server) handleUnhealthyServers(w http.ResponseWriter, _ *http.Request) {
	ids := s.service.UnhealthyServers()
	if ids == nil {
		ids = []string{}
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"servers": ids,
		"count":   len(ids),
	})
}
