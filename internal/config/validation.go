package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"mcpbridge/internal/security"
)

// Limits on server entry fields.
const (
	MaxCommandLength  = 500
	MaxArgs           = 50
	MaxEnvVars        = 100
	MaxEnvValueLength = 1000
)

var serverIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// FieldError is a single validation failure tied to a field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every failure found in a server entry. Callers
// get the full list in one pass rather than fixing errors one at a time.
type ValidationError struct {
	ServerID string       `json:"server_id,omitempty"`
	Errors   []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Error())
	}
	if e.ServerID != "" {
		return fmt.Sprintf("server %q: %s", e.ServerID, strings.Join(msgs, "; "))
	}
	return strings.Join(msgs, "; ")
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationResult carries the outcome of validating one server entry.
// Valid is false when any field error or security violation was found.
type ValidationResult struct {
	Valid      bool                 `json:"valid"`
	Errors     []FieldError         `json:"errors,omitempty"`
	Violations []security.Violation `json:"security_violations,omitempty"`
	Normalized *ServerConfig        `json:"-"`
}

// Err converts the result into an error, or nil when valid. Security
// violations become a Rejection so callers can distinguish policy failures
// from shape failures.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Violations) > 0 {
		return security.NewRejection(r.Violations)
	}
	id := ""
	if r.Normalized != nil {
		id = r.Normalized.ID
	}
	return &ValidationError{ServerID: id, Errors: r.Errors}
}

// ValidateServer checks a server entry and returns every problem found.
// The returned Normalized config has the timeout clamped into range; the
// input is not modified. Panics on nil, which indicates a caller bug.
func ValidateServer(server *ServerConfig) *ValidationResult {
	if server == nil {
		panic("config: ValidateServer called with nil server")
	}

	result := &ValidationResult{Valid: true, Normalized: server.Clone()}
	fail := func(field, format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, FieldError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if server.ID == "" {
		fail("id", "server id is required")
	} else if !serverIDPattern.MatchString(server.ID) {
		fail("id", "must match %s", serverIDPattern.String())
	}

	switch server.Transport {
	case TransportStdio:
		if server.Command == "" {
			fail("command", "required for stdio transport")
		}
		if server.BaseURL != "" {
			fail("baseUrl", "must not be set for stdio transport")
		}
	case TransportHTTP, TransportSSE:
		if server.BaseURL == "" {
			fail("baseUrl", "required for %s transport", server.Transport)
		} else if parsed, err := url.Parse(server.BaseURL); err != nil {
			fail("baseUrl", "invalid url: %v", err)
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			fail("baseUrl", "scheme must be http or https, got %q", parsed.Scheme)
		} else if parsed.Host == "" {
			fail("baseUrl", "url has no host")
		}
		if server.Command != "" {
			fail("command", "must not be set for %s transport", server.Transport)
		}
	case "":
		fail("transport", "transport is required (stdio, http or sse)")
	default:
		fail("transport", "unknown transport %q (want stdio, http or sse)", server.Transport)
	}

	if len(server.Command) > MaxCommandLength {
		fail("command", "exceeds %d characters", MaxCommandLength)
	}
	if len(server.Args) > MaxArgs {
		fail("args", "more than %d arguments", MaxArgs)
	}
	if len(server.Env) > MaxEnvVars {
		fail("env", "more than %d variables", MaxEnvVars)
	}
	for key, value := range server.Env {
		if key == "" {
			fail("env", "empty variable name")
		}
		if len(value) > MaxEnvValueLength {
			fail("env", "value of %q exceeds %d characters", key, MaxEnvValueLength)
		}
	}

	// Timeout is clamped rather than rejected.
	switch {
	case server.TimeoutMs == 0:
		result.Normalized.TimeoutMs = DefaultTimeoutMs
	case server.TimeoutMs < MinTimeoutMs:
		result.Normalized.TimeoutMs = MinTimeoutMs
	case server.TimeoutMs > MaxTimeoutMs:
		result.Normalized.TimeoutMs = MaxTimeoutMs
	}

	// Security scan runs regardless of shape failures so that a single call
	// surfaces everything wrong with the entry.
	if server.Command != "" {
		result.Violations = append(result.Violations, security.ScanCommand(server.Command, server.Args)...)
	}
	if server.BaseURL != "" {
		result.Violations = append(result.Violations, security.ScanURL(server.BaseURL)...)
	}
	if len(result.Violations) > 0 {
		result.Valid = false
	}

	return result
}

// ValidateDocument validates every entry in a document. It returns the
// per-server results keyed by ID and an aggregate error listing the invalid
// entries, or nil when all entries pass.
func ValidateDocument(doc *Document) (map[string]*ValidationResult, error) {
	if doc == nil {
		panic("config: ValidateDocument called with nil document")
	}

	results := make(map[string]*ValidationResult, len(doc.Servers)+len(doc.Disabled))
	var invalid []string
	check := func(server *ServerConfig) {
		result := ValidateServer(server)
		results[server.ID] = result
		if !result.Valid {
			invalid = append(invalid, server.ID)
		}
	}
	for _, server := range doc.Servers {
		check(server)
	}
	for _, server := range doc.Disabled {
		check(server)
	}

	if len(invalid) > 0 {
		return results, fmt.Errorf("invalid server entries: %s", strings.Join(invalid, ", "))
	}
	return results, nil
}
