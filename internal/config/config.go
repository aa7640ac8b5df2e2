// Package config defines the bridge configuration, the persisted server
// document, and validation of server entries.
package config

import (
	"encoding/json"
	"fmt"

	"mcpbridge/internal/logs"
	"mcpbridge/internal/secureenv"
)

// Transport kinds supported by the bridge.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Timeout bounds for connect and tool calls, in milliseconds.
const (
	MinTimeoutMs     = 1000    // 1s
	MaxTimeoutMs     = 300000  // 5min
	DefaultTimeoutMs = 30000   // 30s
)

// Config is the bridge-level configuration.
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// Health monitoring
	HealthIntervalSeconds int `json:"health_interval_seconds" mapstructure:"health-interval"`
	FailureThreshold      int `json:"failure_threshold" mapstructure:"failure-threshold"`
	MaxConnectAttempts    int `json:"max_connect_attempts" mapstructure:"max-connect-attempts"`

	// Environment configuration for stdio child processes
	Environment *secureenv.EnvConfig `json:"environment,omitempty" mapstructure:"environment"`

	// Logging configuration
	Logging *logs.Config `json:"logging,omitempty" mapstructure:"logging"`
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                "127.0.0.1:8180",
		DataDir:               "", // resolved to ~/.mcpbridge by the loader
		HealthIntervalSeconds: 30,
		FailureThreshold:      3,
		MaxConnectAttempts:    5,
		Environment:           secureenv.DefaultEnvConfig(),
		Logging:               logs.DefaultConfig(),
	}
}

// Validate fills defaults for out-of-range bridge settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8180"
	}
	if c.HealthIntervalSeconds <= 0 {
		c.HealthIntervalSeconds = 30
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.Environment == nil {
		c.Environment = secureenv.DefaultEnvConfig()
	}
	if c.Logging == nil {
		c.Logging = logs.DefaultConfig()
	}
	return nil
}

// ServerConfig is one tool server entry. The ID is the entry's key in the
// persisted document and must be unique across the active and disabled sets.
type ServerConfig struct {
	ID          string            `json:"-"`
	DisplayName string            `json:"displayName,omitempty"`
	Transport   string            `json:"transport,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"workingDirectory,omitempty"`
	BaseURL     string            `json:"baseUrl,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutMs   int               `json:"timeoutMs,omitempty"`
	Enabled     bool              `json:"-"`
}

// Name returns the display name, falling back to the ID.
func (s *ServerConfig) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// Clone returns a deep copy of the server config.
func (s *ServerConfig) Clone() *ServerConfig {
	out := *s
	if s.Args != nil {
		out.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// TransportEquivalent reports whether two configs would produce the same
// live connection. A change in any of these fields requires a reconnect.
func (s *ServerConfig) TransportEquivalent(other *ServerConfig) bool {
	return s.Transport == other.Transport &&
		s.Command == other.Command &&
		equalStringSlices(s.Args, other.Args) &&
		equalStringMaps(s.Env, other.Env) &&
		s.WorkingDir == other.WorkingDir &&
		s.BaseURL == other.BaseURL &&
		equalStringMaps(s.Headers, other.Headers) &&
		s.TimeoutMs == other.TimeoutMs
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// serverConfigWire is the on-disk shape of a server entry. It accepts both
// historical alias keys: "type" for "transport" and "url" for "baseUrl".
// The canonical keys are written on save.
type serverConfigWire struct {
	DisplayName string            `json:"displayName,omitempty"`
	Transport   string            `json:"transport,omitempty"`
	Type        string            `json:"type,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"workingDirectory,omitempty"`
	BaseURL     string            `json:"baseUrl,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutMs   int               `json:"timeoutMs,omitempty"`
}

// UnmarshalJSON decodes a server entry, resolving the discriminator and URL
// aliases. When both alias keys are present the canonical key wins.
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var wire serverConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	s.DisplayName = wire.DisplayName
	s.Transport = wire.Transport
	if s.Transport == "" {
		s.Transport = wire.Type
	}
	s.Command = wire.Command
	s.Args = wire.Args
	s.Env = wire.Env
	s.WorkingDir = wire.WorkingDir
	s.BaseURL = wire.BaseURL
	if s.BaseURL == "" {
		s.BaseURL = wire.URL
	}
	s.Headers = wire.Headers
	s.TimeoutMs = wire.TimeoutMs
	return nil
}

// MarshalJSON encodes a server entry with canonical keys only.
func (s *ServerConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(serverConfigWire{
		DisplayName: s.DisplayName,
		Transport:   s.Transport,
		Command:     s.Command,
		Args:        s.Args,
		Env:         s.Env,
		WorkingDir:  s.WorkingDir,
		BaseURL:     s.BaseURL,
		Headers:     s.Headers,
		TimeoutMs:   s.TimeoutMs,
	})
}

// Document is the persisted server configuration:
// {"mcpServers": {...}, "disabled": {...}}.
type Document struct {
	Servers  map[string]*ServerConfig `json:"mcpServers"`
	Disabled map[string]*ServerConfig `json:"disabled,omitempty"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Servers:  make(map[string]*ServerConfig),
		Disabled: make(map[string]*ServerConfig),
	}
}

// normalize assigns IDs from map keys and the enabled flag from set
// membership, after unmarshaling.
func (d *Document) normalize() error {
	if d.Servers == nil {
		d.Servers = make(map[string]*ServerConfig)
	}
	if d.Disabled == nil {
		d.Disabled = make(map[string]*ServerConfig)
	}
	for id, server := range d.Servers {
		if server == nil {
			return fmt.Errorf("server entry %q is null", id)
		}
		if _, dup := d.Disabled[id]; dup {
			return fmt.Errorf("server id %q present in both mcpServers and disabled", id)
		}
		server.ID = id
		server.Enabled = true
	}
	for id, server := range d.Disabled {
		if server == nil {
			return fmt.Errorf("disabled entry %q is null", id)
		}
		server.ID = id
		server.Enabled = false
	}
	return nil
}

// Active returns the enabled server entries.
func (d *Document) Active() []*ServerConfig {
	out := make([]*ServerConfig, 0, len(d.Servers))
	for _, server := range d.Servers {
		out = append(out, server)
	}
	return out
}

// DisabledServers returns the disabled server entries.
func (d *Document) DisabledServers() []*ServerConfig {
	out := make([]*ServerConfig, 0, len(d.Disabled))
	for _, server := range d.Disabled {
		out = append(out, server)
	}
	return out
}

// Add inserts a server into the document, into the active or disabled set
// according to its Enabled flag. The ID must not already exist in either set.
func (d *Document) Add(server *ServerConfig) error {
	if server == nil {
		return fmt.Errorf("nil server config")
	}
	if _, exists := d.Servers[server.ID]; exists {
		return fmt.Errorf("server id %q already exists", server.ID)
	}
	if _, exists := d.Disabled[server.ID]; exists {
		return fmt.Errorf("server id %q already exists (disabled)", server.ID)
	}
	if server.Enabled {
		d.Servers[server.ID] = server
	} else {
		d.Disabled[server.ID] = server
	}
	return nil
}
