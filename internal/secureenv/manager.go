// Package secureenv builds the environment passed to stdio tool server
// processes. Children never inherit the full process environment: only an
// allowlisted set of system variables plus the variables configured for the
// server are passed through.
package secureenv

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

const osWindows = "windows"

// EnvConfig controls which variables reach a child process.
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars"`
	CustomVars        map[string]string `json:"custom_vars"`
}

// DefaultEnvConfig returns the default allowlist of safe system variables.
func DefaultEnvConfig() *EnvConfig {
	allowedVars := []string{
		"PATH",     // Essential for finding executables
		"HOME",     // User directory path (Unix)
		"TMPDIR",   // Temporary directory (Unix)
		"TEMP",     // Temporary directory (Windows)
		"TMP",      // Temporary directory (Windows)
		"SHELL",    // Default shell
		"TERM",     // Terminal type
		"LANG",     // Language settings
		"USER",     // Current user (Unix)
		"USERNAME", // Current user (Windows)
		"LC_*",     // Locale settings
	}

	if runtime.GOOS == osWindows {
		allowedVars = append(allowedVars,
			"USERPROFILE",
			"APPDATA",
			"LOCALAPPDATA",
			"SYSTEMROOT",
			"COMSPEC",
		)
	} else {
		allowedVars = append(allowedVars,
			"XDG_CONFIG_HOME",
			"XDG_DATA_HOME",
			"XDG_CACHE_HOME",
			"XDG_RUNTIME_DIR",
		)
	}

	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowedVars,
		CustomVars:        make(map[string]string),
	}
}

// Manager filters the process environment down to the configured allowlist.
type Manager struct {
	config *EnvConfig
}

// NewManager creates a new environment manager.
func NewManager(config *EnvConfig) *Manager {
	if config == nil {
		config = DefaultEnvConfig()
	}
	return &Manager{config: config}
}

// BuildEnvironment returns the environment for a child process: the filtered
// system variables, then the manager's custom variables, then the
// server-specific variables. Later entries override earlier ones for the
// same key.
func (m *Manager) BuildEnvironment(serverEnv map[string]string) []string {
	merged := make(map[string]string)

	if m.config.InheritSystemSafe {
		for _, envVar := range os.Environ() {
			key, value, ok := strings.Cut(envVar, "=")
			if !ok {
				continue
			}
			if m.isKeyAllowed(key) {
				merged[key] = value
			}
		}
	}

	for k, v := range m.config.CustomVars {
		merged[k] = v
	}
	for k, v := range serverEnv {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	envVars := make([]string, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, k+"="+merged[k])
	}
	return envVars
}

// GetSystemEnvVar reads a system variable, but only if it is allowlisted.
func (m *Manager) GetSystemEnvVar(key string) (string, bool) {
	if !m.isKeyAllowed(key) {
		return "", false
	}
	value := os.Getenv(key)
	return value, value != ""
}

// isKeyAllowed checks a key against the allowlist. Entries ending in "*"
// match as prefixes (e.g. "LC_*").
func (m *Manager) isKeyAllowed(key string) bool {
	if _, exists := m.config.CustomVars[key]; exists {
		return true
	}

	for _, allowedKey := range m.config.AllowedSystemVars {
		if strings.HasSuffix(allowedKey, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(allowedKey, "*")) {
				return true
			}
		} else if strings.EqualFold(allowedKey, key) {
			return true
		}
	}
	return false
}

// FilteredCount returns the number of variables that pass the filter and the
// total number of system variables, for diagnostics.
func (m *Manager) FilteredCount() (filtered, total int) {
	systemEnv := os.Environ()
	for _, envVar := range systemEnv {
		if key, _, ok := strings.Cut(envVar, "="); ok && m.isKeyAllowed(key) {
			filtered++
		}
	}
	return filtered, len(systemEnv)
}
