package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentSettings are the proxy-level settings, loaded from an optional
// config.yaml next to the server list and overridable via flags and
// environment variables.
type AgentSettings struct {
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	Transport string `yaml:"transport,omitempty"`

	SessionTTL Duration `yaml:"sessionTtl,omitempty"`

	// Async loading knobs (A2).
	AsyncLoading          bool     `yaml:"asyncLoading,omitempty"`
	WaitForMinimumServers int      `yaml:"waitForMinimumServers,omitempty"`
	InitialLoadTimeout    Duration `yaml:"initialLoadTimeout,omitempty"`
	BatchNotifications    bool     `yaml:"batchNotifications,omitempty"`
	BatchDelay            Duration `yaml:"batchDelay,omitempty"`

	// Schema cache sizing (L3).
	SchemaCacheEntries int      `yaml:"schemaCacheEntries,omitempty"`
	SchemaCacheTTL     Duration `yaml:"schemaCacheTtl,omitempty"`

	// Reload debounce (M1).
	ReloadDebounce Duration `yaml:"reloadDebounce,omitempty"`

	// Internal tools child toggle.
	InternalTools bool `yaml:"internalTools,omitempty"`

	// Template instance pool (C2).
	InstanceIdleTimeout Duration `yaml:"instanceIdleTimeout,omitempty"`
	MaxInstances        int      `yaml:"maxInstances,omitempty"`
}

// Defaults mirrored by the README.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 3050
	DefaultSessionTTL         = 24 * time.Hour
	DefaultInitialLoadTimeout = 30 * time.Second
	DefaultBatchDelay         = 100 * time.Millisecond
	DefaultSchemaCacheEntries = 256
	DefaultSchemaCacheTTL     = 5 * time.Minute
	DefaultReloadDebounce     = 500 * time.Millisecond
	DefaultInstanceIdle       = 5 * time.Minute
	DefaultMaxInstances       = 64
)

func defaultSettings() AgentSettings {
	return AgentSettings{
		Host:               DefaultHost,
		Port:               DefaultPort,
		Transport:          MCPTransportStreamableHTTP,
		SessionTTL:         Duration(DefaultSessionTTL),
		AsyncLoading:       true,
		BatchNotifications: true,
		InitialLoadTimeout: Duration(DefaultInitialLoadTimeout),
		BatchDelay:         Duration(DefaultBatchDelay),
		SchemaCacheEntries: DefaultSchemaCacheEntries,
		SchemaCacheTTL:     Duration(DefaultSchemaCacheTTL),
		ReloadDebounce:      Duration(DefaultReloadDebounce),
		InternalTools:       true,
		InstanceIdleTimeout: Duration(DefaultInstanceIdle),
		MaxInstances:        DefaultMaxInstances,
	}
}

// AgentConfig is the mutable in-process settings holder. All getters return
// copies so callers can never mutate shared state.
type AgentConfig struct {
	mu       sync.RWMutex
	settings AgentSettings
	dir      string
}

// LoadAgentConfig builds the settings for a config directory: defaults,
// layered with config.yaml when present, then environment overrides
// (ONE_MCP_HOST, ONE_MCP_PORT).
func LoadAgentConfig(configDir string) (*AgentConfig, error) {
	settings := defaultSettings()

	path := filepath.Join(configDir, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	if host := os.Getenv("ONE_MCP_HOST"); host != "" {
		settings.Host = host
	}
	if port := os.Getenv("ONE_MCP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid ONE_MCP_PORT %q: %w", port, err)
		}
		settings.Port = p
	}

	return &AgentConfig{settings: settings, dir: configDir}, nil
}

// NewAgentConfig wraps explicit settings; used by tests.
func NewAgentConfig(settings AgentSettings) *AgentConfig {
	base := defaultSettings()
	if settings.Host == "" {
		settings.Host = base.Host
	}
	if settings.Port == 0 {
		settings.Port = base.Port
	}
	if settings.Transport == "" {
		settings.Transport = base.Transport
	}
	return &AgentConfig{settings: settings}
}

// Get returns a copy of the current settings.
func (a *AgentConfig) Get() AgentSettings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// Update replaces the settings wholesale.
func (a *AgentConfig) Update(settings AgentSettings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = settings
}

// ConfigDir returns the directory the settings were loaded from.
func (a *AgentConfig) ConfigDir() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dir
}

// SessionTTLOrDefault returns the session TTL, falling back to the default.
func (a *AgentConfig) SessionTTLOrDefault() time.Duration {
	s := a.Get()
	if s.SessionTTL.Duration() <= 0 {
		return DefaultSessionTTL
	}
	return s.SessionTTL.Duration()
}
