package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServerList is the parsed form of the on-disk configuration document.
// Unknown top-level fields are retained verbatim so a rewrite of the file
// preserves them.
type ServerList struct {
	Servers map[string]*ChildConfig
	Extra   map[string]json.RawMessage
	Path    string
}

const serversKey = "mcpServers"

// DefaultConfigDir returns the platform default configuration directory:
// $XDG_CONFIG_HOME/1mcp when set, otherwise the os.UserConfigDir
// equivalent.
func DefaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "1mcp"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, "1mcp"), nil
}

// ResolveConfigPath resolves the server list path from the CLI inputs:
// --config wins, then --config-dir/mcp.json, then the platform default.
func ResolveConfigPath(configFlag, configDirFlag string) (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	if configDirFlag != "" {
		return filepath.Join(configDirFlag, "mcp.json"), nil
	}
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mcp.json"), nil
}

// LoadServerList reads and validates the server list at path.
func LoadServerList(path string) (*ServerList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseServerList(data, path)
}

// ParseServerList parses a server list document.
func ParseServerList(data []byte, path string) (*ServerList, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	list := &ServerList{
		Servers: make(map[string]*ChildConfig),
		Extra:   make(map[string]json.RawMessage),
		Path:    path,
	}

	for key, raw := range top {
		if key != serversKey {
			list.Extra[key] = raw
			continue
		}
		var servers map[string]*ChildConfig
		if err := json.Unmarshal(raw, &servers); err != nil {
			return nil, fmt.Errorf("invalid %s section in %s: %w", serversKey, path, err)
		}
		for name, cfg := range servers {
			if cfg == nil {
				cfg = &ChildConfig{}
			}
			cfg.Name = name
			list.Servers[name] = cfg
		}
	}

	if err := ValidateAll(list.Servers); err != nil {
		return nil, err
	}
	return list, nil
}

// Marshal serializes the list back to its on-disk form, preserving unknown
// top-level fields.
func (l *ServerList) Marshal() ([]byte, error) {
	top := make(map[string]interface{}, len(l.Extra)+1)
	for k, v := range l.Extra {
		top[k] = v
	}
	servers := make(map[string]*ChildConfig, len(l.Servers))
	for name, cfg := range l.Servers {
		servers[name] = cfg
	}
	top[serversKey] = servers
	return json.MarshalIndent(top, "", "  ")
}

// Clone returns a deep copy of the list.
func (l *ServerList) Clone() *ServerList {
	out := &ServerList{
		Servers: make(map[string]*ChildConfig, len(l.Servers)),
		Extra:   make(map[string]json.RawMessage, len(l.Extra)),
		Path:    l.Path,
	}
	for name, cfg := range l.Servers {
		out.Servers[name] = cfg.Clone()
	}
	for k, v := range l.Extra {
		out.Extra[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
