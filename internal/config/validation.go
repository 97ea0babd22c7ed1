package config

import (
	"fmt"
	"regexp"
	"strings"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError describes one invalid child entry.
type ValidationError struct {
	Server string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("server %q: %s", e.Server, e.Reason)
	}
	return fmt.Sprintf("server %q: field %s: %s", e.Server, e.Field, e.Reason)
}

// ValidateChild checks one child entry against the config invariants.
func ValidateChild(cfg *ChildConfig) error {
	if cfg.Name == "" {
		return &ValidationError{Server: cfg.Name, Field: "name", Reason: "must not be empty"}
	}
	if !nameRe.MatchString(cfg.Name) {
		return &ValidationError{Server: cfg.Name, Field: "name", Reason: "allowed characters are [A-Za-z0-9_-]"}
	}

	hasCommand := cfg.Command != ""
	hasURL := cfg.URL != ""
	if hasCommand == hasURL {
		return &ValidationError{Server: cfg.Name, Reason: "exactly one of command or url is required"}
	}

	switch cfg.EffectiveType() {
	case ServerTypeStdio:
		if !hasCommand {
			return &ValidationError{Server: cfg.Name, Field: "command", Reason: "required for stdio servers"}
		}
		if hasURL {
			return &ValidationError{Server: cfg.Name, Field: "url", Reason: "not allowed for stdio servers"}
		}
	case ServerTypeHTTP, ServerTypeSSE:
		if !hasURL {
			return &ValidationError{Server: cfg.Name, Field: "url", Reason: "required for http and sse servers"}
		}
		if hasCommand {
			return &ValidationError{Server: cfg.Name, Field: "command", Reason: "not allowed for http and sse servers"}
		}
	default:
		return &ValidationError{Server: cfg.Name, Field: "type", Reason: fmt.Sprintf("unknown server type %q", cfg.Type)}
	}

	for _, tag := range cfg.Tags {
		if strings.TrimSpace(tag) == "" {
			return &ValidationError{Server: cfg.Name, Field: "tags", Reason: "tags must be non-empty strings"}
		}
	}

	for field, d := range map[string]Duration{
		"timeout":           cfg.Timeout,
		"connectionTimeout": cfg.ConnectionTimeout,
		"requestTimeout":    cfg.RequestTimeout,
		"restartDelay":      cfg.RestartDelay,
	} {
		if d < 0 {
			return &ValidationError{Server: cfg.Name, Field: field, Reason: "must not be negative"}
		}
	}
	if cfg.MaxRestarts < 0 {
		return &ValidationError{Server: cfg.Name, Field: "maxRestarts", Reason: "must not be negative"}
	}

	if cfg.Template != nil && cfg.Template.IdleTimeout < 0 {
		return &ValidationError{Server: cfg.Name, Field: "template.idleTimeout", Reason: "must not be negative"}
	}

	return nil
}

// ValidateAll validates every entry of a server list. It stops at the first
// invalid entry and returns its error so reloads can reject the whole file.
func ValidateAll(servers map[string]*ChildConfig) error {
	for name, cfg := range servers {
		if cfg.Name == "" {
			cfg.Name = name
		}
		if cfg.Name != name {
			return &ValidationError{Server: name, Field: "name", Reason: "does not match its map key"}
		}
		if err := ValidateChild(cfg); err != nil {
			return err
		}
	}
	return nil
}
