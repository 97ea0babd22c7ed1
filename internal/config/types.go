package config

// ServerType identifies the transport a child server speaks.
type ServerType string

const (
	// ServerTypeStdio is a child process speaking newline-delimited JSON-RPC
	// over its standard I/O.
	ServerTypeStdio ServerType = "stdio"
	// ServerTypeHTTP is the streamable HTTP transport.
	ServerTypeHTTP ServerType = "http"
	// ServerTypeSSE is the legacy SSE transport.
	ServerTypeSSE ServerType = "sse"
)

const (
	// MCPTransportStreamableHTTP is the streamable HTTP inbound transport.
	MCPTransportStreamableHTTP = "streamable-http"
	// MCPTransportStdio is the standard I/O inbound transport.
	MCPTransportStdio = "stdio"
)

// OAuthConfig is the optional OAuth block of an HTTP/SSE child.
// Token acquisition itself is handled outside the core; the connection layer
// only consumes issued tokens and reacts to auth-required responses.
type OAuthConfig struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	AutoRegister bool     `json:"autoRegister,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty"`
	// AccessToken is populated by the external OAuth flow once it completes.
	AccessToken string `json:"accessToken,omitempty"`
}

// TemplateOptions controls how templated child configs are instantiated.
type TemplateOptions struct {
	// Shareable instances are keyed by their variable binding hash and shared
	// between sessions that resolve to the same binding.
	Shareable bool `json:"shareable,omitempty"`
	// PerClient forces one instance per (name, session), never shared.
	PerClient bool `json:"perClient,omitempty"`
	// IdleTimeout is how long an instance may sit with zero clients before
	// it is destroyed. Zero means the pool default applies.
	IdleTimeout Duration `json:"idleTimeout,omitempty"`
}

// ChildConfig is one named entry of the on-disk server list.
type ChildConfig struct {
	Name string     `json:"-"`
	Type ServerType `json:"type,omitempty"`

	// stdio
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	EnvFilter        []string          `json:"envFilter,omitempty"`
	InheritParentEnv bool              `json:"inheritParentEnv,omitempty"`

	// http / sse
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	OAuth   *OAuthConfig      `json:"oauth,omitempty"`

	// common
	Tags     []string `json:"tags,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
	// Timeout is deprecated; ConnectionTimeout and RequestTimeout supersede it.
	Timeout           Duration `json:"timeout,omitempty"`
	ConnectionTimeout Duration `json:"connectionTimeout,omitempty"`
	RequestTimeout    Duration `json:"requestTimeout,omitempty"`
	RestartOnExit     bool     `json:"restartOnExit,omitempty"`
	MaxRestarts       int      `json:"maxRestarts,omitempty"`
	RestartDelay      Duration `json:"restartDelay,omitempty"`

	Template *TemplateOptions `json:"template,omitempty"`
}

// EffectiveType returns the declared type, inferring it from the present
// fields when absent: command implies stdio, url implies http.
func (c *ChildConfig) EffectiveType() ServerType {
	if c.Type != "" {
		return c.Type
	}
	if c.Command != "" {
		return ServerTypeStdio
	}
	if c.URL != "" {
		return ServerTypeHTTP
	}
	return ""
}

// IsTemplated reports whether the config carries a template block.
func (c *ChildConfig) IsTemplated() bool {
	return c.Template != nil
}

// Clone returns a deep copy so callers can mutate without aliasing the
// manager's view.
func (c *ChildConfig) Clone() *ChildConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Args = append([]string(nil), c.Args...)
	out.EnvFilter = append([]string(nil), c.EnvFilter...)
	out.Tags = append([]string(nil), c.Tags...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.OAuth != nil {
		oauth := *c.OAuth
		oauth.Scopes = append([]string(nil), c.OAuth.Scopes...)
		out.OAuth = &oauth
	}
	if c.Template != nil {
		tmpl := *c.Template
		out.Template = &tmpl
	}
	return &out
}
