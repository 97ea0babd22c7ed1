package template

import (
	"strconv"
	"time"
)

// ContextData is the per-session substitution context. It is a fixed shape:
// known namespaces are concrete sub-structs; user extensions live in
// Project.Custom.
type ContextData struct {
	Project     ProjectContext     `json:"project,omitempty"`
	User        UserContext        `json:"user,omitempty"`
	Environment EnvironmentContext `json:"environment,omitempty"`
	Session     SessionContext     `json:"session,omitempty"`
	Context     map[string]string  `json:"context,omitempty"`
}

// ProjectContext describes the workspace the client operates in.
type ProjectContext struct {
	Name   string            `json:"name,omitempty"`
	Root   string            `json:"root,omitempty"`
	Custom map[string]string `json:"custom,omitempty"`
}

// UserContext identifies the human behind the session.
type UserContext struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Home  string `json:"home,omitempty"`
}

// EnvironmentContext carries selected environment values.
type EnvironmentContext struct {
	Values map[string]string `json:"values,omitempty"`
}

// SessionContext carries session identity values.
type SessionContext struct {
	ID string `json:"id,omitempty"`
}

// lookup resolves a namespaced key against the context. The second return
// reports whether the key was found.
func (c *ContextData) lookup(ns, key string, version string, now time.Time) (string, bool) {
	switch ns {
	case "project":
		switch key {
		case "name":
			return c.Project.Name, c.Project.Name != ""
		case "root":
			return c.Project.Root, c.Project.Root != ""
		default:
			v, ok := c.Project.Custom[key]
			return v, ok
		}
	case "user":
		switch key {
		case "name":
			return c.User.Name, c.User.Name != ""
		case "email":
			return c.User.Email, c.User.Email != ""
		case "home":
			return c.User.Home, c.User.Home != ""
		}
		return "", false
	case "environment":
		v, ok := c.Environment.Values[key]
		return v, ok
	case "session":
		if key == "id" {
			return c.Session.ID, c.Session.ID != ""
		}
		return "", false
	case "timestamp":
		switch key {
		case "unix":
			return strconv.FormatInt(now.Unix(), 10), true
		case "iso":
			return now.UTC().Format(time.RFC3339), true
		}
		return "", false
	case "version":
		return version, version != ""
	case "context":
		v, ok := c.Context[key]
		return v, ok
	default:
		// Unknown namespaces fall back to the project custom map, keyed by
		// the full dotted name.
		v, ok := c.Project.Custom[ns+"."+key]
		return v, ok
	}
}
