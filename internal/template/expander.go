package template

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"onemcp/internal/config"
)

// Placeholder syntax: {ns.key} or {ns.key:default}. The default may contain
// anything but a closing brace. A bare {key} without a namespace is only
// accepted when it carries a default.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)(?::([^{}]*))?\}`)

// Variable is one placeholder occurrence found in a child config.
type Variable struct {
	Raw        string // full placeholder text including braces
	Namespace  string // empty for bare {key:default}
	Key        string
	Default    string
	HasDefault bool
}

// QualifiedName returns the dotted name used as the binding key.
func (v Variable) QualifiedName() string {
	if v.Namespace == "" {
		return v.Key
	}
	return v.Namespace + "." + v.Key
}

// Engine expands placeholders in child configs using a session's context.
type Engine struct {
	version string
	now     func() time.Time
}

// NewEngine creates an expansion engine. version feeds the {version}
// namespace.
func NewEngine(version string) *Engine {
	return &Engine{version: version, now: time.Now}
}

// ExtractVariables scans the templatable fields of a child config and
// returns every distinct placeholder, keyed by qualified name.
func (e *Engine) ExtractVariables(cfg *config.ChildConfig) ([]Variable, error) {
	seen := make(map[string]Variable)
	var order []string

	collect := func(value string) error {
		for _, match := range placeholderRe.FindAllStringSubmatch(value, -1) {
			v, err := parseVariable(match)
			if err != nil {
				return err
			}
			name := v.QualifiedName()
			if _, ok := seen[name]; !ok {
				seen[name] = v
				order = append(order, name)
			}
		}
		return nil
	}

	for _, value := range templatableValues(cfg) {
		if err := collect(value); err != nil {
			return nil, err
		}
	}

	out := make([]Variable, 0, len(order))
	for _, name := range order {
		out = append(out, seen[name])
	}
	return out, nil
}

func parseVariable(match []string) (Variable, error) {
	v := Variable{Raw: match[0]}
	name := match[1]
	if len(match) > 2 && strings.Contains(match[0], ":") {
		v.Default = match[2]
		v.HasDefault = true
	}

	if dot := strings.Index(name, "."); dot >= 0 {
		v.Namespace = name[:dot]
		v.Key = name[dot+1:]
		if v.Key == "" {
			return v, fmt.Errorf("invalid placeholder %s: empty key", v.Raw)
		}
		return v, nil
	}

	// A simple {key} has no namespace to resolve against; it is only legal
	// when a default makes it self-contained.
	if !v.HasDefault {
		return v, fmt.Errorf("invalid placeholder %s: a namespace or a default is required", v.Raw)
	}
	v.Key = name
	return v, nil
}

// Binding is the resolved value set for one expansion, keyed by qualified
// variable name. Identical bindings yield identical instance hashes.
type Binding map[string]string

// Resolve computes the binding for a config against a context. Unresolvable
// variables without defaults are an error.
func (e *Engine) Resolve(cfg *config.ChildConfig, ctx *ContextData) (Binding, error) {
	vars, err := e.ExtractVariables(cfg)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = &ContextData{}
	}

	binding := make(Binding, len(vars))
	var missing []string
	now := e.now()

	for _, v := range vars {
		if v.Namespace == "" {
			binding[v.QualifiedName()] = v.Default
			continue
		}
		value, ok := ctx.lookup(v.Namespace, v.Key, e.version, now)
		if !ok {
			if v.HasDefault {
				binding[v.QualifiedName()] = v.Default
				continue
			}
			missing = append(missing, v.QualifiedName())
			continue
		}
		binding[v.QualifiedName()] = value
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return binding, nil
}

// Expand renders a concrete child config by substituting every placeholder
// with its bound value. The input config is not mutated.
func (e *Engine) Expand(cfg *config.ChildConfig, binding Binding) (*config.ChildConfig, error) {
	out := cfg.Clone()

	substitute := func(value string) (string, error) {
		var substErr error
		result := placeholderRe.ReplaceAllStringFunc(value, func(raw string) string {
			match := placeholderRe.FindStringSubmatch(raw)
			v, err := parseVariable(match)
			if err != nil {
				substErr = err
				return raw
			}
			bound, ok := binding[v.QualifiedName()]
			if !ok {
				if v.HasDefault {
					return v.Default
				}
				substErr = fmt.Errorf("unbound template variable %s", v.QualifiedName())
				return raw
			}
			return bound
		})
		return result, substErr
	}

	var err error
	if out.Command, err = substitute(out.Command); err != nil {
		return nil, err
	}
	for i := range out.Args {
		if out.Args[i], err = substitute(out.Args[i]); err != nil {
			return nil, err
		}
	}
	if out.Cwd, err = substitute(out.Cwd); err != nil {
		return nil, err
	}
	for k, v := range out.Env {
		if out.Env[k], err = substitute(v); err != nil {
			return nil, err
		}
	}
	if out.URL, err = substitute(out.URL); err != nil {
		return nil, err
	}
	for k, v := range out.Headers {
		if out.Headers[k], err = substitute(v); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// templatableValues lists every string the placeholder scan covers:
// command, args, cwd, env values, url, header values.
func templatableValues(cfg *config.ChildConfig) []string {
	values := []string{cfg.Command, cfg.Cwd, cfg.URL}
	values = append(values, cfg.Args...)
	for _, v := range cfg.Env {
		values = append(values, v)
	}
	for _, v := range cfg.Headers {
		values = append(values, v)
	}
	return values
}
