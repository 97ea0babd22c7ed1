package template

import (
	"testing"

	"onemcp/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *ContextData {
	return &ContextData{
		Project: ProjectContext{
			Name:   "demo",
			Root:   "/srv/demo",
			Custom: map[string]string{"region": "eu-west-1", "acme.zone": "z1"},
		},
		User:        UserContext{Name: "sam", Home: "/home/sam"},
		Environment: EnvironmentContext{Values: map[string]string{"STAGE": "prod"}},
		Session:     SessionContext{ID: "sess-1"},
		Context:     map[string]string{"workspace": "main"},
	}
}

func TestExtractVariables(t *testing.T) {
	cfg := &config.ChildConfig{
		Name:    "files",
		Command: "server-{project.name}",
		Args:    []string{"--root", "{project.root}", "--stage", "{environment.STAGE:dev}"},
		Env:     map[string]string{"HOME": "{user.home}"},
	}

	engine := NewEngine("1.0.0")
	vars, err := engine.ExtractVariables(cfg)
	require.NoError(t, err)

	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.QualifiedName()
	}
	assert.ElementsMatch(t, []string{"project.name", "project.root", "environment.STAGE", "user.home"}, names)
}

func TestBareKeyRequiresDefault(t *testing.T) {
	engine := NewEngine("1.0.0")

	_, err := engine.ExtractVariables(&config.ChildConfig{Name: "x", Command: "run-{mode}"})
	assert.Error(t, err)

	vars, err := engine.ExtractVariables(&config.ChildConfig{Name: "x", Command: "run-{mode:fast}"})
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "fast", vars[0].Default)
}

func TestResolveAndExpand(t *testing.T) {
	cfg := &config.ChildConfig{
		Name:    "files",
		Command: "mcp-files",
		Args:    []string{"--root", "{project.root}", "--user", "{user.name}", "--stage", "{environment.MISSING:dev}"},
		Env:     map[string]string{"REGION": "{region:us-east-1}"},
		Cwd:     "{project.root}",
	}

	engine := NewEngine("1.0.0")
	binding, err := engine.Resolve(cfg, testContext())
	require.NoError(t, err)

	rendered, err := engine.Expand(cfg, binding)
	require.NoError(t, err)

	assert.Equal(t, []string{"--root", "/srv/demo", "--user", "sam", "--stage", "dev"}, rendered.Args)
	assert.Equal(t, "/srv/demo", rendered.Cwd)
	assert.Equal(t, "us-east-1", rendered.Env["REGION"])
	// The input config is untouched.
	assert.Equal(t, "{project.root}", cfg.Cwd)
}

func TestResolveUnknownNamespaceFallsBackToCustom(t *testing.T) {
	cfg := &config.ChildConfig{
		Name: "dns",
		URL:  "https://{acme.zone}.example.com/mcp",
	}

	engine := NewEngine("1.0.0")
	binding, err := engine.Resolve(cfg, testContext())
	require.NoError(t, err)

	rendered, err := engine.Expand(cfg, binding)
	require.NoError(t, err)
	assert.Equal(t, "https://z1.example.com/mcp", rendered.URL)
}

func TestResolveMissingVariable(t *testing.T) {
	cfg := &config.ChildConfig{
		Name:    "x",
		Command: "run",
		Args:    []string{"{user.email}"},
	}

	engine := NewEngine("1.0.0")
	_, err := engine.Resolve(cfg, &ContextData{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user.email")
}

func TestSessionAndVersionNamespaces(t *testing.T) {
	cfg := &config.ChildConfig{
		Name:    "x",
		Command: "run",
		Args:    []string{"{session.id}", "{version.full:unknown}"},
	}

	engine := NewEngine("2.3.4")
	binding, err := engine.Resolve(cfg, testContext())
	require.NoError(t, err)

	rendered, err := engine.Expand(cfg, binding)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1", "2.3.4"}, rendered.Args)
}

func TestBindingHashStable(t *testing.T) {
	a := Binding{"project.root": "/srv/demo", "user.name": "sam"}
	b := Binding{"user.name": "sam", "project.root": "/srv/demo"}
	c := Binding{"user.name": "sam", "project.root": "/srv/other"}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), HashLength)
}
