package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{"milliseconds number", `1500`, 1500 * time.Millisecond},
		{"duration string", `"30s"`, 30 * time.Second},
		{"minutes", `"2m"`, 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			require.NoError(t, json.Unmarshal([]byte(tt.input), &d))
			assert.Equal(t, tt.want, d.Duration())
		})
	}

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var back Duration
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)
}

func TestEffectiveType(t *testing.T) {
	assert.Equal(t, ServerTypeStdio, (&ChildConfig{Command: "npx"}).EffectiveType())
	assert.Equal(t, ServerTypeHTTP, (&ChildConfig{URL: "http://x"}).EffectiveType())
	assert.Equal(t, ServerTypeSSE, (&ChildConfig{Type: ServerTypeSSE, URL: "http://x"}).EffectiveType())
	assert.Equal(t, ServerType(""), (&ChildConfig{}).EffectiveType())
}

func TestValidateChild(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChildConfig
		wantErr bool
	}{
		{"valid stdio", ChildConfig{Name: "a", Command: "npx"}, false},
		{"valid http", ChildConfig{Name: "b", URL: "http://localhost:9000"}, false},
		{"valid sse", ChildConfig{Name: "c", Type: ServerTypeSSE, URL: "http://localhost:9000"}, false},
		{"empty name", ChildConfig{Command: "npx"}, true},
		{"bad name chars", ChildConfig{Name: "a b", Command: "npx"}, true},
		{"both command and url", ChildConfig{Name: "a", Command: "npx", URL: "http://x"}, true},
		{"neither command nor url", ChildConfig{Name: "a"}, true},
		{"stdio type with url", ChildConfig{Name: "a", Type: ServerTypeStdio, URL: "http://x"}, true},
		{"empty tag", ChildConfig{Name: "a", Command: "npx", Tags: []string{"web", " "}}, true},
		{"negative timeout", ChildConfig{Name: "a", Command: "npx", RequestTimeout: Duration(-1)}, true},
		{"negative maxRestarts", ChildConfig{Name: "a", Command: "npx", MaxRestarts: -1}, true},
		{"unknown type", ChildConfig{Name: "a", Type: "grpc", URL: "http://x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChild(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseServerList(t *testing.T) {
	doc := `{
		"mcpServers": {
			"files": {"command": "mcp-files", "tags": ["fs"]},
			"web": {"type": "http", "url": "http://localhost:9000/mcp"}
		},
		"customSection": {"keep": true}
	}`

	list, err := ParseServerList([]byte(doc), "mcp.json")
	require.NoError(t, err)
	require.Len(t, list.Servers, 2)

	assert.Equal(t, "files", list.Servers["files"].Name)
	assert.Equal(t, ServerTypeStdio, list.Servers["files"].EffectiveType())
	assert.Equal(t, ServerTypeHTTP, list.Servers["web"].EffectiveType())

	// Unknown top-level fields survive a rewrite.
	out, err := list.Marshal()
	require.NoError(t, err)
	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &top))
	assert.Contains(t, top, "customSection")
	assert.Contains(t, top, "mcpServers")
}

func TestParseServerListInvalid(t *testing.T) {
	_, err := ParseServerList([]byte(`{`), "mcp.json")
	assert.Error(t, err)

	_, err = ParseServerList([]byte(`{"mcpServers": {"bad name!": {"command": "x"}}}`), "mcp.json")
	assert.Error(t, err)
}

func TestDiffFields(t *testing.T) {
	old := &ChildConfig{Name: "a", Command: "x", Tags: []string{"web"}}

	onlyTags := old.Clone()
	onlyTags.Tags = []string{"web", "api"}
	assert.Equal(t, []string{"tags"}, DiffFields(old, onlyTags))

	cmdChange := old.Clone()
	cmdChange.Command = "y"
	assert.Equal(t, []string{"command"}, DiffFields(old, cmdChange))

	assert.Empty(t, DiffFields(old, old.Clone()))
}

func TestDiffOrdering(t *testing.T) {
	old := map[string]*ChildConfig{
		"gone":    {Name: "gone", Command: "x"},
		"changed": {Name: "changed", Command: "x"},
		"same":    {Name: "same", Command: "x"},
	}
	new := map[string]*ChildConfig{
		"changed": {Name: "changed", Command: "y"},
		"same":    {Name: "same", Command: "x"},
		"fresh":   {Name: "fresh", Command: "z"},
	}

	changes := Diff(old, new)
	require.Len(t, changes, 3)
	// Removals first, then modifications, then additions.
	assert.Equal(t, ChangeRemoved, changes[0].Kind)
	assert.Equal(t, "gone", changes[0].Name)
	assert.Equal(t, ChangeModified, changes[1].Kind)
	assert.Equal(t, "changed", changes[1].Name)
	assert.Equal(t, ChangeAdded, changes[2].Kind)
	assert.Equal(t, "fresh", changes[2].Name)
}

func TestChangeMetadataOnly(t *testing.T) {
	old := &ChildConfig{Name: "a", Command: "x", Tags: []string{"web"}}
	new := old.Clone()
	new.Tags = []string{"web", "api"}

	change := Change{Kind: ChangeModified, Name: "a", Old: old, New: new, Fields: DiffFields(old, new)}
	assert.True(t, change.MetadataOnly())

	new.Command = "y"
	change.Fields = DiffFields(old, new)
	assert.False(t, change.MetadataOnly())
}
