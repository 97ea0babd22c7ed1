package aggregator_test

import (
	"context"
	"testing"
	"time"

	"onemcp/internal/aggregator"
	"onemcp/internal/config"
	"onemcp/internal/tags"
	"onemcp/internal/testing/mock"
	"onemcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	manager  *upstream.Manager
	resolver *upstream.Resolver
	agg      *aggregator.Aggregator
}

func newFixture() *fixture {
	manager := upstream.NewManager()
	resolver := upstream.NewResolver(manager)
	return &fixture{
		manager:  manager,
		resolver: resolver,
		agg:      aggregator.New(resolver),
	}
}

func (f *fixture) addChild(t *testing.T, name string, tagSet []string, client *mock.Client) *upstream.Connection {
	t.Helper()
	cfg := &config.ChildConfig{Name: name, Command: "mock", Tags: tagSet}
	conn := upstream.NewConnectionWithFactory(name, cfg, f.manager.EventSink(), func() (upstream.MCPClient, error) {
		return client, nil
	})
	require.NoError(t, f.manager.Add(context.Background(), name, conn))
	require.Eventually(t, conn.IsConnected, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestSnapshotNamespacingAndOrder(t *testing.T) {
	f := newFixture()
	f.addChild(t, "B", nil, mock.NewClient(mcp.Tool{Name: "pong"}))
	f.addChild(t, "A", nil, mock.NewClient(mcp.Tool{Name: "ping"}))

	snap := f.agg.Compute("", tags.MatchAll{})

	require.Len(t, snap.Tools, 2)
	assert.Equal(t, "A.ping", snap.Tools[0].Name)
	assert.Equal(t, "B.pong", snap.Tools[1].Name)

	// Name uniqueness: no two items of the same kind share a name.
	seen := map[string]bool{}
	for _, item := range snap.Tools {
		assert.False(t, seen[item.Name])
		seen[item.Name] = true
	}
}

func TestSnapshotSameLocalNameDifferentChildren(t *testing.T) {
	f := newFixture()
	f.addChild(t, "A", nil, mock.NewClient(mcp.Tool{Name: "search"}))
	f.addChild(t, "B", nil, mock.NewClient(mcp.Tool{Name: "search"}))

	snap := f.agg.Compute("", tags.MatchAll{})
	require.Len(t, snap.Tools, 2)
	assert.Equal(t, "A.search", snap.Tools[0].Name)
	assert.Equal(t, "B.search", snap.Tools[1].Name)
}

func TestSnapshotFilterSoundness(t *testing.T) {
	f := newFixture()
	f.addChild(t, "A", []string{"web"}, mock.NewClient(mcp.Tool{Name: "ping"}))
	f.addChild(t, "B", []string{"db"}, mock.NewClient(mcp.Tool{Name: "pong"}))

	filter, err := tags.Parse("web")
	require.NoError(t, err)

	snap := f.agg.Compute("", filter)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "A.ping", snap.Tools[0].Name)
	_, inA := snap.ReadyServers["A"]
	_, inB := snap.ReadyServers["B"]
	assert.True(t, inA)
	assert.False(t, inB)

	// Widening the filter reveals both without touching any child.
	wider, err := tags.Parse("web OR db")
	require.NoError(t, err)
	snap = f.agg.Compute("", wider)
	assert.Len(t, snap.Tools, 2)
}

func TestSnapshotExcludesDisconnected(t *testing.T) {
	f := newFixture()
	conn := f.addChild(t, "A", nil, mock.NewClient(mcp.Tool{Name: "ping"}))
	f.addChild(t, "B", nil, mock.NewClient(mcp.Tool{Name: "pong"}))

	conn.Close()

	snap := f.agg.Compute("", tags.MatchAll{})
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "B.pong", snap.Tools[0].Name)
}

func TestSnapshotResourcesAndPrompts(t *testing.T) {
	f := newFixture()
	client := mock.NewClient(mcp.Tool{Name: "t"}).
		WithResources(mcp.Resource{URI: "file:///data", Name: "data"}).
		WithPrompts(mcp.Prompt{Name: "greet"})
	f.addChild(t, "A", nil, client)

	snap := f.agg.Compute("", tags.MatchAll{})
	require.Len(t, snap.Resources, 1)
	assert.Equal(t, "A.file:///data", snap.Resources[0].Name)
	require.Len(t, snap.Prompts, 1)
	assert.Equal(t, "A.greet", snap.Prompts[0].Name)

	server, original, ok := snap.ResolvePrompt("A.greet")
	require.True(t, ok)
	assert.Equal(t, "A", server)
	assert.Equal(t, "greet", original)
}

func TestDiffSnapshots(t *testing.T) {
	f := newFixture()
	clientA := mock.NewClient(mcp.Tool{Name: "ping"})
	f.addChild(t, "A", nil, clientA)

	first := f.agg.Compute("", tags.MatchAll{})

	diff := aggregator.DiffSnapshots(nil, first)
	assert.True(t, diff.HasChanges())
	assert.Equal(t, []string{"A"}, diff.AddedServers)

	// No change between identical evaluations.
	second := f.agg.Compute("", tags.MatchAll{})
	diff = aggregator.DiffSnapshots(first, second)
	assert.False(t, diff.HasChanges())

	// A new child shows up as added with tool changes.
	f.addChild(t, "B", nil, mock.NewClient(mcp.Tool{Name: "pong"}))
	third := f.agg.Compute("", tags.MatchAll{})
	diff = aggregator.DiffSnapshots(second, third)
	assert.True(t, diff.HasChanges())
	assert.Equal(t, []string{"B"}, diff.AddedServers)
	assert.True(t, diff.ToolsChanged)
	assert.False(t, diff.ResourcesChanged)

	// Tool set change within one child is detected.
	clientA.SetTools(mcp.Tool{Name: "ping"}, mcp.Tool{Name: "ping2"})
	conn, _ := f.manager.Get("A")
	require.NoError(t, conn.RefreshCapabilities(context.Background()))
	fourth := f.agg.Compute("", tags.MatchAll{})
	diff = aggregator.DiffSnapshots(third, fourth)
	assert.True(t, diff.ToolsChanged)
	assert.Empty(t, diff.AddedServers)
}

func TestResolveTool(t *testing.T) {
	f := newFixture()
	f.addChild(t, "A", nil, mock.NewClient(mcp.Tool{Name: "ping"}))

	snap := f.agg.Compute("", tags.MatchAll{})
	server, original, ok := snap.ResolveTool("A.ping")
	require.True(t, ok)
	assert.Equal(t, "A", server)
	assert.Equal(t, "ping", original)

	_, _, ok = snap.ResolveTool("A.missing")
	assert.False(t, ok)
}
