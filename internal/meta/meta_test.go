package meta_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/meta"
	"onemcp/internal/testing/mock"
	"onemcp/internal/upstream"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addMock(t *testing.T, m *upstream.Manager, name string, client *mock.Client) *upstream.Connection {
	t.Helper()
	cfg := &config.ChildConfig{Name: name, Command: "mock"}
	conn := upstream.NewConnectionWithFactory(name, cfg, m.EventSink(), func() (upstream.MCPClient, error) {
		return client, nil
	})
	require.NoError(t, m.Add(context.Background(), name, conn))
	require.Eventually(t, conn.IsConnected, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestInternalToolsList(t *testing.T) {
	client := meta.NewClient(upstream.NewManager(), "1.0.0")

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "status", tools[0].Name)
	assert.Equal(t, "refresh", tools[1].Name)
}

func TestStatusTool(t *testing.T) {
	m := upstream.NewManager()
	addMock(t, m, "files", mock.NewClient(mcp.Tool{Name: "read"}))

	client := meta.NewClient(m, "1.0.0")
	result, err := client.CallTool(context.Background(), "status", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)

	var report []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &report))
	require.Len(t, report, 1)
	assert.Equal(t, "files", report[0]["name"])
	assert.Equal(t, "connected", report[0]["status"])
	assert.EqualValues(t, 1, report[0]["tools"])
}

func TestRefreshTool(t *testing.T) {
	m := upstream.NewManager()
	mockClient := mock.NewClient(mcp.Tool{Name: "read"})
	conn := addMock(t, m, "files", mockClient)

	mockClient.SetTools(mcp.Tool{Name: "read"}, mcp.Tool{Name: "write"})

	client := meta.NewClient(m, "1.0.0")
	result, err := client.CallTool(context.Background(), "refresh", map[string]interface{}{"server": "files"})
	require.NoError(t, err)
	require.NotNil(t, result)

	tools, _, _ := conn.Capabilities()
	assert.Len(t, tools, 2)
}

func TestRefreshUnknownServer(t *testing.T) {
	client := meta.NewClient(upstream.NewManager(), "1.0.0")

	result, err := client.CallTool(context.Background(), "refresh", map[string]interface{}{"server": "ghost"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestUnknownTool(t *testing.T) {
	client := meta.NewClient(upstream.NewManager(), "1.0.0")
	_, err := client.CallTool(context.Background(), "bogus", nil)
	assert.ErrorIs(t, err, upstream.ErrNotFound)
}
