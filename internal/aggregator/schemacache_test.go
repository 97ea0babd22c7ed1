package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTool(name string) *mcp.Tool {
	return &mcp.Tool{Name: name, Description: "tool " + name}
}

func TestGetOrLoadCachesResult(t *testing.T) {
	cache, err := NewSchemaCache(16, time.Minute)
	require.NoError(t, err)
	defer cache.Stop()

	var calls atomic.Int64
	loader := func(ctx context.Context) (*mcp.Tool, error) {
		calls.Add(1)
		return testTool("foo"), nil
	}

	first, err := cache.GetOrLoad(context.Background(), "a", "foo", loader)
	require.NoError(t, err)
	second, err := cache.GetOrLoad(context.Background(), "a", "foo", loader)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())

	metrics := cache.Metrics()
	assert.EqualValues(t, 1, metrics.Hits)
	assert.EqualValues(t, 1, metrics.Misses)
	assert.InDelta(t, 0.5, metrics.HitRate(), 0.001)
}

func TestGetOrLoadCoalesces(t *testing.T) {
	cache, err := NewSchemaCache(16, time.Minute)
	require.NoError(t, err)
	defer cache.Stop()

	var calls atomic.Int64
	gate := make(chan struct{})
	loader := func(ctx context.Context) (*mcp.Tool, error) {
		calls.Add(1)
		<-gate
		return testTool("foo"), nil
	}

	const workers = 100
	var wg sync.WaitGroup
	results := make([]*mcp.Tool, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrLoad(context.Background(), "a", "foo", loader)
		}(i)
	}

	// Let every caller pile onto the in-flight load, then release it.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "foo", results[i].Name)
	}
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	cache, err := NewSchemaCache(16, time.Minute)
	require.NoError(t, err)
	defer cache.Stop()

	var calls atomic.Int64
	boom := errors.New("load failed")
	failing := func(ctx context.Context) (*mcp.Tool, error) {
		calls.Add(1)
		return nil, boom
	}

	_, err = cache.GetOrLoad(context.Background(), "a", "foo", failing)
	assert.ErrorIs(t, err, boom)

	// The failure was not cached; the next call loads again and succeeds.
	tool, err := cache.GetOrLoad(context.Background(), "a", "foo", func(ctx context.Context) (*mcp.Tool, error) {
		calls.Add(1)
		return testTool("foo"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "foo", tool.Name)
	assert.EqualValues(t, 2, calls.Load())
}

func TestEvictionBound(t *testing.T) {
	cache, err := NewSchemaCache(4, time.Minute)
	require.NoError(t, err)
	defer cache.Stop()

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("tool-%d", i)
		_, err := cache.GetOrLoad(context.Background(), "a", name, func(ctx context.Context) (*mcp.Tool, error) {
			return testTool(name), nil
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, cache.Len(), 4)
	}

	assert.Equal(t, 4, cache.Len())
	assert.NotZero(t, cache.Metrics().Evictions)
}

func TestTTLExpiresBeforeLRU(t *testing.T) {
	cache, err := NewSchemaCache(16, 50*time.Millisecond)
	require.NoError(t, err)
	defer cache.Stop()

	base := time.Now()
	cache.now = func() time.Time { return base }

	_, err = cache.GetOrLoad(context.Background(), "a", "foo", func(ctx context.Context) (*mcp.Tool, error) {
		return testTool("foo"), nil
	})
	require.NoError(t, err)

	// Advance past the TTL: the entry reports as a miss and gets reloaded.
	cache.now = func() time.Time { return base.Add(time.Second) }

	var calls atomic.Int64
	_, err = cache.GetOrLoad(context.Background(), "a", "foo", func(ctx context.Context) (*mcp.Tool, error) {
		calls.Add(1)
		return testTool("foo"), nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 2, cache.Metrics().Misses)
}

func TestInvalidate(t *testing.T) {
	cache, err := NewSchemaCache(16, time.Minute)
	require.NoError(t, err)
	defer cache.Stop()

	for _, key := range []string{"a", "b"} {
		_, err := cache.GetOrLoad(context.Background(), key, "foo", func(ctx context.Context) (*mcp.Tool, error) {
			return testTool("foo"), nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, cache.Len())

	cache.Invalidate("a")
	assert.Equal(t, 1, cache.Len())
}
