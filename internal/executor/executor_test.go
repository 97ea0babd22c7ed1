package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRespectsBound(t *testing.T) {
	e := New(3)
	defer e.Close()

	var running, peak atomic.Int64
	var mu sync.Mutex

	jobs := make([]Job, 12)
	for i := range jobs {
		jobs[i] = Job{
			Name: "job",
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				mu.Lock()
				if n > peak.Load() {
					peak.Store(n)
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}
	}

	errs := e.Run(context.Background(), jobs)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestRunCollectsErrors(t *testing.T) {
	e := New(2)
	defer e.Close()

	boom := errors.New("boom")
	jobs := []Job{
		{Name: "ok", Run: func(ctx context.Context) error { return nil }},
		{Name: "fail", Run: func(ctx context.Context) error { return boom }},
	}

	errs := e.Run(context.Background(), jobs)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
}

func TestRunEmitsEvents(t *testing.T) {
	e := New(2)
	defer e.Close()

	jobs := []Job{
		{Name: "a", Run: func(ctx context.Context) error { return nil }},
		{Name: "b", Run: func(ctx context.Context) error { return nil }},
	}

	done := make(chan []Event)
	go func() {
		var events []Event
		for ev := range e.Events() {
			events = append(events, ev)
			if ev.Kind == EventBatchDone {
				done <- events
				return
			}
		}
	}()

	e.Run(context.Background(), jobs)

	select {
	case events := <-done:
		itemEvents := 0
		for _, ev := range events {
			if ev.Kind == EventItemDone {
				itemEvents++
				assert.Equal(t, 2, ev.Total)
			}
		}
		assert.Equal(t, 2, itemEvents)
		last := events[len(events)-1]
		assert.Equal(t, EventBatchDone, last.Kind)
		assert.Equal(t, 2, last.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("batch events never arrived")
	}
}

func TestRunCancelled(t *testing.T) {
	e := New(1)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []Job{{Name: "never", Run: func(ctx context.Context) error { return nil }}}
	errs := e.Run(ctx, jobs)
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
}
