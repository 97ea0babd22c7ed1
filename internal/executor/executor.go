package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Job is one unit of work submitted to a batch.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// EventKind discriminates executor events.
type EventKind int

const (
	// EventItemDone fires once per job as it finishes.
	EventItemDone EventKind = iota
	// EventBatchDone fires once after every job of a batch has finished.
	EventBatchDone
)

// Event is emitted on the executor's event channel.
type Event struct {
	Kind     EventKind
	Name     string // job name, empty on batch events
	Err      error  // job error, nil on success
	Duration time.Duration
	Done     int // jobs finished so far in this batch
	Total    int
}

// Executor runs batches of jobs with a fixed concurrency bound and reports
// progress through typed events on a channel. Subscribers receive-loop on
// their own goroutine; a full channel drops events rather than blocking the
// workers.
type Executor struct {
	limit  int64
	events chan Event

	mu     sync.Mutex
	closed bool
}

// New creates an executor with the given concurrency bound.
func New(concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Executor{
		limit:  int64(concurrency),
		events: make(chan Event, 64),
	}
}

// Events returns the event channel.
func (e *Executor) Events() <-chan Event {
	return e.events
}

// Close closes the event channel. Run must not be called afterwards.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

// Run executes the batch, never exceeding the concurrency bound, and blocks
// until every job finished or the context was cancelled. The per-job errors
// are returned indexed like jobs.
func (e *Executor) Run(ctx context.Context, jobs []Job) []error {
	sem := semaphore.NewWeighted(e.limit)
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	var done int
	var mu sync.Mutex

	start := time.Now()
	for i, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			mu.Lock()
			done++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			defer sem.Release(1)

			jobStart := time.Now()
			err := job.Run(ctx)
			errs[i] = err

			mu.Lock()
			done++
			finished := done
			mu.Unlock()

			e.emit(Event{
				Kind:     EventItemDone,
				Name:     job.Name,
				Err:      err,
				Duration: time.Since(jobStart),
				Done:     finished,
				Total:    len(jobs),
			})
		}(i, job)
	}

	wg.Wait()
	e.emit(Event{
		Kind:     EventBatchDone,
		Duration: time.Since(start),
		Done:     len(jobs),
		Total:    len(jobs),
	})
	return errs
}

func (e *Executor) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		// Slow subscriber; progress events are advisory.
	}
}
