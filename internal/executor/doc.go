// Package executor runs batches of jobs with a fixed concurrency bound and
// reports per-item and per-batch progress over a typed event channel.
package executor
