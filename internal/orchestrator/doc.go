// Package orchestrator coordinates first-load admission and converts child
// lifecycle events into batched capability-change fan-outs.
package orchestrator
