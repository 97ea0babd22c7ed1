// Package aggregator computes the union of tools, resources, and prompts
// across connected children, namespaced as <child>.<name>, and diffs
// successive snapshots to drive listChanged notifications. It also houses
// the schema cache: an LRU with TTL precedence and request coalescing for
// lazily loaded tool schemas.
package aggregator
