// Package instance pools the concrete child instances derived from
// templated configurations: shareable instances keyed by binding hash,
// per-client instances keyed by session, idle eviction, and a hard cap.
package instance
