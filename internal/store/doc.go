// Package store is the filesystem-backed key/value store for session and
// OAuth records: one JSON file per record, prefix-routed into fixed
// subdirectories, with TTL sweeping and a path-traversal guard.
package store
