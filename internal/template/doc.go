// Package template expands {ns.key[:default]} placeholders in child
// configurations from per-session context and hashes the resulting variable
// binding, which keys shared template instances.
package template
