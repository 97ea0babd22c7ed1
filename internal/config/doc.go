// Package config owns the on-disk server list and the proxy settings: the
// ChildConfig data model and its validation, the JSON loader that preserves
// unknown fields, the debounced file watcher, the field-level diff that
// maps reloads onto minimal lifecycle actions, and the copy-on-read agent
// settings.
package config
