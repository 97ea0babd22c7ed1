// Package server is the proxy's inbound side: the MCP endpoint clients
// connect to over stdio or streamable HTTP.
//
// It narrows the aggregate view per session through the tool filter, routes
// tool, prompt, and resource requests to the owning child via the resolver,
// persists streamable-http sessions so they survive proxy restarts, and
// delivers listChanged notifications.
package server
