// Package upstream manages the proxy's outbound side: one supervised
// connection per child MCP server, over stdio, SSE, or streamable HTTP.
//
// A Connection owns its transport client and runs a supervision loop:
// connect, handshake, health probing, and restart with exponential backoff.
// The Manager is the single lifecycle writer over the connections table and
// implements the config manager's lifecycle contract. The Resolver maps
// logical child names and sessions onto physical connection keys; it is the
// only component aware of the template key suffix scheme.
package upstream
