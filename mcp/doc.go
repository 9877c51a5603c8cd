// Package mcp implements the wrapper proxy: a per-invocation MCP server
// speaking stdio to one AI client and relaying every tool call to the
// machine's single vttd backend as a named query.
//
// On start the proxy probes the control endpoint. If a backend answers,
// the proxy adopts it. If nothing answers, the proxy starts a backend
// in-process and waits for readiness; when two proxies race, lock
// election picks one winner and the loser adopts the winner's endpoints.
//
// An adopted backend is never shut down on client disconnect; other
// wrapper instances may still depend on it. The backend's own idle
// policy decides when it exits.
package mcp
