// Package mcpgateway exposes an HTTP-facing aggregation layer that mirrors the
// namespaced tools managed by mcphub over a single Streamable MCP server.
// Downstream clients (including browser-based editors, hence the CORS layer)
// connect to one host and transparently proxy tool calls to whichever upstream
// server owns each tool, without re-implementing connection management or
// namespace coordination.
package mcpgateway
