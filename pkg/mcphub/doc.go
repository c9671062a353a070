// Package mcphub orchestrates a fleet of Model Context Protocol (MCP) tool
// servers behind a single façade. It layers configuration loading, a server
// registry, connection lifecycle management with retries and periodic health
// checks, and a request router on top of the modelcontextprotocol/go-sdk
// client, so an application decides per request which servers' tools to
// expose instead of wiring each server by hand.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, call Initialize with a config file path or an explicit
//     HubConfig, then use GetToolsForRequest and CallTool from the request
//     path.
//   - ServerConfig declares one server: its transport (stdio, http, or sse),
//     timeout, retry budget, tags, and tool namespace.
//   - Router (reachable through Manager) classifies each request and honors
//     bracketed user directives such as [force-mcp], [skip-mcp],
//     [use-server:id], and [exclude-server:id]; CleanMessage strips the
//     directives before the text reaches a model.
//
// Tool names are namespaced per server ("<id>__<tool>" by default) so
// identically named tools on different servers never collide from the
// caller's point of view. Lifecycle integrations subscribe to connect,
// disconnect, error, and tool-call events via Manager.On.
//
// Routing and connection handling degrade rather than fail: a server that
// cannot be reached is marked in error and retried by its health loop, and a
// request that matches no servers simply gets an empty tool map.
package mcphub
