// Package toolbridge connects to remote tool providers, discovers and
// validates their tools, and routes tool calls to the provider that owns them.
//
// Two transports are supported, selected by the provider URL scheme:
//
//   - ws, wss: a message-typed WebSocket protocol (list_tools, tools_list,
//     tool_call, tool_result, error).
//   - http, https: MCP JSON-RPC 2.0 over POST, with optional Server-Sent
//     Events responses and a sticky mcp-session-id header.
//
// Every failure surfaces on a single error channel (Bridge.Errors) and on the
// per-call Result; nothing is retried automatically.
package toolbridge
