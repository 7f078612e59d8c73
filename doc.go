// Package mcp serves the get_day_context tool over the Model Context Protocol and two simpler
// protocol variants, a stateless JSON-RPC 2.0 endpoint and a raw JSON tool call endpoint.
//
// Every inbound request is parsed into a Frame and routed through one dispatch table owned by
// Server. The streamable HTTP variant keeps its sessions in a bounded SessionRegistry; the other
// variants share a single process-wide stateless session. Tool implementations plug in through
// the ToolServer interface.
package mcp
