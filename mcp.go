package mcp

import "context"

// ToolServer interface defines the contract for managing and executing tools in the MCP protocol.
// Implementations provide the tool list advertised to clients and execute tool invocations.
//
// A fresh ToolServer is built for every session, so implementations may keep per-session state
// without synchronization beyond what concurrent stateless calls require.
type ToolServer interface {
	// ListTools returns the tools available to the client.
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)

	// CallTool executes a tool with the given parameters.
	//
	// Returning an error wrapping ErrInvalidArgument or ErrUnknownTool surfaces as a protocol
	// error. Any other error is reported to the client as a tool result with IsError set.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ToolServerFactory builds the ToolServer bound to a new session.
type ToolServerFactory func() ToolServer
