package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Variant tags the protocol surface a Frame arrived on.
type Variant int

const (
	// VariantMCP frames arrive on the streamable HTTP transport and belong to a session.
	VariantMCP Variant = iota
	// VariantJSONRPC frames arrive on the stateless JSON-RPC 2.0 endpoint.
	VariantJSONRPC
	// VariantRaw frames are built from a bare {"name","arguments"} tool call body.
	VariantRaw
	// VariantStdIO frames are read line by line from the stdio transport.
	VariantStdIO
)

// Frame is a single inbound protocol request, notification or response, independent of the
// surface it arrived on. All variants are dispatched through the same Server table.
type Frame struct {
	Variant Variant
	ID      RequestID
	Method  string
	Params  json.RawMessage

	// isResponse marks a client's answer to a server request. The server never issues requests
	// expecting answers, so these are accepted and dropped.
	isResponse bool
}

// IsNotification reports whether the frame expects no response.
func (f Frame) IsNotification() bool {
	return len(f.ID) == 0 || f.isResponse
}

// String returns the name used in logs and metrics.
func (v Variant) String() string {
	switch v {
	case VariantMCP:
		return "mcp"
	case VariantJSONRPC:
		return "jsonrpc"
	case VariantRaw:
		return "raw"
	case VariantStdIO:
		return "stdio"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseFrame decodes a JSON-RPC 2.0 message body. Batches are rejected: every supported client
// sends one message per request.
//
// Returned errors wrap errParse or errInvalidRequest; the Frame still carries the request id when
// it could be recovered so the error response can echo it.
func ParseFrame(variant Variant, body []byte) (Frame, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Frame{Variant: variant}, fmt.Errorf("%w: empty body", errParse)
	}
	if body[0] == '[' {
		return Frame{Variant: variant}, fmt.Errorf("%w: batch requests are not supported", errInvalidRequest)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return Frame{Variant: variant}, fmt.Errorf("%w: %w", errParse, err)
	}

	f := Frame{
		Variant: variant,
		ID:      msg.ID,
		Method:  msg.Method,
		Params:  msg.Params,
	}

	if msg.JSONRPC != JSONRPCVersion {
		return f, fmt.Errorf("%w: jsonrpc must be %q", errInvalidRequest, JSONRPCVersion)
	}
	if msg.Method == "" {
		if len(msg.ID) != 0 && (msg.Result != nil || msg.Error != nil) {
			f.isResponse = true
			return f, nil
		}
		return f, fmt.Errorf("%w: missing method", errInvalidRequest)
	}

	return f, nil
}

// parseRawFrame turns a raw tool call body into a tools/call frame. The body has the shape of
// CallToolParams.
func parseRawFrame(body []byte) (Frame, error) {
	var params CallToolParams
	if err := json.Unmarshal(body, &params); err != nil {
		return Frame{}, fmt.Errorf("%w: failed to unmarshal tool call: %w", ErrInvalidArgument, err)
	}
	if params.Name == "" {
		return Frame{}, fmt.Errorf("%w: missing tool name", ErrInvalidArgument)
	}

	return Frame{
		Variant: VariantRaw,
		ID:      NewRequestID(0),
		Method:  MethodToolsCall,
		Params:  body,
	}, nil
}
