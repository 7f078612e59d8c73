package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// ClientOption represents the options for the StreamableClient.
type ClientOption func(*StreamableClient)

// StreamableClient talks to a streamable HTTP MCP endpoint. It reads responses framed either as
// application/json or as an SSE message event, and keeps the session identifier handed out by
// the server during Initialize.
//
// StreamableClient is safe for concurrent use once Initialize has returned.
type StreamableClient struct {
	url        string
	httpClient *http.Client
	info       Info
	logger     *slog.Logger

	maxPayloadSize  int
	protocolVersion string

	nextID atomic.Int64

	mu         sync.RWMutex
	sessionID  string
	serverInfo Info
}

// NewStreamableClient creates a client for the endpoint at url. The optional httpClient parameter
// allows custom HTTP client configuration - if nil, the default HTTP client is used.
func NewStreamableClient(url string, httpClient *http.Client, options ...ClientOption) *StreamableClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableClient{
		url:             url,
		httpClient:      cli,
		info:            Info{Name: "daycontext-mcp-client", Version: "1.0"},
		logger:          slog.Default(),
		protocolVersion: LatestProtocolVersion,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientInfo sets the client identity sent during Initialize.
func WithClientInfo(info Info) ClientOption {
	return func(c *StreamableClient) {
		c.info = info
	}
}

// WithClientProtocolVersion sets the protocol version requested during Initialize.
func WithClientProtocolVersion(version string) ClientOption {
	return func(c *StreamableClient) {
		c.protocolVersion = version
	}
}

// WithClientMaxPayloadSize sets the maximum size of an SSE event accepted from the server.
func WithClientMaxPayloadSize(size int) ClientOption {
	return func(c *StreamableClient) {
		c.maxPayloadSize = size
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *StreamableClient) {
		c.logger = logger.With(
			slog.String("package", "daycontext-mcp"),
			slog.String("component", "client"),
		)
	}
}

// Initialize opens a session: it sends initialize, stores the session identifier returned by the
// server and confirms with notifications/initialized.
func (c *StreamableClient) Initialize(ctx context.Context) (InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo:      c.info,
	}

	var result InitializeResult
	if err := c.call(ctx, methodInitialize, params, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to initialize: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return result, nil
}

// Ping checks that the session is alive.
func (c *StreamableClient) Ping(ctx context.Context) error {
	var result struct{}
	if err := c.call(ctx, methodPing, nil, &result); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	return nil
}

// ListTools retrieves the tools exposed by the server.
func (c *StreamableClient) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool. A tool that ran but failed is reported through the result's IsError,
// not as an error.
func (c *StreamableClient) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

// Close terminates the session on the server. Closing a client without a session is a no-op.
func (c *StreamableClient) Close(ctx context.Context) error {
	sessID := c.SessionID()
	if sessID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionIDHeader, sessID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to close session, status code: %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()

	return nil
}

// SessionID returns the identifier of the current session, or an empty string before Initialize.
func (c *StreamableClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sessionID
}

// ServerInfo returns the server identity received during Initialize.
func (c *StreamableClient) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverInfo
}

func (c *StreamableClient) call(ctx context.Context, method string, params, result any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      NewRequestID(c.nextID.Add(1)),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sessID := resp.Header.Get(SessionIDHeader); sessID != "" && method == methodInitialize {
		c.mu.Lock()
		c.sessionID = sessID
		c.mu.Unlock()
	}

	resMsg, err := c.readResponse(resp, msg.ID)
	if err != nil {
		return err
	}
	if resMsg.Error != nil {
		return *resMsg.Error
	}
	if err := json.Unmarshal(resMsg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *StreamableClient) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		resMsg, err := c.readResponse(resp, nullID)
		if err == nil && resMsg.Error != nil {
			return *resMsg.Error
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *StreamableClient) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msgBs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Mcp-Protocol-Version", c.protocolVersion)
	if sessID := c.SessionID(); sessID != "" {
		req.Header.Set(SessionIDHeader, sessID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// readResponse extracts the JSON-RPC response matching id from either body framing.
func (c *StreamableClient) readResponse(resp *http.Response, id RequestID) (JSONRPCMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if mediaType != "text/event-stream" {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to read response: %w", err)
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to unmarshal response with status %d: %w", resp.StatusCode, err)
		}
		return msg, nil
	}

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to read SSE message: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			c.logger.Warn("unhandled event type", slog.Any("type", ev.Type))
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
			continue
		}
		if msg.Method != "" || !bytes.Equal(msg.ID, id) {
			// Server-initiated messages are not expected on a response stream.
			continue
		}
		return msg, nil
	}

	return JSONRPCMessage{}, errors.New("response stream ended without a response")
}
