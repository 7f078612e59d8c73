package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tmaxmax/go-sse"

	"github.com/MegaGrindStone/daycontext-mcp"
)

func TestStreamableHTTPHandler_InitializeAndCallTool(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)

	resp := post(t, s.mcpURL(), "", acceptJSON, initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(mcp.SessionIDHeader)
	if sessID == "" {
		t.Fatal("expected session id header")
	}

	msg := decodeMessage(t, resp)
	var initResult mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &initResult); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if initResult.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("expected protocol version %s, got %s", mcp.LatestProtocolVersion, initResult.ProtocolVersion)
	}
	if initResult.ServerInfo.Name != "test-server" {
		t.Errorf("expected server name test-server, got %s", initResult.ServerInfo.Name)
	}
	if initResult.Capabilities.Tools == nil {
		t.Error("expected tools capability")
	}

	if resp := post(t, s.mcpURL(), sessID, acceptJSON, initializedBody); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202 for notification, got %d", resp.StatusCode)
	}

	resp = post(t, s.mcpURL(), sessID, acceptJSON, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	msg = decodeMessage(t, resp)
	var listResult mcp.ListToolsResult
	if err := json.Unmarshal(msg.Result, &listResult); err != nil {
		t.Fatalf("failed to unmarshal tools/list result: %v", err)
	}
	if len(listResult.Tools) != 1 || listResult.Tools[0].Name != "get_day_context" {
		t.Fatalf("expected get_day_context to be listed, got %+v", listResult.Tools)
	}

	resp = post(t, s.mcpURL(), sessID, acceptJSON, callToolBody(3, `{"user_id":7,"day":"2025-01-02"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	msg = decodeMessage(t, resp)
	if msg.Error != nil {
		t.Fatalf("unexpected error: %+v", msg.Error)
	}
	if msg.ID.String() != "3" {
		t.Errorf("expected id 3, got %s", msg.ID)
	}

	var callResult mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &callResult); err != nil {
		t.Fatalf("failed to unmarshal tools/call result: %v", err)
	}
	if callResult.IsError {
		t.Fatalf("expected successful result, got %+v", callResult)
	}
	if string(callResult.StructuredContent) != dayBody {
		t.Errorf("expected structured content %s, got %s", dayBody, callResult.StructuredContent)
	}
	if len(callResult.Content) != 1 || callResult.Content[0].Text != dayBody {
		t.Errorf("expected text content to carry the backend body, got %+v", callResult.Content)
	}

	if got := s.backend.hits.Load(); got != 1 {
		t.Errorf("expected 1 backend call, got %d", got)
	}
	if got := s.backend.path(); got != "/day/7/2025-01-02" {
		t.Errorf("expected backend path /day/7/2025-01-02, got %s", got)
	}
}

func TestStreamableHTTPHandler_SessionErrors(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)

	tests := []struct {
		name       string
		sessionID  string
		body       string
		wantStatus int
		wantCode   int
	}{
		{
			name:       "tool call without session",
			body:       callToolBody(1, `{"user_id":1,"day":"2025-01-01"}`),
			wantStatus: http.StatusBadRequest,
			wantCode:   -32000,
		},
		{
			name:       "tool call with unknown session",
			sessionID:  "does-not-exist",
			body:       callToolBody(2, `{"user_id":1,"day":"2025-01-01"}`),
			wantStatus: http.StatusNotFound,
			wantCode:   -32001,
		},
		{
			name:       "malformed body",
			body:       `{"jsonrpc":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   -32700,
		},
		{
			name:       "batch",
			body:       `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`,
			wantStatus: http.StatusBadRequest,
			wantCode:   -32600,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, s.mcpURL(), tt.sessionID, acceptJSON, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			msg := decodeMessage(t, resp)
			if msg.Error == nil {
				t.Fatal("expected error response")
			}
			if msg.Error.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, msg.Error.Code)
			}
		})
	}

	if got := s.backend.hits.Load(); got != 0 {
		t.Errorf("expected no backend calls, got %d", got)
	}
	if got := s.registry.Len(); got != 0 {
		t.Errorf("expected no sessions, got %d", got)
	}
}

func TestStreamableHTTPHandler_InvalidArguments(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)
	sessID := initializeSession(t, s)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "bad day", body: callToolBody(1, `{"user_id":1,"day":"01/02/2025"}`), wantCode: -32602},
		{name: "missing user", body: callToolBody(2, `{"day":"2025-01-02"}`), wantCode: -32602},
		{name: "non numeric user", body: callToolBody(3, `{"user_id":"abc","day":"2025-01-02"}`), wantCode: -32602},
		{
			name:     "unknown tool",
			body:     `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope","arguments":{}}}`,
			wantCode: -32602,
		},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":5,"method":"resources/list"}`, wantCode: -32601},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, s.mcpURL(), sessID, acceptJSON, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected status 200, got %d", resp.StatusCode)
			}
			msg := decodeMessage(t, resp)
			if msg.Error == nil {
				t.Fatalf("expected error response, got result %s", msg.Result)
			}
			if msg.Error.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, msg.Error.Code)
			}
		})
	}

	if got := s.backend.hits.Load(); got != 0 {
		t.Errorf("expected no backend calls, got %d", got)
	}
}

func TestStreamableHTTPHandler_BackendFailure(t *testing.T) {
	s := newTestStack(t, http.StatusInternalServerError, `{"detail":"database unavailable"}`)
	sessID := initializeSession(t, s)

	resp := post(t, s.mcpURL(), sessID, acceptJSON, callToolBody(1, `{"user_id":"42","day":"2025-01-02"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	msg := decodeMessage(t, resp)
	if msg.Error != nil {
		t.Fatalf("expected tool result, got error %+v", msg.Error)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected isError result")
	}

	var descriptor struct {
		Kind    string `json:"kind"`
		Status  int    `json:"status"`
		Details struct {
			Detail string `json:"detail"`
		} `json:"details"`
	}
	if err := json.Unmarshal(result.StructuredContent, &descriptor); err != nil {
		t.Fatalf("failed to unmarshal descriptor: %v", err)
	}
	if descriptor.Kind != "backend_request_failed" {
		t.Errorf("expected kind backend_request_failed, got %s", descriptor.Kind)
	}
	if descriptor.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", descriptor.Status)
	}
	if descriptor.Details.Detail != "database unavailable" {
		t.Errorf("expected backend details to be relayed, got %q", descriptor.Details.Detail)
	}
	if got := s.backend.path(); got != "/day/42/2025-01-02" {
		t.Errorf("expected backend path /day/42/2025-01-02, got %s", got)
	}
}

func TestStreamableHTTPHandler_EventStreamResponse(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)

	resp := post(t, s.mcpURL(), "", acceptBoth, initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected text/event-stream response, got %s", ct)
	}
	if resp.Header.Get(mcp.SessionIDHeader) == "" {
		t.Fatal("expected session id header on event stream response")
	}

	var got []mcp.JSONRPCMessage
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		if ev.Type != "message" {
			t.Errorf("expected event type message, got %s", ev.Type)
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.Fatalf("failed to unmarshal event data: %v", err)
		}
		got = append(got, msg)
	}

	if len(got) != 1 {
		t.Fatalf("expected exactly one message event, got %d", len(got))
	}
	if got[0].ID.String() != "1" || got[0].Result == nil {
		t.Errorf("expected initialize result for id 1, got %+v", got[0])
	}
}

func TestStreamableHTTPHandler_JSONResponseMode(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody, mcp.WithJSONResponse(true))

	resp := post(t, s.mcpURL(), "", acceptBoth, initializeBody)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json response, got %s", ct)
	}
	if msg := decodeMessage(t, resp); msg.Error != nil {
		t.Fatalf("unexpected error: %+v", msg.Error)
	}
}

func TestStreamableHTTPHandler_FailedInitializeCreatesNoSession(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)

	resp := post(t, s.mcpURL(), "", acceptJSON, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"bogus"}`)
	msg := decodeMessage(t, resp)
	if msg.Error == nil || msg.Error.Code != -32602 {
		t.Fatalf("expected invalid params error, got %+v", msg)
	}
	if id := resp.Header.Get(mcp.SessionIDHeader); id != "" {
		t.Errorf("expected no session id header, got %s", id)
	}
	if got := s.registry.Len(); got != 0 {
		t.Errorf("expected no sessions, got %d", got)
	}
}

func TestStreamableHTTPHandler_ReinitializeRejected(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)
	sessID := initializeSession(t, s)

	resp := post(t, s.mcpURL(), sessID, acceptJSON, initializeBody)
	msg := decodeMessage(t, resp)
	if msg.Error == nil || msg.Error.Code != -32600 {
		t.Fatalf("expected invalid request error, got %+v", msg)
	}

	// The session survives the rejected initialize.
	resp = post(t, s.mcpURL(), sessID, acceptJSON, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if msg := decodeMessage(t, resp); msg.Error != nil {
		t.Fatalf("expected ping to succeed, got %+v", msg.Error)
	}
}

func TestStreamableHTTPHandler_Delete(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody)
	sessID := initializeSession(t, s)

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodDelete, s.mcpURL(), nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		req.Header.Set(mcp.SessionIDHeader, sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete %d: expected status 204, got %d", i+1, resp.StatusCode)
		}
	}

	resp := post(t, s.mcpURL(), sessID, acceptJSON, callToolBody(1, `{"user_id":1,"day":"2025-01-01"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 after delete, got %d", resp.StatusCode)
	}
	if got := s.backend.hits.Load(); got != 0 {
		t.Errorf("expected no backend calls, got %d", got)
	}

	req, err := http.NewRequest(http.MethodDelete, s.mcpURL(), nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	noHeader, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	noHeader.Body.Close()
	if noHeader.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 without session header, got %d", noHeader.StatusCode)
	}
}

func openStream(ctx context.Context, t *testing.T, url, sessionID, accept string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamableHTTPHandler_GetStream(t *testing.T) {
	s := newTestStack(t, http.StatusOK, dayBody, mcp.WithKeepAliveInterval(20*time.Millisecond))
	sessID := initializeSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if resp := openStream(ctx, t, s.mcpURL(), sessID, acceptJSON); resp.StatusCode != http.StatusNotAcceptable {
		t.Errorf("expected status 406 without event-stream accept, got %d", resp.StatusCode)
	}
	if resp := openStream(ctx, t, s.mcpURL(), "", "text/event-stream"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 without session, got %d", resp.StatusCode)
	}
	if resp := openStream(ctx, t, s.mcpURL(), "unknown", "text/event-stream"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown session, got %d", resp.StatusCode)
	}

	stream := openStream(ctx, t, s.mcpURL(), sessID, "text/event-stream")
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", stream.StatusCode)
	}
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	if resp := openStream(ctx, t, s.mcpURL(), sessID, "text/event-stream"); resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status 409 for a second stream, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(stream.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read keep-alive: %v", err)
		}
		if strings.HasPrefix(line, ":") && strings.Contains(line, "keepalive") {
			break
		}
	}

	// Closing the session ends its stream.
	s.registry.Close(sessID)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		t.Fatalf("expected stream to end cleanly, got %v", err)
	}
}

func TestStreamableHTTPHandler_GetStreamKeepsSessionAlive(t *testing.T) {
	const (
		idleTTL   = time.Minute
		keepAlive = 10 * time.Second
	)
	clock := clockwork.NewFakeClock()
	s := newTestStackWithRegistry(t, http.StatusOK, dayBody,
		[]mcp.RegistryOption{mcp.WithRegistryClock(clock), mcp.WithRegistryIdleTTL(idleTTL)},
		mcp.WithStreamableClock(clock),
		mcp.WithKeepAliveInterval(keepAlive),
	)
	streamed := initializeSession(t, s)
	idle := initializeSession(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := openStream(ctx, t, s.mcpURL(), streamed, "text/event-stream")
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", stream.StatusCode)
	}
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("keep-alive ticker was not started: %v", err)
	}

	reader := bufio.NewReader(stream.Body)
	for elapsed := time.Duration(0); elapsed <= idleTTL+keepAlive; elapsed += keepAlive {
		clock.Advance(keepAlive)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("failed to read keep-alive: %v", err)
			}
			if strings.HasPrefix(line, ":") && strings.Contains(line, "keepalive") {
				break
			}
		}
	}

	if removed := s.registry.Sweep(); removed != 1 {
		t.Errorf("expected 1 idle session swept, got %d", removed)
	}

	ping := `{"jsonrpc":"2.0","id":7,"method":"ping"}`
	if resp := post(t, s.mcpURL(), streamed, acceptJSON, ping); resp.StatusCode != http.StatusOK {
		t.Errorf("expected streamed session to stay alive, got status %d", resp.StatusCode)
	}
	if resp := post(t, s.mcpURL(), idle, acceptJSON, ping); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected idle session to expire, got status %d", resp.StatusCode)
	}
}
