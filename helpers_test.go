package mcp_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MegaGrindStone/daycontext-mcp"
	"github.com/MegaGrindStone/daycontext-mcp/backend"
	"github.com/MegaGrindStone/daycontext-mcp/servers/daycontext"
)

const (
	dayBody         = `{"totals":{"calories":1850,"protein":120,"fat":60,"carbs":210},"meals":[{"name":"oatmeal","calories":350}]}`
	initializeBody  = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`
	initializedBody = `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	acceptJSON      = "application/json"
	acceptBoth      = "application/json, text/event-stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend stands in for the nutrition backend's day route.
type fakeBackend struct {
	*httptest.Server

	hits atomic.Int32

	mu       sync.Mutex
	status   int
	body     string
	lastPath string
	lastAuth string
}

func newFakeBackend(t *testing.T, status int, body string) *fakeBackend {
	t.Helper()

	fb := &fakeBackend{status: status, body: body}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.hits.Add(1)

		fb.mu.Lock()
		fb.lastPath = r.URL.Path
		fb.lastAuth = r.Header.Get(backend.InternalTokenHeader)
		status, body := fb.status, fb.body
		fb.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(fb.Close)

	return fb
}

func (fb *fakeBackend) path() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return fb.lastPath
}

type testStack struct {
	url      string
	backend  *fakeBackend
	registry *mcp.SessionRegistry
}

func (s testStack) mcpURL() string { return s.url + "/mcp" }

// newTestStack serves the full HTTP surface in front of a fake backend.
func newTestStack(t *testing.T, backendStatus int, backendBody string, options ...mcp.StreamableHTTPOption) testStack {
	t.Helper()

	return newTestStackWithRegistry(t, backendStatus, backendBody, nil, options...)
}

func newTestStackWithRegistry(
	t *testing.T,
	backendStatus int,
	backendBody string,
	registryOptions []mcp.RegistryOption,
	options ...mcp.StreamableHTTPOption,
) testStack {
	t.Helper()

	fb := newFakeBackend(t, backendStatus, backendBody)
	logger := testLogger()

	client, err := backend.NewClient(fb.URL, backend.WithLogger(logger))
	if err != nil {
		t.Fatalf("failed to create backend client: %v", err)
	}

	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithToolServerFactory(func() mcp.ToolServer {
			return daycontext.NewServer(client, logger)
		}),
		mcp.WithServerLogger(logger),
	)

	registryOptions = append([]mcp.RegistryOption{mcp.WithRegistryLogger(logger)}, registryOptions...)
	registry, err := mcp.NewSessionRegistry(registryOptions...)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	options = append([]mcp.StreamableHTTPOption{mcp.WithStreamableLogger(logger)}, options...)
	handler := mcp.NewHTTPHandler(mcp.HTTPOptions{
		Streamable: mcp.NewStreamableHTTPHandler(srv, registry, options...),
		RPC:        mcp.NewRPCHandler(srv, logger),
		Raw:        mcp.NewRawHandler(srv, logger),
		Registry:   registry,
		Logger:     logger,
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		registry.Shutdown()
		ts.Close()
	})

	return testStack{url: ts.URL, backend: fb, registry: registry}
}

func post(t *testing.T, url, sessionID, accept, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decodeMessage(t *testing.T, resp *http.Response) mcp.JSONRPCMessage {
	t.Helper()

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return msg
}

// initializeSession opens a session on the streamable endpoint and returns its identifier.
func initializeSession(t *testing.T, s testStack) string {
	t.Helper()

	resp := post(t, s.mcpURL(), "", acceptJSON, initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for initialize, got %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(mcp.SessionIDHeader)
	if sessID == "" {
		t.Fatal("expected session id header on initialize response")
	}

	if resp := post(t, s.mcpURL(), sessID, acceptJSON, initializedBody); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202 for initialized notification, got %d", resp.StatusCode)
	}
	return sessID
}

func callToolBody(id int, args string) string {
	return `{"jsonrpc":"2.0","id":` + strconv.Itoa(id) + `,"method":"tools/call","params":{"name":"get_day_context","arguments":` + args + `}}`
}
