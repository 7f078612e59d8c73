package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tmaxmax/go-sse"
)

// SessionIDHeader carries the session identifier on every request after initialization.
const SessionIDHeader = "Mcp-Session-Id"

const maxFrameSize = 4 << 20

// StreamableHTTPOption represents the options for the StreamableHTTPHandler.
type StreamableHTTPOption func(*StreamableHTTPHandler)

// StreamableHTTPHandler implements the MCP streamable HTTP transport on a single endpoint:
//   - POST carries one JSON-RPC message; requests are answered in the response body, either as
//     JSON or as a single SSE message event.
//   - GET opens a server-to-client SSE stream for an established session.
//   - DELETE closes the session.
//
// Sessions are created on initialize and resolved through a SessionRegistry.
type StreamableHTTPHandler struct {
	srv      Server
	registry *SessionRegistry

	jsonResponse bool
	keepAlive    time.Duration
	clock        clockwork.Clock

	logger *slog.Logger
}

var defaultKeepAlive = 25 * time.Second

// NewStreamableHTTPHandler creates the handler. The registry must outlive it.
func NewStreamableHTTPHandler(
	srv Server,
	registry *SessionRegistry,
	options ...StreamableHTTPOption,
) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		srv:      srv,
		registry: registry,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.keepAlive == 0 {
		h.keepAlive = defaultKeepAlive
	}
	return h
}

// WithJSONResponse makes POST requests always answer with application/json, even when the client
// accepts text/event-stream.
func WithJSONResponse(enabled bool) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) {
		h.jsonResponse = enabled
	}
}

// WithKeepAliveInterval sets the interval between keep-alive comments on GET streams.
func WithKeepAliveInterval(interval time.Duration) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) {
		h.keepAlive = interval
	}
}

// WithStreamableClock replaces the clock driving keep-alive tickers.
func WithStreamableClock(clock clockwork.Clock) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) {
		h.clock = clock
	}
}

// WithStreamableLogger sets the logger for the handler.
func WithStreamableLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) {
		h.logger = logger.With(
			slog.String("package", "daycontext-mcp"),
			slog.String("component", "streamable"),
		)
	}
}

// HandleFrame routes a frame to its session and returns the response, if any, together with the
// identifier of the session that handled it.
//
// A frame without a session identifier creates a session only when it is an initialize request;
// anything else fails with ErrNoSession. An unknown identifier fails with ErrSessionNotFound.
// When the initialize of a new session fails, the session is discarded and no identifier is
// returned.
func (h *StreamableHTTPHandler) HandleFrame(
	ctx context.Context,
	sessionID string,
	f Frame,
) (*JSONRPCMessage, string, error) {
	sess, created, err := h.registry.resolve(sessionID, f, func(id string) *session {
		return h.srv.newSession(id, false)
	})
	if err != nil {
		return nil, "", err
	}

	resp, err := sess.handle(ctx, h.srv, f)
	if err != nil {
		return nil, "", err
	}

	if created && (resp == nil || resp.Error != nil) {
		h.registry.Close(sess.id)
		return resp, "", nil
	}

	return resp, sess.id, nil
}

// CloseSession closes the session with the given identifier. It is a no-op for unknown sessions.
func (h *StreamableHTTPHandler) CloseSession(sessionID string) {
	h.registry.Close(sessionID)
}

// ServeHTTP implements http.Handler.
func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeJSONRPCError(w, http.StatusMethodNotAllowed, nullID, &JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: fmt.Sprintf("method %s not allowed", r.Method),
		})
	}
}

func (h *StreamableHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		h.logger.Warn("failed to read request body", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusBadRequest, nullID, toJSONRPCError(fmt.Errorf("%w: %w", errParse, err)))
		return
	}

	f, err := ParseFrame(VariantMCP, body)
	if err != nil {
		h.logger.Info("rejected malformed frame", slog.String("err", err.Error()))
		writeJSONRPCError(w, httpStatusFor(err), responseID(f.ID), toJSONRPCError(err))
		return
	}

	resp, sessID, err := h.HandleFrame(r.Context(), r.Header.Get(SessionIDHeader), f)
	if err != nil {
		h.logger.Info("rejected frame",
			slog.String("method", f.Method),
			slog.String("err", err.Error()))
		writeJSONRPCError(w, httpStatusFor(err), responseID(f.ID), toJSONRPCError(err))
		return
	}

	if sessID != "" {
		w.Header().Set(SessionIDHeader, sessID)
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if !h.jsonResponse && accepts(r, "text/event-stream") {
		h.writeEventStream(w, r, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *StreamableHTTPHandler) writeEventStream(w http.ResponseWriter, r *http.Request, resp *JSONRPCMessage) {
	msgBs, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusInternalServerError, resp.ID, toJSONRPCError(err))
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		// The writer cannot stream, fall back to a plain JSON body.
		h.logger.Warn("failed to upgrade response", slog.String("err", err.Error()))
		writeJSON(w, http.StatusOK, resp)
		return
	}

	msg := sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(msgBs))
	if err := sess.Send(&msg); err != nil {
		h.logger.Error("failed to write SSE message", slog.String("err", err.Error()))
		return
	}
	if err := sess.Flush(); err != nil {
		h.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
	}
}

func (h *StreamableHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, "text/event-stream") {
		writeJSONRPCError(w, http.StatusNotAcceptable, nullID, &JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: "client must accept text/event-stream",
		})
		return
	}

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, nullID, toJSONRPCError(ErrNoSession))
		return
	}
	sess, err := h.registry.lookup(sessID)
	if err != nil {
		writeJSONRPCError(w, httpStatusFor(err), nullID, toJSONRPCError(err))
		return
	}

	if !sess.attachStream() {
		writeJSONRPCError(w, http.StatusConflict, nullID, &JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: "only one stream is allowed per session",
		})
		return
	}
	defer sess.detachStream()

	w.Header().Set(SessionIDHeader, sessID)
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		h.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}
	if err := stream.Flush(); err != nil {
		h.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
		return
	}

	logger := sess.logger.With(slog.String("component", "stream"))
	logger.Debug("stream opened")

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("stream closed by client")
			return
		case <-sess.done:
			logger.Debug("stream closed with session")
			return
		case <-ticker.Chan():
			msg := sse.Message{}
			msg.AppendComment("keepalive")
			if err := stream.Send(&msg); err != nil {
				logger.Info("failed to write keep-alive", slog.String("err", err.Error()))
				return
			}
			if err := stream.Flush(); err != nil {
				logger.Info("failed to flush keep-alive", slog.String("err", err.Error()))
				return
			}
			h.registry.touch(sessID)
		}
	}
}

func (h *StreamableHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, nullID, toJSONRPCError(ErrNoSession))
		return
	}

	h.CloseSession(sessID)
	w.WriteHeader(http.StatusNoContent)
}

func accepts(r *http.Request, mediaType string) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mt == mediaType {
			return true
		}
	}
	return false
}

func responseID(id RequestID) RequestID {
	if len(id) == 0 {
		return nullID
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", slog.String("err", err.Error()))
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, id RequestID, jsonErr *JSONRPCError) {
	writeJSON(w, status, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   jsonErr,
	})
}
