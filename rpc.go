package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const statelessSessionID = "stateless"

// RPCHandler serves plain JSON-RPC 2.0 over HTTP POST. It keeps no per-client state: every
// request runs on one process-wide session, and responses are always application/json with
// status 200, errors included.
type RPCHandler struct {
	srv    Server
	sess   *session
	logger *slog.Logger
}

// NewRPCHandler creates a stateless JSON-RPC handler.
func NewRPCHandler(srv Server, logger *slog.Logger) *RPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCHandler{
		srv:    srv,
		sess:   srv.newSession(statelessSessionID, true),
		logger: logger.With(slog.String("component", "rpc")),
	}
}

// ServeHTTP implements http.Handler.
func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONRPCError(w, http.StatusMethodNotAllowed, nullID, &JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: fmt.Sprintf("method %s not allowed", r.Method),
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		writeJSONRPCError(w, http.StatusOK, nullID, toJSONRPCError(fmt.Errorf("%w: %w", errParse, err)))
		return
	}

	f, err := ParseFrame(VariantJSONRPC, body)
	if err != nil {
		h.logger.Info("rejected malformed frame", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusOK, responseID(f.ID), toJSONRPCError(err))
		return
	}

	resp, err := h.sess.handle(r.Context(), h.srv, f)
	if err != nil {
		writeJSONRPCError(w, http.StatusOK, responseID(f.ID), toJSONRPCError(err))
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// RawHandler serves single tool calls without any protocol envelope. The request body is
// {"name": ..., "arguments": {...}}; a successful call answers with the tool's structured output
// verbatim, failures answer with {"error": {...}} and a status reflecting the failure.
type RawHandler struct {
	srv    Server
	sess   *session
	logger *slog.Logger
}

type rawError struct {
	Kind    string          `json:"kind"`
	Status  int             `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// NewRawHandler creates a stateless raw tool call handler.
func NewRawHandler(srv Server, logger *slog.Logger) *RawHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawHandler{
		srv:    srv,
		sess:   srv.newSession(statelessSessionID, true),
		logger: logger.With(slog.String("component", "raw")),
	}
}

// ServeHTTP implements http.Handler.
func (h *RawHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	f, err := parseRawFrame(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	result, err := h.sess.call(r.Context(), h.srv, f)
	switch {
	case errors.Is(err, ErrUnknownTool):
		h.writeError(w, http.StatusNotFound, "unknown_tool", err.Error())
		return
	case errors.Is(err, ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	case err != nil:
		h.logger.Error("tool call failed", slog.String("err", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	res, ok := result.(CallToolResult)
	if !ok {
		h.logger.Error("unexpected tool call result", slog.String("type", fmt.Sprintf("%T", result)))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	if res.IsError {
		h.writeToolError(w, res)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(toolPayload(res)); err != nil {
		h.logger.Debug("failed to write response", slog.String("err", err.Error()))
	}
}

// writeToolError relays a failed tool result. Tool failures are backend failures, so they map to
// 502 with the structured descriptor when one is available.
func (h *RawHandler) writeToolError(w http.ResponseWriter, res CallToolResult) {
	descriptor := res.StructuredContent
	if len(descriptor) == 0 {
		bs, _ := json.Marshal(rawError{
			Kind:    "backend_request_failed",
			Details: marshalString(contentText(res)),
		})
		descriptor = bs
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	if err := json.NewEncoder(w).Encode(map[string]json.RawMessage{"error": descriptor}); err != nil {
		h.logger.Debug("failed to write response", slog.String("err", err.Error()))
	}
}

func (h *RawHandler) writeError(w http.ResponseWriter, status int, kind, details string) {
	e := rawError{Kind: kind}
	if details != "" {
		e.Details = marshalString(details)
	}
	writeJSON(w, status, map[string]rawError{"error": e})
}

// toolPayload returns the machine-readable form of a tool result: structured content when
// present, otherwise the first text content as JSON when it is valid JSON, otherwise the text as
// a JSON string.
func toolPayload(res CallToolResult) []byte {
	if len(res.StructuredContent) > 0 {
		return res.StructuredContent
	}
	text := contentText(res)
	if json.Valid([]byte(text)) {
		return []byte(text)
	}
	return marshalString(text)
}

func contentText(res CallToolResult) string {
	for _, c := range res.Content {
		if c.Type == ContentTypeText {
			return c.Text
		}
	}
	return ""
}

func marshalString(s string) json.RawMessage {
	bs, _ := json.Marshal(s)
	return bs
}
