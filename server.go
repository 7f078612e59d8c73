package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the Model Context Protocol dispatch shared by every transport. It owns the
// method table, the server identity advertised during initialization, and the factory that
// builds a ToolServer for each new session.
//
// Server holds no per-client state; sessions created by the transports do.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	newToolServer ToolServerFactory

	metrics *Metrics
	logger  *slog.Logger

	handlers map[string]methodHandler
}

type methodHandler func(ctx context.Context, sess *session, f Frame) (any, error)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, options ...ServerOption) Server {
	s := Server{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}

	s.capabilities = ServerCapabilities{}
	if s.newToolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	s.handlers = map[string]methodHandler{
		methodInitialize:               s.handleInitialize,
		methodNotificationsInitialized: s.handleInitialized,
		methodNotificationsCancelled:   s.handleCancelled,
		methodPing:                     s.handlePing,
		MethodToolsList:                s.handleListTools,
		MethodToolsCall:                s.handleCallTool,
	}

	return s
}

// WithToolServer returns a ServerOption that shares one tool server implementation across all
// sessions.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.newToolServer = func() ToolServer { return srv }
	}
}

// WithToolServerFactory returns a ServerOption that builds a fresh tool server for every session.
func WithToolServerFactory(factory ToolServerFactory) ServerOption {
	return func(s *Server) {
		s.newToolServer = factory
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerMetrics returns a ServerOption that records frame outcomes.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "daycontext-mcp"),
			slog.String("component", "server"),
		)
	}
}

func (s Server) newSession(id string, stateless bool) *session {
	var ts ToolServer
	if s.newToolServer != nil {
		ts = s.newToolServer()
	}
	return newSession(id, ts, stateless, s.logger.With(slog.String("sessionID", id)))
}

// dispatch routes a frame through the method table. The returned result is marshalled as the
// response's result; a nil result together with a nil error means no response is due.
func (s Server) dispatch(ctx context.Context, sess *session, f Frame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("panic while handling frame",
				slog.String("method", f.Method),
				slog.Any("panic", r))
			result, err = nil, panicError(r)
		}
	}()

	if f.isResponse {
		return nil, nil
	}

	handler, ok := s.handlers[f.Method]
	if !ok {
		if f.IsNotification() {
			sess.logger.Debug("ignoring unknown notification", slog.String("method", f.Method))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, f.Method)
	}

	return handler(ctx, sess, f)
}

// handle dispatches a frame and wraps the outcome into a JSON-RPC response. It returns nil when
// the frame is a notification.
func (s Server) handle(ctx context.Context, sess *session, f Frame) *JSONRPCMessage {
	result, err := s.dispatch(ctx, sess, f)
	s.metrics.observeFrame(f, err)

	if f.IsNotification() {
		if err != nil {
			sess.logger.Warn("failed to handle notification",
				slog.String("method", f.Method),
				slog.String("err", err.Error()))
		}
		return nil
	}

	return s.response(sess.logger, f.ID, f.Method, result, err)
}

func (s Server) response(logger *slog.Logger, id RequestID, method string, result any, err error) *JSONRPCMessage {
	resMsg := &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if len(resMsg.ID) == 0 {
		resMsg.ID = nullID
	}

	if err != nil {
		resMsg.Error = toJSONRPCError(err)
		logger.Info("failed to handle request",
			slog.String("method", method),
			slog.Int("code", resMsg.Error.Code),
			slog.String("err", err.Error()))
		return resMsg
	}

	resBs, mErr := json.Marshal(result)
	if mErr != nil {
		logger.Error("failed to marshal result", slog.String("method", method), slog.String("err", mErr.Error()))
		resMsg.Error = toJSONRPCError(mErr)
		return resMsg
	}
	resMsg.Result = resBs

	return resMsg
}

func (s Server) handleInitialize(_ context.Context, sess *session, f Frame) (any, error) {
	var params InitializeParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	version := negotiateProtocolVersion(params.ProtocolVersion)
	if err := sess.initialize(version, params.ClientInfo); err != nil {
		return nil, err
	}

	sess.logger.Info("client initialized session",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", version))

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s Server) handleInitialized(_ context.Context, sess *session, _ Frame) (any, error) {
	sess.markReady()
	return nil, nil
}

func (s Server) handleCancelled(_ context.Context, sess *session, f Frame) (any, error) {
	var params notificationsCancelledParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cancelled params: %w", err)
	}
	// Requests on a session run to completion; cancellation is only recorded.
	sess.logger.Info("client cancelled request",
		slog.String("requestID", params.RequestID.String()),
		slog.String("reason", params.Reason))
	return nil, nil
}

func (s Server) handlePing(_ context.Context, _ *session, _ Frame) (any, error) {
	return struct{}{}, nil
}

func (s Server) handleListTools(ctx context.Context, sess *session, f Frame) (any, error) {
	if sess.tools == nil {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal params: %w", ErrInvalidArgument, err)
		}
	}

	ts, err := sess.tools.ListTools(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	return ts, nil
}

func (s Server) handleCallTool(ctx context.Context, sess *session, f Frame) (any, error) {
	if sess.tools == nil {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal params: %w", ErrInvalidArgument, err)
	}

	result, err := sess.tools.CallTool(ctx, params)
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrUnknownTool) {
			return nil, err
		}
		sess.logger.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}
