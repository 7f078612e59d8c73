package mcp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidArgument is returned when a request or tool input is malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoSession is returned when a frame requires a session that was never established.
	ErrNoSession = errors.New("bad request: no valid session id provided")
	// ErrSessionNotFound is returned for unknown, expired, or closed session identifiers.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownMethod is returned for protocol methods the server does not handle.
	ErrUnknownMethod = errors.New("method not found")
	// ErrUnknownTool is returned when a tools/call names a tool the server does not expose.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrAlreadyInitialized is returned when initialize arrives on an established session.
	ErrAlreadyInitialized = errors.New("session already initialized")

	errParse          = errors.New("parse error")
	errInvalidRequest = errors.New("invalid request")
)

// toJSONRPCError converts any error surfaced by the dispatch table into the error object sent on
// the wire. Errors that are already JSONRPCError pass through unchanged.
func toJSONRPCError(err error) *JSONRPCError {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return &jsonErr
	}

	code := jsonRPCInternalErrorCode
	msg := "Internal error"

	switch {
	case errors.Is(err, errParse):
		code, msg = jsonRPCParseErrorCode, err.Error()
	case errors.Is(err, errInvalidRequest), errors.Is(err, ErrAlreadyInitialized):
		code, msg = jsonRPCInvalidRequestCode, err.Error()
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnknownTool):
		code, msg = jsonRPCInvalidParamsCode, err.Error()
	case errors.Is(err, ErrUnknownMethod):
		code, msg = jsonRPCMethodNotFoundCode, err.Error()
	case errors.Is(err, ErrNoSession):
		code, msg = jsonRPCNoSessionCode, err.Error()
	case errors.Is(err, ErrSessionNotFound):
		code, msg = jsonRPCSessionNotFoundCode, err.Error()
	}

	return &JSONRPCError{Code: code, Message: msg}
}

// httpStatusFor reports the HTTP status used by the streamable transport for errors that
// prevent a frame from reaching a session at all.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, errParse), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
