// Package daycontext exposes the get_day_context tool, which returns a user's nutrition summary
// for one day as reported by the backend.
package daycontext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/daycontext-mcp"
	"github.com/MegaGrindStone/daycontext-mcp/backend"
)

// DayFetcher retrieves the backend's day summary. *backend.Client implements it.
type DayFetcher interface {
	DayContext(ctx context.Context, userID int64, day string) (json.RawMessage, error)
}

// Server implements mcp.ToolServer for the get_day_context tool.
type Server struct {
	backend DayFetcher
	logger  *slog.Logger
}

// NewServer creates a tool server forwarding calls to fetcher.
func NewServer(fetcher DayFetcher, logger *slog.Logger) Server {
	if logger == nil {
		logger = slog.Default()
	}
	return Server{
		backend: fetcher,
		logger:  logger.With(slog.String("component", "daycontext")),
	}
}

// ListTools implements mcp.ToolServer interface.
func (s Server) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return toolList, nil
}

// CallTool implements mcp.ToolServer interface.
//
// Invalid arguments and unknown tool names are returned as errors wrapping mcp.ErrInvalidArgument
// and mcp.ErrUnknownTool. A failed backend call is not an error: it yields a result with IsError
// set whose content is the backend error descriptor.
func (s Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	switch params.Name {
	case ToolGetDayContext:
		return s.getDayContext(ctx, params)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", mcp.ErrUnknownTool, params.Name)
	}
}

func (s Server) getDayContext(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	args, err := parseDayContextArgs(params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	body, err := s.backend.DayContext(ctx, args.UserID, args.Day)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidArgument) {
			return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrInvalidArgument, err)
		}
		return errorResult(backend.Describe(err))
	}

	result := mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(body),
			},
		},
	}
	// structuredContent must be a JSON object; anything else travels as text only.
	if isJSONObject(body) {
		result.StructuredContent = body
	}
	return result, nil
}

func isJSONObject(body json.RawMessage) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func errorResult(descriptor backend.ErrorDescriptor) (mcp.CallToolResult, error) {
	descBs, err := json.Marshal(descriptor)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal error descriptor: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(descBs),
			},
		},
		StructuredContent: descBs,
		IsError:           true,
	}, nil
}
