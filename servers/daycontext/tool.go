package daycontext

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/MegaGrindStone/daycontext-mcp"
	"github.com/MegaGrindStone/daycontext-mcp/backend"
)

var digitsPattern = regexp.MustCompile(`^[0-9]+$`)

// ToolGetDayContext is the name of the only tool this server exposes.
const ToolGetDayContext = "get_day_context"

var dayContextSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "user_id": {
      "type": "integer",
      "description": "Backend user id"
    },
    "day": {
      "type": "string",
      "pattern": "^\\d{4}-\\d{2}-\\d{2}$",
      "description": "Day in YYYY-MM-DD format"
    }
  },
  "required": ["user_id", "day"],
  "additionalProperties": false
}`)

var toolList = mcp.ListToolsResult{
	Tools: []mcp.Tool{
		{
			Name: ToolGetDayContext,
			Description: "Get the nutrition summary of a user for one day: total calories, protein, " +
				"fat and carbs, and the meals logged that day.",
			InputSchema: dayContextSchema,
		},
	},
}

type dayContextArgs struct {
	UserID int64
	Day    string
}

// parseDayContextArgs validates the tool arguments. user_id may be a JSON integer or a string
// of digits; day must match YYYY-MM-DD.
func parseDayContextArgs(raw json.RawMessage) (dayContextArgs, error) {
	var in struct {
		UserID json.RawMessage `json:"user_id"`
		Day    *string         `json:"day"`
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return dayContextArgs{}, fmt.Errorf("%w: missing arguments", mcp.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return dayContextArgs{}, fmt.Errorf("%w: failed to unmarshal arguments: %w", mcp.ErrInvalidArgument, err)
	}

	if len(in.UserID) == 0 || bytes.Equal(in.UserID, []byte("null")) {
		return dayContextArgs{}, fmt.Errorf("%w: user_id is required", mcp.ErrInvalidArgument)
	}
	userID, err := parseUserID(in.UserID)
	if err != nil {
		return dayContextArgs{}, err
	}

	if in.Day == nil {
		return dayContextArgs{}, fmt.Errorf("%w: day is required", mcp.ErrInvalidArgument)
	}
	if backend.ValidateDay(*in.Day) != nil {
		return dayContextArgs{}, fmt.Errorf("%w: day %q must match YYYY-MM-DD", mcp.ErrInvalidArgument, *in.Day)
	}

	return dayContextArgs{UserID: userID, Day: *in.Day}, nil
}

func parseUserID(raw json.RawMessage) (int64, error) {
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: user_id: %w", mcp.ErrInvalidArgument, err)
		}
		if !digitsPattern.MatchString(text) {
			return 0, fmt.Errorf("%w: user_id string must contain only digits, got %s", mcp.ErrInvalidArgument, raw)
		}
	} else {
		text = string(raw)
	}

	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: user_id must be an integer, got %s", mcp.ErrInvalidArgument, raw)
	}
	return id, nil
}
