package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// trimString removes leading and trailing whitespace from a string.
func trimString(s string) string {
	return strings.TrimSpace(s)
}

// splitList parses a comma-separated parameter, dropping blank entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = trimString(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// requireUUID reads a required UUID parameter. A missing or malformed value
// yields an invalid_parameters tool result.
func requireUUID(req mcp.CallToolRequest, name string) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString(name)
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_parameters", err.Error())
	}
	id, err := uuid.Parse(trimString(raw))
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_parameters", fmt.Sprintf("parameter '%s' must be a UUID", name))
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
