package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/iambrandonn/arbor/internal/scheduler"
)

const (
	toolOpen  = "<tool_call>"
	toolClose = "</tool_call>"
)

var errNoJSON = errors.New("no JSON object in reply")

// extractJSON returns the outermost {...} span, ignoring code fences and
// surrounding prose
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 {
		return "", errNoJSON
	}
	if end < start {
		// Truncated reply; let the repairer close it
		return raw[start:], nil
	}
	return raw[start : end+1], nil
}

// decodeJSON decodes a model reply into v, repairing the common defects
// models produce (trailing commas, single quotes, missing braces)
func decodeJSON(raw string, v any) error {
	s, err := extractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return fmt.Errorf("repair JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("decode repaired JSON: %w", err)
	}
	return nil
}

// parseToolCall finds the last <tool_call> block in a reply. No block means
// the reply is final.
func parseToolCall(text string) (*scheduler.ToolCall, error) {
	start := strings.LastIndex(text, toolOpen)
	if start < 0 {
		return nil, nil
	}
	body := text[start+len(toolOpen):]
	if end := strings.Index(body, toolClose); end >= 0 {
		body = body[:end]
	}

	var call struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := decodeJSON(body, &call); err != nil {
		return nil, fmt.Errorf("tool call: %w", err)
	}
	if call.Name == "" {
		return nil, errors.New("tool call: missing name")
	}

	input := ""
	if len(call.Input) > 0 {
		var s string
		if err := json.Unmarshal(call.Input, &s); err == nil {
			input = s
		} else {
			input = string(call.Input)
		}
	}
	return &scheduler.ToolCall{Name: call.Name, Input: input}, nil
}
