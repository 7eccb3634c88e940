// Package tools holds the registry of capabilities the model can
// request, and the built-in tool packs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool is one invocable capability.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Description returns natural-language text used both in the
	// prompt and as the embedding source for tool selection.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool and returns the observation text.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Descriptor is the read-only view of a registered tool, in the form
// offered to the model.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// DuplicateToolError reports a second registration under the same name.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// UnknownToolError reports a lookup of a name that was never registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ExecutionError wraps a failure raised by the tool itself.
type ExecutionError struct {
	Tool  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// TimeoutError reports an invocation that exceeded the per-tool
// deadline.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// decodeStringArg extracts a single string argument from tool input.
// Accepts {"<key>": "..."}, the loop's {"input": "..."} wrap for inputs
// it could not parse as JSON, and a bare JSON string.
func decodeStringArg(input json.RawMessage, key string) (string, error) {
	if len(input) == 0 {
		return "", fmt.Errorf("missing %q argument", key)
	}

	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err == nil {
		if v, ok := obj[key].(string); ok && v != "" {
			return v, nil
		}
		if v, ok := obj["input"].(string); ok && v != "" {
			return v, nil
		}
		return "", fmt.Errorf("missing %q argument", key)
	}

	var s string
	if err := json.Unmarshal(input, &s); err == nil && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("missing %q argument", key)
}
