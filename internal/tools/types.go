// Package tools defines the mediated tool surface exposed to the model.
//
// Every action the assistant takes against the host goes through a Tool
// registered here. Read-only tools call the gateway directly; anything
// that would change a file is funneled through the changeset manager, so
// no tool ever writes to disk on its own.
package tools

import "context"

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements. Object elements
// carry their own properties and required list.
type PropertyItems struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Schema defines the JSON schema for tool arguments.
// This enables LLM tool calling with proper validation.
type Schema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// parameters renders the schema as the JSON-schema object the chat
// completions API expects for a function definition.
func (s Schema) parameters() map[string]any {
	props := s.Properties
	if props == nil {
		props = map[string]Property{}
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ExecuteFunc is the signature for tool execution.
// Returns the result string and any error.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool defines a single capability the model can invoke.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does.
	// Sent to the model as part of the function definition.
	Description string

	// Execute runs the tool with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema Schema
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Result wraps the result of tool execution with metadata.
type Result struct {
	// ToolName identifies which tool was executed.
	ToolName string

	// CallID is the model-assigned id of the call that produced this result.
	CallID string

	// Content is the string output from the tool.
	Content string

	// Err is set if the tool failed.
	Err error

	// DurationMs is how long execution took.
	DurationMs int64
}

// IsSuccess returns true if the tool executed without error.
func (r *Result) IsSuccess() bool {
	return r.Err == nil
}
