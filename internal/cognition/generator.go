package cognition

import "context"

// Message is one turn in a chat exchange, in OpenAI wire shape.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its raw argument JSON.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef declares one callable tool to the model.
type ToolDef struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the JSON-schema half of a tool declaration.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Usage reports token consumption for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one generation call: the conversation so far plus the
// tools the model may invoke.
type Request struct {
	Messages []Message
	Tools    []ToolDef
}

// Reply is the model's turn: prose, tool calls, or both.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Generator produces one assistant turn. Implementations wrap a model
// endpoint; tests script it.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}
