// Package model provides interfaces for LLM clients used by the step-loop
// driver. It defines a provider-agnostic abstraction over streaming chat
// completion APIs so the driver can consume generation fragments without
// coupling to specific SDKs. Implementations translate these normalized types
// into provider-specific formats.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client defines the contract the driver uses to invoke model generations.
	// Implementations wrap provider SDKs and translate Request/Chunk to
	// provider-specific formats. Clients should be thread-safe and reusable
	// across multiple runs.
	Client interface {
		// Stream sends a chat completion request and returns a Streamer that yields
		// incremental chunks (text deltas, tool call requests, a terminal stop chunk
		// with usage). The returned Streamer must be closed by callers. Providers
		// that do not support streaming should return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv return
	// Chunk values until io.EOF. Implementations must be safe to call from a
	// single goroutine and release any underlying resources when Close is invoked.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation. Fields
	// map to common provider parameters but may not be supported by all backends.
	Request struct {
		// Model identifies the target model using the provider-specific identifier.
		Model string

		// Messages is the ordered chat history provided to the model, including
		// system prompts, user inputs, prior assistant responses, and tool results.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition

		// MaxTokens caps the number of completion tokens the model can generate.
		// Zero means use the provider default.
		MaxTokens int

		// Temperature controls sampling temperature. Zero means greedy decoding.
		Temperature float32
	}

	// Message mirrors an LLM chat message with role and content. Messages form
	// the conversation history sent to the model. Assistant messages may carry
	// tool call requests; tool messages carry a single tool result.
	Message struct {
		// Role indicates the message role: "user", "assistant", "system", or
		// "tool" (tool results fed back to the model).
		Role string

		// Content is the message text. May be empty when the message only carries
		// tool calls or a tool result.
		Content string

		// ToolCalls lists the tool invocations requested by an assistant message.
		// Empty for other roles.
		ToolCalls []ToolCallRequest

		// ToolResult carries the result payload for a "tool" role message. Nil for
		// other roles.
		ToolResult *ToolResult

		// Meta carries provider-specific metadata like message IDs. The driver
		// preserves it on history messages but never interprets it.
		Meta map[string]any
	}

	// ToolCallRequest captures a tool invocation requested by the model during
	// function calling. The driver executes the corresponding executor and feeds
	// the result back as a tool message on the next step.
	ToolCallRequest struct {
		// ID is the provider-assigned identifier for this tool call. The matching
		// tool result message must reference the same ID.
		ID string

		// Name identifies which tool should be invoked (must match a
		// ToolDefinition.Name from the request).
		Name string

		// Input carries the canonical JSON arguments requested by the model. The
		// shape conforms to the InputSchema declared for the tool.
		Input json.RawMessage
	}

	// ToolResult is the payload of a "tool" role message appended to history
	// after a tool execution completes.
	ToolResult struct {
		// ToolCallID references the ToolCallRequest this result answers.
		ToolCallID string

		// ToolName is the tool identifier that produced the result.
		ToolName string

		// Content is the canonical JSON output of the tool. On failure it carries
		// the serialized error detail instead.
		Content json.RawMessage

		// IsFailure reports whether the execution failed. Failed results are still
		// appended to history so the model can observe and react to the failure.
		IsFailure bool
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling. The model uses the name and description to decide when
	// to invoke the tool, and the schema to generate valid arguments.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema describing the tool's input parameters.
		InputSchema json.RawMessage
	}

	// Chunk represents a streaming event emitted by the model. The Type value
	// indicates which payload fields are populated. Allowed Type values are:
	// "text", "tool_call", and "stop".
	//
	//   - "text":      Text contains an assistant text delta.
	//   - "tool_call": ToolCall is populated with the requested tool invocation.
	//   - "stop":      StopReason explains the termination reason and Usage
	//                  reports the cumulative token usage for the generation.
	Chunk struct {
		// Type is the chunk kind. One of: "text", "tool_call", or "stop".
		Type string
		// Text contains the assistant text delta when Type == "text".
		Text string
		// ToolCall carries the requested tool invocation when Type == "tool_call".
		ToolCall *ToolCallRequest
		// Usage reports cumulative token usage when Type == "stop". Nil when the
		// provider does not report usage.
		Usage *TokenUsage
		// StopReason explains termination when Type == "stop". Common values
		// include "stop_sequence", "max_tokens", and "tool_calls".
		StopReason string
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider. All fields are zero if the provider doesn't report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the input prompt and history.
		InputTokens int `json:"input_tokens"`

		// OutputTokens counts tokens produced by the model in this completion.
		OutputTokens int `json:"output_tokens"`

		// TotalTokens reports the aggregate tokens consumed. Some providers
		// compute this differently than Input + Output, so prefer this field
		// when available.
		TotalTokens int `json:"total_tokens"`
	}
)

// Chunk type constants are the well-known streaming event kinds produced by
// model providers. These values populate Chunk.Type.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeStop     = "stop"
)

// Conversation role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Middlewares use this signal to back off.
var ErrRateLimited = errors.New("model: rate limited")
