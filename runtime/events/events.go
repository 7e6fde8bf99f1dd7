// Package events defines the stream event vocabulary emitted by the step-loop
// driver. Events are a closed, enumerable set of variants discriminated by an
// EventType constant; every variant embeds Base and carries a per-run strictly
// increasing sequence number and a wall-clock emission timestamp.
//
// Events are immutable after construction. The driver is the sole writer of
// sequence numbers: consumers observe events in non-decreasing sequence order
// and must not assume a specific step emits a fixed event count, only that
// step-start precedes all events of that step and step-end follows them.
package events

import (
	"encoding/json"
	"time"

	"goa.design/rewind/runtime/model"
)

type (
	// Event describes a single stream event produced during a run. All concrete
	// event types embed Base to provide standard metadata (type, run ID,
	// sequence, emission time, payload). Sinks use the Event interface to
	// marshal events generically; consumers type-assert to concrete types when
	// they need structured field access.
	Event interface {
		// Type returns the event type constant (e.g., EventToken, EventToolCall).
		Type() EventType

		// RunID returns the unique run identifier that produced this event. All
		// events within a single run share the same run ID.
		RunID() string

		// ThreadID returns the optional conversation thread identifier for the
		// run. Empty when the run is not attached to a thread.
		ThreadID() string

		// Sequence returns the per-run strictly increasing sequence number used
		// for total ordering and replay determinism.
		Sequence() uint64

		// EmittedAt returns the wall-clock emission time. It is volatile and
		// excluded from event equality and artifact hashing.
		EmittedAt() time.Time

		// Payload returns the event-specific data in a JSON-serializable form.
		Payload() any
	}

	// RunStart opens a run's event stream. It is always the first event of a run.
	RunStart struct {
		Base
		Data RunStartPayload
	}

	// StepStart marks the beginning of step StepIndex. All events of that step
	// follow it in sequence order.
	StepStart struct {
		Base
		Data StepPayload
	}

	// MessageStart marks the beginning of an assistant message within a step.
	MessageStart struct {
		Base
		Data MessageStartPayload
	}

	// Token streams an incremental assistant text delta. Accumulated always
	// equals the concatenation of all prior deltas of the same message plus the
	// current delta.
	Token struct {
		Base
		Data TokenPayload
	}

	// ToolCall records a tool invocation requested by the model. The tool has
	// not executed yet when this event is emitted.
	ToolCall struct {
		Base
		Data ToolCallPayload
	}

	// ToolResult records the successful completion of a tool execution. It is
	// emitted immediately when the execution completes, not buffered to the end
	// of the step.
	ToolResult struct {
		Base
		Data ToolResultPayload
	}

	// ToolError records a failed tool execution. Executor errors never abort
	// the stream; they surface as ToolError events plus failure-flagged tool
	// result messages in history.
	ToolError struct {
		Base
		Data ToolErrorPayload
	}

	// Usage reports cumulative token usage for the step.
	Usage struct {
		Base
		Data UsagePayload
	}

	// MessageEnd marks the end of an assistant message with its finish reason.
	MessageEnd struct {
		Base
		Data MessageEndPayload
	}

	// StepEnd marks the end of model generation for step StepIndex. Tool
	// executions requested during the step follow it.
	StepEnd struct {
		Base
		Data StepPayload
	}

	// StepComplete marks the end of step StepIndex after all requested tools
	// have executed and their results were appended to history.
	StepComplete struct {
		Base
		Data StepPayload
	}

	// RunEnd terminates a successful run's event stream with the final result.
	RunEnd struct {
		Base
		Data RunEndPayload
	}

	// StreamError terminates a run's event stream after an upstream failure or
	// cancellation. It carries whatever partial text and tool state had
	// accumulated, annotated with the tools that already committed side effects.
	StreamError struct {
		Base
		Data StreamErrorPayload
	}

	// RunStartPayload carries the run opening metadata.
	RunStartPayload struct {
		// StartedAt is the wall-clock run start time.
		StartedAt time.Time `json:"started_at"`
		// Input captures the run input.
		Input RunInputPayload `json:"input"`
	}

	// RunInputPayload is the initial conversation input for a run.
	RunInputPayload struct {
		// Message is the triggering user message.
		Message string `json:"message"`
		// PreviousMessages is the prior conversation history, oldest first.
		PreviousMessages []*model.Message `json:"previous_messages,omitempty"`
	}

	// StepPayload identifies a step for step-start, step-end, and step-complete.
	StepPayload struct {
		// StepIndex is the 0-indexed step number within the run.
		StepIndex int `json:"step_index"`
	}

	// MessageStartPayload identifies a new assistant message.
	MessageStartPayload struct {
		// MessageID uniquely identifies the message within the run.
		MessageID string `json:"message_id"`
		// Step is the step index the message belongs to.
		Step int `json:"step"`
		// Role is the message role, always "assistant" for driver-emitted messages.
		Role string `json:"role"`
	}

	// TokenPayload carries one streamed text delta.
	TokenPayload struct {
		// MessageID identifies the message the delta extends.
		MessageID string `json:"message_id"`
		// Step is the step index the message belongs to.
		Step int `json:"step"`
		// Delta is the incremental text fragment.
		Delta string `json:"delta"`
		// Accumulated is the concatenation of all deltas for the message up to
		// and including this one (prefix-sum invariant).
		Accumulated string `json:"accumulated"`
	}

	// ToolCallPayload describes a tool invocation requested by the model.
	ToolCallPayload struct {
		// ToolCallID uniquely identifies this invocation within the step.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool identifier requested by the model.
		ToolName string `json:"tool_name"`
		// Input is the canonical JSON arguments for the call.
		Input json.RawMessage `json:"input,omitempty"`
		// StartedAt is the wall-clock time the call was recorded.
		StartedAt time.Time `json:"started_at"`
	}

	// ToolResultPayload describes a successful tool completion.
	ToolResultPayload struct {
		// ToolCallID references the originating tool call.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool identifier that produced the result.
		ToolName string `json:"tool_name"`
		// Output is the canonical JSON result of the execution.
		Output json.RawMessage `json:"output,omitempty"`
		// CompletedAt is the wall-clock completion time.
		CompletedAt time.Time `json:"completed_at"`
		// DurationMs is CompletedAt minus the matching tool call's StartedAt,
		// in milliseconds.
		DurationMs int64 `json:"duration_ms"`
	}

	// ToolErrorPayload describes a failed tool execution. It carries the same
	// correlation keys as ToolResultPayload with an error detail instead of an
	// output.
	ToolErrorPayload struct {
		// ToolCallID references the originating tool call.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool identifier that failed.
		ToolName string `json:"tool_name"`
		// Error describes the failure.
		Error ErrorDetail `json:"error"`
		// CompletedAt is the wall-clock failure time.
		CompletedAt time.Time `json:"completed_at"`
		// DurationMs is CompletedAt minus the matching tool call's StartedAt,
		// in milliseconds.
		DurationMs int64 `json:"duration_ms"`
	}

	// UsagePayload reports cumulative token usage for the step.
	UsagePayload struct {
		model.TokenUsage
	}

	// MessageEndPayload closes an assistant message.
	MessageEndPayload struct {
		// MessageID identifies the message being closed.
		MessageID string `json:"message_id"`
		// FinishedAt is the wall-clock completion time.
		FinishedAt time.Time `json:"finished_at"`
		// FinishReason is the provider stop reason (e.g., "stop_sequence",
		// "tool_calls", "max_tokens").
		FinishReason string `json:"finish_reason"`
	}

	// RunEndPayload carries the final run result.
	RunEndPayload struct {
		// FinishedAt is the wall-clock run completion time.
		FinishedAt time.Time `json:"finished_at"`
		// DurationMs is the total wall-clock run duration in milliseconds.
		DurationMs int64 `json:"duration_ms"`
		// Result is the aggregated run outcome.
		Result RunResultPayload `json:"result"`
	}

	// RunResultPayload aggregates the outcome of a completed run.
	RunResultPayload struct {
		// Content is the final accumulated assistant text.
		Content string `json:"content"`
		// ToolCalls summarizes every tool call executed during the run, in
		// execution order.
		ToolCalls []ToolCallSummary `json:"tool_calls,omitempty"`
		// Handoff records a delegation to another agent, when one occurred.
		Handoff *HandoffSummary `json:"handoff,omitempty"`
		// Usage is the cumulative token usage across all steps. Nil when the
		// provider reported no usage.
		Usage *model.TokenUsage `json:"usage,omitempty"`
	}

	// ToolCallSummary is the compact tool call record carried by RunEnd.
	ToolCallSummary struct {
		// ToolCallID is the invocation identifier.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool identifier.
		ToolName string `json:"tool_name"`
		// Step is the step index the call was requested in.
		Step int `json:"step"`
		// IsError reports whether the execution failed.
		IsError bool `json:"is_error,omitempty"`
	}

	// HandoffSummary records a delegation from one agent to another.
	HandoffSummary struct {
		// FromAgent is the delegating agent identifier. Empty for the root agent.
		FromAgent string `json:"from_agent,omitempty"`
		// ToAgent is the receiving agent identifier.
		ToAgent string `json:"to_agent"`
		// Message is the delegated input message.
		Message string `json:"message"`
		// Depth is the handoff nesting depth, starting at 1.
		Depth int `json:"depth"`
	}

	// StreamErrorPayload terminates a stream after an upstream failure.
	StreamErrorPayload struct {
		// StepIndex is the step during which the failure occurred.
		StepIndex int `json:"step_index"`
		// MessageID identifies the in-flight message, when one was open.
		MessageID string `json:"message_id,omitempty"`
		// Error describes the failure.
		Error ErrorDetail `json:"error"`
		// PartialText is the assistant text accumulated before the failure.
		PartialText string `json:"partial_text,omitempty"`
		// CommittedTools lists the tool call IDs whose side effects completed
		// before the failure. Consumers decide whether to treat those side
		// effects as committed; the driver does not roll back.
		CommittedTools []string `json:"committed_tools,omitempty"`
	}

	// ErrorDetail is the serializable error shape carried by ToolError and
	// StreamError events.
	ErrorDetail struct {
		// Message is the error message.
		Message string `json:"message"`
		// Name optionally classifies the error (e.g., "ToolNotFound").
		Name string `json:"name,omitempty"`
		// Stack optionally carries a diagnostic stack trace.
		Stack string `json:"stack,omitempty"`
	}

	// Base provides a default implementation of Event. Embed this struct in
	// concrete event types to inherit the interface methods. Field names are
	// abbreviated to minimize visual clutter when constructing events; consumers
	// use the interface methods or type-assert to concrete types.
	Base struct {
		// t is the event type constant.
		t EventType
		// r is the run identifier that produced this event.
		r string
		// th is the optional thread identifier for the run.
		th string
		// n is the per-run sequence number.
		n uint64
		// at is the wall-clock emission time.
		at time.Time
		// p is the JSON-serializable payload returned by Payload().
		p any
	}
)

// EventType enumerates stream event flavors.
type EventType string

const (
	// EventRunStart opens a run's event stream.
	EventRunStart EventType = "run-start"

	// EventStepStart marks the beginning of a step.
	EventStepStart EventType = "step-start"

	// EventMessageStart marks the beginning of an assistant message.
	EventMessageStart EventType = "message-start"

	// EventToken streams an incremental assistant text delta.
	EventToken EventType = "token"

	// EventToolCall records a tool invocation requested by the model.
	EventToolCall EventType = "tool-call"

	// EventToolResult records a successful tool completion.
	EventToolResult EventType = "tool-result"

	// EventToolError records a failed tool execution.
	EventToolError EventType = "tool-error"

	// EventUsage reports cumulative token usage for the step.
	EventUsage EventType = "usage"

	// EventMessageEnd closes an assistant message.
	EventMessageEnd EventType = "message-end"

	// EventStepEnd marks the end of model generation for a step.
	EventStepEnd EventType = "step-end"

	// EventStepComplete marks the end of a step after tool execution.
	EventStepComplete EventType = "step-complete"

	// EventRunEnd terminates a successful run.
	EventRunEnd EventType = "run-end"

	// EventStreamError terminates a run after an upstream failure or
	// cancellation.
	EventStreamError EventType = "stream-error"
)

// NewBase constructs a Base event with the given type, run/thread identifiers,
// sequence number, emission time, and payload.
func NewBase(t EventType, runID, threadID string, seq uint64, at time.Time, payload any) Base {
	return Base{t: t, r: runID, th: threadID, n: seq, at: at, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// RunID implements Event.RunID.
func (e Base) RunID() string { return e.r }

// ThreadID implements Event.ThreadID.
func (e Base) ThreadID() string { return e.th }

// Sequence implements Event.Sequence.
func (e Base) Sequence() uint64 { return e.n }

// EmittedAt implements Event.EmittedAt.
func (e Base) EmittedAt() time.Time { return e.at }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
