// Package artifact defines the canonical, deterministic projection of a run
// used by the evaluation machinery: comparison, replay, and assertions.
//
// An artifact is created once by the normalizer from either a live run record
// or a legacy trace, stored by trace ID, and never mutated after creation.
// Two semantically equal runs that differ only in wall-clock timing must
// produce byte-identical serialized artifacts: all timings are stored relative
// to the run origin, collections without a natural order are explicitly
// sorted before id derivation, and volatile keys are stripped from nested
// payloads.
package artifact

type (
	// Artifact is the canonical evaluation record for one run.
	Artifact struct {
		// Version is the artifact schema version.
		Version string `json:"version"`
		// TraceID is derived deterministically from the run ID and every
		// structural field; it never depends on wall-clock values.
		TraceID string `json:"trace_id"`
		// Run carries run-level identity and outcome flags.
		Run RunInfo `json:"run"`
		// Environment describes where the run executed.
		Environment Environment `json:"environment"`
		// Input is the triggering input.
		Input Input `json:"input"`
		// Routing is the routing decision for the run, when one was made.
		Routing *Routing `json:"routing,omitempty"`
		// Response is the final response.
		Response Response `json:"response"`
		// Steps are the run's steps sorted by (start time, name), with
		// positional indices.
		Steps []Step `json:"steps"`
		// ToolCalls are the run's tool calls sorted by start time.
		ToolCalls []ToolCall `json:"tool_calls"`
		// Checkpoints are the run's checkpoints sorted by (step, status).
		Checkpoints []Checkpoint `json:"checkpoints"`
		// Handoffs are the run's agent delegations in occurrence order.
		Handoffs []Handoff `json:"handoffs"`
	}

	// RunInfo carries run-level identity and outcome flags. Identifiers here
	// are semantic, not just wall-clock bookkeeping, so they are preserved at
	// the top level even though the same keys are stripped from nested
	// payloads.
	RunInfo struct {
		// RunID is the source run identifier.
		RunID string `json:"run_id"`
		// SourceTraceID references the trace this artifact was derived from,
		// when it was produced by replaying or re-normalizing another trace.
		SourceTraceID string `json:"source_trace_id,omitempty"`
		// HasError reports whether the run terminated with an error.
		HasError bool `json:"has_error"`
		// IsSlow flags runs whose duration exceeded the collector's slow
		// threshold.
		IsSlow bool `json:"is_slow"`
	}

	// Environment describes the execution environment of the recorded run.
	Environment struct {
		// Environment names the deployment environment (e.g., "ci", "local").
		Environment string `json:"environment"`
		// FrameworkVersion is the framework version that produced the run.
		FrameworkVersion string `json:"framework_version"`
		// GitCommit optionally pins the source revision.
		GitCommit string `json:"git_commit,omitempty"`
		// RuntimeVersion optionally records the language runtime version.
		RuntimeVersion string `json:"runtime_version,omitempty"`
		// Platform optionally records the OS/architecture.
		Platform string `json:"platform,omitempty"`
	}

	// Input is the triggering input of the run.
	Input struct {
		// Message is the user message that started the run.
		Message string `json:"message"`
	}

	// Routing is the routing decision that selected the handling agent.
	Routing struct {
		// Method is the routing method (e.g., "intent", "fallback").
		Method string `json:"method,omitempty"`
		// AgentID is the selected agent.
		AgentID string `json:"agent_id,omitempty"`
		// IntentID is the classified intent, when intent routing was used.
		IntentID string `json:"intent_id,omitempty"`
		// MatchType describes how the intent matched (e.g., "exact", "fuzzy").
		MatchType string `json:"match_type,omitempty"`
	}

	// Response is the final response of the run.
	Response struct {
		// Content is the response text.
		Content string `json:"content"`
		// Role is the response role, typically "assistant".
		Role string `json:"role,omitempty"`
		// Metadata carries response metadata with volatile keys stripped.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Timing is a wall-clock-free timing: the offset is relative to the run
	// origin (the earliest timestamp observed anywhere in the run) and the
	// duration is clamped to be non-negative.
	Timing struct {
		// OffsetMs is milliseconds since the run origin.
		OffsetMs int64 `json:"offset_ms"`
		// DurationMs is the span duration in milliseconds, never negative.
		DurationMs int64 `json:"duration_ms"`
	}

	// Step is one normalized run step.
	Step struct {
		// ID is the stable tuple-derived step identifier.
		ID string `json:"id"`
		// Index is the positional index after sorting, 0-based. It is not tied
		// to any original identifier.
		Index int `json:"index"`
		// Name is the step name.
		Name string `json:"name"`
		// Status is the step outcome (e.g., "success", "error").
		Status string `json:"status"`
		// Timing locates the step relative to the run origin.
		Timing Timing `json:"timing"`
		// Metadata carries step metadata with volatile keys stripped.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// ToolCall is one normalized tool invocation.
	ToolCall struct {
		// ID is derived from (step index, tool id, call ordinal).
		ID string `json:"id"`
		// StepIndex is the index of the containing step, or -1 for orphaned
		// calls whose start time falls inside no step window.
		StepIndex int `json:"step_index"`
		// ToolID is the tool identifier.
		ToolID string `json:"tool_id"`
		// CallOrdinal counts repeated calls to the same tool within the same
		// step, starting at 0, in start-time order.
		CallOrdinal int `json:"call_ordinal"`
		// Status is the call outcome (e.g., "success", "error").
		Status string `json:"status"`
		// Timing locates the call relative to the run origin.
		Timing Timing `json:"timing"`
		// Error carries the failure message for errored calls.
		Error string `json:"error,omitempty"`
		// Args is the call's argument payload.
		Args any `json:"args,omitempty"`
		// Result is the call's result payload. Nil for errored calls.
		Result any `json:"result,omitempty"`
		// InputHash is the deterministic hash of Args.
		InputHash string `json:"input_hash,omitempty"`
		// OutputHash is the deterministic hash of Result.
		OutputHash string `json:"output_hash,omitempty"`
	}

	// Checkpoint is one normalized run checkpoint.
	Checkpoint struct {
		// ID is the stable tuple-derived checkpoint identifier.
		ID string `json:"id"`
		// Step is the step index the checkpoint belongs to.
		Step int `json:"step"`
		// StepName optionally names the step.
		StepName string `json:"step_name,omitempty"`
		// Status is the checkpoint status.
		Status string `json:"status"`
		// Timing locates the checkpoint relative to the run origin.
		Timing Timing `json:"timing"`
		// Snapshot is the checkpoint's context snapshot with volatile keys
		// stripped. Replay passes it back to the host runtime's resume hook.
		Snapshot map[string]any `json:"snapshot,omitempty"`
	}

	// Handoff is one normalized agent delegation.
	Handoff struct {
		// ID is the stable tuple-derived handoff identifier.
		ID string `json:"id"`
		// FromAgent is the delegating agent. Empty for the root agent.
		FromAgent string `json:"from_agent,omitempty"`
		// ToAgent is the receiving agent.
		ToAgent string `json:"to_agent"`
		// Message is the delegated input message.
		Message string `json:"message"`
		// Depth is the delegation nesting depth, starting at 1.
		Depth int `json:"depth"`
		// Timing locates the handoff relative to the run origin.
		Timing Timing `json:"timing"`
	}

	// Summary is the compact listing entry returned by Store.List.
	Summary struct {
		// TraceID identifies the stored artifact.
		TraceID string `json:"trace_id"`
		// RunID is the source run identifier.
		RunID string `json:"run_id"`
		// Environment names the recording environment.
		Environment string `json:"environment"`
		// HasError reports whether the recorded run failed.
		HasError bool `json:"has_error"`
		// Steps is the number of steps in the artifact.
		Steps int `json:"steps"`
		// ToolCalls is the number of tool calls in the artifact.
		ToolCalls int `json:"tool_calls"`
	}
)

// Version is the current artifact schema version.
const Version = "1.0"

// Statuses shared by steps, tool calls, and checkpoints.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Summarize builds the listing entry for an artifact.
func Summarize(a *Artifact) Summary {
	return Summary{
		TraceID:     a.TraceID,
		RunID:       a.Run.RunID,
		Environment: a.Environment.Environment,
		HasError:    a.Run.HasError,
		Steps:       len(a.Steps),
		ToolCalls:   len(a.ToolCalls),
	}
}
