package replay

import (
	"encoding/json"
	"fmt"
)

type (
	// CheckpointNotFoundError is returned when the trace has no checkpoint
	// matching the replay options.
	CheckpointNotFoundError struct {
		// TraceID is the trace being replayed.
		TraceID string
		// Step is the requested step, nil when any checkpoint would do.
		Step *int
		// Available lists the recorded checkpoint steps, sorted.
		Available []int
	}

	// SignatureMismatchError is returned when a resumed tool call's arguments
	// differ from the recorded ones.
	SignatureMismatchError struct {
		TraceID string
		// CallID is the recorded call the invocation was matched against.
		CallID string
		ToolID string
		// Recorded is the recorded argument payload.
		Recorded any
		// Provided is the argument payload of the resumed invocation.
		Provided json.RawMessage
	}

	// UnexpectedCallError is returned when the resumed execution invokes a
	// tool with no matching recorded call and no queued mock.
	UnexpectedCallError struct {
		TraceID string
		ToolID  string
	}

	// MissingResponseError is returned when a matched recorded call carries
	// neither a result nor an error, so replay has nothing to serve.
	MissingResponseError struct {
		TraceID string
		CallID  string
		ToolID  string
	}

	// RecordedError re-surfaces a tool failure exactly where the original run
	// observed one.
	RecordedError struct {
		TraceID string
		CallID  string
		ToolID  string
		Message string
	}

	// DivergenceError is returned when the resumed execution finished without
	// consuming every queued mock and recorded call.
	DivergenceError struct {
		TraceID string
		// UnconsumedMocks lists the tool ids of leftover mocks and recorded
		// calls, sorted, with one entry per leftover item.
		UnconsumedMocks []string
	}
)

func (e *CheckpointNotFoundError) Error() string {
	if e.Step != nil {
		return fmt.Sprintf("trace %s: no checkpoint at step %d (available: %v)", e.TraceID, *e.Step, e.Available)
	}
	return fmt.Sprintf("trace %s: no checkpoints recorded", e.TraceID)
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("trace %s: tool %s call %s: arguments differ from recording", e.TraceID, e.ToolID, e.CallID)
}

func (e *UnexpectedCallError) Error() string {
	return fmt.Sprintf("trace %s: tool %s: no recorded call or mock left to serve", e.TraceID, e.ToolID)
}

func (e *MissingResponseError) Error() string {
	return fmt.Sprintf("trace %s: tool %s call %s: recording has no response", e.TraceID, e.ToolID, e.CallID)
}

func (e *RecordedError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.ToolID, e.Message)
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("trace %s: replay diverged, unconsumed mocks: %v", e.TraceID, e.UnconsumedMocks)
}
