package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/rewind/eval/artifact"
	"goa.design/rewind/runtime/events"
)

type (
	// RunRecord is the intermediate run representation consumed by the
	// normalizer. Live runs produce one via CollectRecord; legacy traces are
	// converted into the same shape before normalization.
	RunRecord struct {
		// RunID identifies the run.
		RunID string
		// ThreadID is the optional conversation thread identifier.
		ThreadID string
		// StartedAt is the wall-clock run start time.
		StartedAt time.Time
		// FinishedAt is the wall-clock run end time, whether the run succeeded
		// or failed.
		FinishedAt time.Time
		// InputMessage is the triggering user message.
		InputMessage string
		// ResponseContent is the final assistant text, or the partial text when
		// the run failed mid-stream.
		ResponseContent string
		// ResponseRole is the role of the final response message.
		ResponseRole string
		// ResponseMetadata carries response annotations subject to volatile-key
		// stripping.
		ResponseMetadata map[string]any
		// Routing is the routing decision for the run, when one was made.
		Routing *artifact.Routing
		// HasError reports whether the run terminated with a stream error.
		HasError bool
		// Steps are the raw step spans.
		Steps []StepSpan
		// ToolCalls are the raw tool call spans.
		ToolCalls []ToolCallSpan
		// Checkpoints are checkpoint spans recorded with the run.
		Checkpoints []CheckpointSpan
		// Handoffs are agent delegations recorded during the run.
		Handoffs []HandoffSpan
	}

	// StepSpan is a raw step observation with absolute timestamps.
	StepSpan struct {
		Name        string
		Status      string
		StartedAt   time.Time
		CompletedAt time.Time
		Metadata    map[string]any
	}

	// ToolCallSpan is a raw tool call observation. StepIndex is set when the
	// producer knows step membership; nil requests interval-based resolution
	// against the step windows.
	ToolCallSpan struct {
		ToolID      string
		Status      string
		StartedAt   time.Time
		CompletedAt time.Time
		Error       string
		Args        json.RawMessage
		Result      json.RawMessage
		StepIndex   *int
	}

	// CheckpointSpan is a raw checkpoint observation.
	CheckpointSpan struct {
		Step      int
		StepName  string
		Status    string
		CreatedAt time.Time
		Snapshot  map[string]any
	}

	// HandoffSpan is a raw agent delegation observation.
	HandoffSpan struct {
		FromAgent string
		ToAgent   string
		Message   string
		Depth     int
		At        time.Time
	}
)

// CollectRecord folds a collected event stream into a RunRecord. Events must
// belong to a single run and be in sequence order, which is what a Collector
// sink yields.
func CollectRecord(evts []events.Event) *RunRecord {
	rec := &RunRecord{ResponseRole: "assistant"}

	type openStep struct {
		index   int
		started time.Time
	}
	type openCall struct {
		toolID  string
		started time.Time
		args    json.RawMessage
		step    int
	}
	var (
		current   *openStep
		openCalls = make(map[string]openCall)
	)

	closeStep := func(at time.Time, status string) {
		if current == nil {
			return
		}
		rec.Steps = append(rec.Steps, StepSpan{
			Name:        stepName(current.index),
			Status:      status,
			StartedAt:   current.started,
			CompletedAt: at,
		})
		current = nil
	}

	for _, e := range evts {
		if rec.RunID == "" {
			rec.RunID = e.RunID()
			rec.ThreadID = e.ThreadID()
		}

		switch ev := e.(type) {
		case events.RunStart:
			rec.StartedAt = ev.Data.StartedAt
			rec.InputMessage = ev.Data.Input.Message

		case events.StepStart:
			current = &openStep{index: ev.Data.StepIndex, started: ev.EmittedAt()}

		case events.Token:
			rec.ResponseContent = ev.Data.Accumulated

		case events.ToolCall:
			step := -1
			if current != nil {
				step = current.index
			}
			openCalls[ev.Data.ToolCallID] = openCall{
				toolID:  ev.Data.ToolName,
				started: ev.Data.StartedAt,
				args:    ev.Data.Input,
				step:    step,
			}

		case events.ToolResult:
			if oc, ok := openCalls[ev.Data.ToolCallID]; ok {
				delete(openCalls, ev.Data.ToolCallID)
				step := oc.step
				rec.ToolCalls = append(rec.ToolCalls, ToolCallSpan{
					ToolID:      oc.toolID,
					StartedAt:   oc.started,
					CompletedAt: ev.Data.CompletedAt,
					Args:        oc.args,
					Result:      ev.Data.Output,
					StepIndex:   &step,
				})
			}

		case events.ToolError:
			if oc, ok := openCalls[ev.Data.ToolCallID]; ok {
				delete(openCalls, ev.Data.ToolCallID)
				step := oc.step
				rec.ToolCalls = append(rec.ToolCalls, ToolCallSpan{
					ToolID:      oc.toolID,
					Status:      "error",
					StartedAt:   oc.started,
					CompletedAt: ev.Data.CompletedAt,
					Args:        oc.args,
					Error:       ev.Data.Error.Message,
					StepIndex:   &step,
				})
			}

		case events.StepComplete:
			closeStep(ev.EmittedAt(), "success")

		case events.RunEnd:
			closeStep(ev.EmittedAt(), "success")
			rec.FinishedAt = ev.Data.FinishedAt
			if ev.Data.Result.Content != "" {
				rec.ResponseContent = ev.Data.Result.Content
			}
			if h := ev.Data.Result.Handoff; h != nil {
				rec.Handoffs = append(rec.Handoffs, HandoffSpan{
					FromAgent: h.FromAgent,
					ToAgent:   h.ToAgent,
					Message:   h.Message,
					Depth:     h.Depth,
					At:        ev.EmittedAt(),
				})
			}

		case events.StreamError:
			closeStep(ev.EmittedAt(), "error")
			rec.FinishedAt = ev.EmittedAt()
			rec.HasError = true
			if ev.Data.PartialText != "" {
				rec.ResponseContent = ev.Data.PartialText
			}
		}
	}

	if rec.FinishedAt.IsZero() && len(evts) > 0 {
		rec.FinishedAt = evts[len(evts)-1].EmittedAt()
	}
	return rec
}

func stepName(index int) string { return fmt.Sprintf("step-%d", index) }
