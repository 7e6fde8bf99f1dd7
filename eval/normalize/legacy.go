package normalize

import (
	"encoding/json"
	"errors"
	"time"

	"goa.design/rewind/eval/artifact"
)

type (
	// LegacyTrace is the loosely typed trace format produced by the previous
	// recording pipeline. Timestamps are absolute epoch milliseconds and tool
	// usage carries no step membership, so normalization resolves membership
	// by interval containment against the step spans.
	LegacyTrace struct {
		// TraceID is the original trace identifier. It is volatile and not
		// carried into the artifact; the artifact derives its own.
		TraceID string `json:"traceId,omitempty"`
		// RunID identifies the run.
		RunID string `json:"runId"`
		// StartTime is the run start, epoch milliseconds.
		StartTime int64 `json:"startTime"`
		// EndTime is the run end, epoch milliseconds.
		EndTime int64 `json:"endTime"`
		// Input is the triggering user message.
		Input LegacyInput `json:"input"`
		// Response is the final response.
		Response LegacyResponse `json:"response"`
		// Routing is the routing decision, when one was recorded.
		Routing *artifact.Routing `json:"routing,omitempty"`
		// Error is the run error message, empty on success.
		Error string `json:"error,omitempty"`
		// Steps are the recorded step spans.
		Steps []LegacyStep `json:"steps,omitempty"`
		// ToolUsage are the recorded tool invocations.
		ToolUsage []LegacyToolUsage `json:"toolUsage,omitempty"`
		// Checkpoints are the recorded checkpoints.
		Checkpoints []LegacyCheckpoint `json:"checkpoints,omitempty"`
		// Handoffs are the recorded agent delegations.
		Handoffs []LegacyHandoff `json:"handoffs,omitempty"`
	}

	// LegacyInput is the run input block.
	LegacyInput struct {
		Message string `json:"message"`
	}

	// LegacyResponse is the final response block.
	LegacyResponse struct {
		Content  string         `json:"content"`
		Role     string         `json:"role,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// LegacyStep is a recorded step span.
	LegacyStep struct {
		Name      string         `json:"name"`
		Status    string         `json:"status,omitempty"`
		StartTime int64          `json:"startTime"`
		EndTime   int64          `json:"endTime"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}

	// LegacyToolUsage is a recorded tool invocation. It carries no step
	// reference.
	LegacyToolUsage struct {
		ToolID    string          `json:"toolId"`
		Status    string          `json:"status,omitempty"`
		StartTime int64           `json:"startTime"`
		EndTime   int64           `json:"endTime"`
		Error     string          `json:"error,omitempty"`
		Args      json.RawMessage `json:"args,omitempty"`
		Result    json.RawMessage `json:"result,omitempty"`
	}

	// LegacyCheckpoint is a recorded checkpoint.
	LegacyCheckpoint struct {
		Step      int            `json:"step"`
		StepName  string         `json:"stepName,omitempty"`
		Status    string         `json:"status,omitempty"`
		Timestamp int64          `json:"timestamp"`
		Snapshot  map[string]any `json:"snapshot,omitempty"`
	}

	// LegacyHandoff is a recorded agent delegation.
	LegacyHandoff struct {
		FromAgent string `json:"fromAgent,omitempty"`
		ToAgent   string `json:"toAgent"`
		Message   string `json:"message,omitempty"`
		Depth     int    `json:"depth,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}
)

// Legacy normalizes a legacy trace. The trace is converted to the
// intermediate record representation and fed through the same pipeline as
// live records, so a legacy trace and a live record of the same run produce
// identical artifacts.
func (n *Normalizer) Legacy(tr *LegacyTrace, extras Extras) (*artifact.Artifact, error) {
	if tr == nil {
		return nil, errors.New("legacy trace is required")
	}
	if tr.RunID == "" {
		return nil, errors.New("legacy trace: run id is required")
	}

	rec := &RunRecord{
		RunID:            tr.RunID,
		StartedAt:        epochMs(tr.StartTime),
		FinishedAt:       epochMs(tr.EndTime),
		InputMessage:     tr.Input.Message,
		ResponseContent:  tr.Response.Content,
		ResponseRole:     tr.Response.Role,
		ResponseMetadata: tr.Response.Metadata,
		Routing:          tr.Routing,
		HasError:         tr.Error != "",
	}
	if rec.ResponseRole == "" {
		rec.ResponseRole = "assistant"
	}
	for _, s := range tr.Steps {
		rec.Steps = append(rec.Steps, StepSpan{
			Name:        s.Name,
			Status:      s.Status,
			StartedAt:   epochMs(s.StartTime),
			CompletedAt: epochMs(s.EndTime),
			Metadata:    s.Metadata,
		})
	}
	for _, u := range tr.ToolUsage {
		rec.ToolCalls = append(rec.ToolCalls, ToolCallSpan{
			ToolID:      u.ToolID,
			Status:      u.Status,
			StartedAt:   epochMs(u.StartTime),
			CompletedAt: epochMs(u.EndTime),
			Error:       u.Error,
			Args:        u.Args,
			Result:      u.Result,
		})
	}
	for _, cp := range tr.Checkpoints {
		rec.Checkpoints = append(rec.Checkpoints, CheckpointSpan{
			Step:      cp.Step,
			StepName:  cp.StepName,
			Status:    cp.Status,
			CreatedAt: epochMs(cp.Timestamp),
			Snapshot:  cp.Snapshot,
		})
	}
	for _, h := range tr.Handoffs {
		rec.Handoffs = append(rec.Handoffs, HandoffSpan{
			FromAgent: h.FromAgent,
			ToAgent:   h.ToAgent,
			Message:   h.Message,
			Depth:     h.Depth,
			At:        epochMs(h.Timestamp),
		})
	}
	return n.build(rec, extras)
}

func epochMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
