package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/rewind/eval/artifact"
)

var testEnv = artifact.Environment{Environment: "test", FrameworkVersion: "0.1.0"}

func at(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func sampleRecord() *RunRecord {
	return &RunRecord{
		RunID:           "run-1",
		StartedAt:       at(1_000),
		FinishedAt:      at(3_000),
		InputMessage:    "what is the weather",
		ResponseContent: "Sunny.",
		ResponseRole:    "assistant",
		Steps: []StepSpan{
			{Name: "step-1", Status: "success", StartedAt: at(2_000), CompletedAt: at(2_900)},
			{Name: "step-0", Status: "success", StartedAt: at(1_000), CompletedAt: at(1_900)},
		},
		ToolCalls: []ToolCallSpan{
			{ToolID: "search", StartedAt: at(1_100), CompletedAt: at(1_500),
				Args: json.RawMessage(`{"q":"weather"}`), Result: json.RawMessage(`{"forecast":"sunny"}`)},
		},
	}
}

func TestRecordStepsSortedWithPositionalIndices(t *testing.T) {
	n := New(Options{Environment: testEnv})
	a, err := n.Record(sampleRecord(), Extras{})
	require.NoError(t, err)

	require.Len(t, a.Steps, 2)
	require.Equal(t, "step-0", a.Steps[0].Name)
	require.Equal(t, 0, a.Steps[0].Index)
	require.Equal(t, "step-0-step-0", a.Steps[0].ID)
	require.Equal(t, "step-1", a.Steps[1].Name)
	require.Equal(t, 1, a.Steps[1].Index)

	// Timings are relative to the earliest observed timestamp.
	require.Equal(t, int64(0), a.Steps[0].Timing.OffsetMs)
	require.Equal(t, int64(900), a.Steps[0].Timing.DurationMs)
	require.Equal(t, int64(1_000), a.Steps[1].Timing.OffsetMs)
}

func TestRecordToolCallStepResolution(t *testing.T) {
	n := New(Options{Environment: testEnv})
	rec := sampleRecord()
	rec.ToolCalls = append(rec.ToolCalls,
		// Second call to the same tool inside step 0: ordinal 1.
		ToolCallSpan{ToolID: "search", StartedAt: at(1_600), CompletedAt: at(1_800),
			Args: json.RawMessage(`{"q":"again"}`), Result: json.RawMessage(`{}`)},
		// Starts outside every step window: orphaned.
		ToolCallSpan{ToolID: "search", StartedAt: at(1_950), CompletedAt: at(1_990),
			Result: json.RawMessage(`{}`)},
	)
	a, err := n.Record(rec, Extras{})
	require.NoError(t, err)

	require.Len(t, a.ToolCalls, 3)
	require.Equal(t, "tool-0-search-0", a.ToolCalls[0].ID)
	require.Equal(t, 0, a.ToolCalls[0].StepIndex)
	require.Equal(t, 0, a.ToolCalls[0].CallOrdinal)
	require.Equal(t, "tool-0-search-1", a.ToolCalls[1].ID)
	require.Equal(t, 1, a.ToolCalls[1].CallOrdinal)

	orphan := a.ToolCalls[2]
	require.Equal(t, -1, orphan.StepIndex, "calls outside every step window are kept with index -1")
	require.Equal(t, "tool--1-search-0", orphan.ID)
	require.Equal(t, 0, orphan.CallOrdinal, "ordinals are scoped per (step, tool)")
}

func TestRecordHashesAndStatusDefaults(t *testing.T) {
	n := New(Options{Environment: testEnv})
	rec := sampleRecord()
	rec.ToolCalls = append(rec.ToolCalls, ToolCallSpan{
		ToolID: "search", StartedAt: at(2_100), CompletedAt: at(2_200),
		Error: "backend unavailable",
	})
	a, err := n.Record(rec, Extras{})
	require.NoError(t, err)

	ok := a.ToolCalls[0]
	require.Equal(t, artifact.StatusSuccess, ok.Status)
	require.NotEmpty(t, ok.InputHash)
	require.NotEmpty(t, ok.OutputHash)

	failed := a.ToolCalls[1]
	require.Equal(t, artifact.StatusError, failed.Status)
	require.Equal(t, "backend unavailable", failed.Error)
	require.Empty(t, failed.OutputHash)
}

func TestVolatileKeysStrippedFromNestedPayloadsOnly(t *testing.T) {
	n := New(Options{Environment: testEnv})
	rec := sampleRecord()
	rec.ResponseMetadata = map[string]any{
		"model":     "test-model",
		"timestamp": 12345,
		"nested": map[string]any{
			"traceId": "volatile",
			"keep":    true,
		},
	}
	a, err := n.Record(rec, Extras{
		Checkpoints: []CheckpointSpan{{
			Step: 0, Status: "success", CreatedAt: at(1_200),
			Snapshot: map[string]any{"runId": "r", "state": "ok"},
		}},
	})
	require.NoError(t, err)

	meta := a.Response.Metadata
	require.Contains(t, meta, "model")
	require.NotContains(t, meta, "timestamp")
	nested := meta["nested"].(map[string]any)
	require.NotContains(t, nested, "traceId")
	require.Equal(t, true, nested["keep"])

	require.Len(t, a.Checkpoints, 1)
	require.Equal(t, map[string]any{"state": "ok"}, a.Checkpoints[0].Snapshot)

	// Top-level identity survives even though the same key names are volatile
	// inside nested payloads.
	require.Equal(t, "run-1", a.Run.RunID)
}

func TestLegacyAndLiveConverge(t *testing.T) {
	n := New(Options{Environment: testEnv})

	live, err := n.Record(sampleRecord(), Extras{})
	require.NoError(t, err)

	legacy, err := n.Legacy(&LegacyTrace{
		TraceID:   "legacy-volatile-id",
		RunID:     "run-1",
		StartTime: 1_000,
		EndTime:   3_000,
		Input:     LegacyInput{Message: "what is the weather"},
		Response:  LegacyResponse{Content: "Sunny.", Role: "assistant"},
		Steps: []LegacyStep{
			{Name: "step-1", Status: "success", StartTime: 2_000, EndTime: 2_900},
			{Name: "step-0", Status: "success", StartTime: 1_000, EndTime: 1_900},
		},
		ToolUsage: []LegacyToolUsage{
			{ToolID: "search", StartTime: 1_100, EndTime: 1_500,
				Args: json.RawMessage(`{"q":"weather"}`), Result: json.RawMessage(`{"forecast":"sunny"}`)},
		},
	}, Extras{})
	require.NoError(t, err)

	liveJSON, err := artifact.MarshalCanonical(live)
	require.NoError(t, err)
	legacyJSON, err := artifact.MarshalCanonical(legacy)
	require.NoError(t, err)
	require.Equal(t, string(liveJSON), string(legacyJSON),
		"legacy and live inputs describing the same run must produce identical artifacts")
	require.Equal(t, live.TraceID, legacy.TraceID)
}

func TestNormalizeDeterministicArtifactID(t *testing.T) {
	n := New(Options{Environment: testEnv})
	a, err := n.Record(sampleRecord(), Extras{})
	require.NoError(t, err)

	// Shift every wall-clock value by an hour; only relative structure counts.
	shifted := sampleRecord()
	delta := int64(3_600_000)
	shifted.StartedAt = at(1_000 + delta)
	shifted.FinishedAt = at(3_000 + delta)
	for i := range shifted.Steps {
		shifted.Steps[i].StartedAt = shifted.Steps[i].StartedAt.Add(time.Hour)
		shifted.Steps[i].CompletedAt = shifted.Steps[i].CompletedAt.Add(time.Hour)
	}
	for i := range shifted.ToolCalls {
		shifted.ToolCalls[i].StartedAt = shifted.ToolCalls[i].StartedAt.Add(time.Hour)
		shifted.ToolCalls[i].CompletedAt = shifted.ToolCalls[i].CompletedAt.Add(time.Hour)
	}
	b, err := n.Record(shifted, Extras{})
	require.NoError(t, err)
	require.Equal(t, a.TraceID, b.TraceID)
}

func TestSlowFlag(t *testing.T) {
	n := New(Options{Environment: testEnv, SlowThreshold: time.Second})
	rec := sampleRecord()
	a, err := n.Record(rec, Extras{})
	require.NoError(t, err)
	require.True(t, a.Run.IsSlow, "2s run exceeds the 1s threshold")

	fast := sampleRecord()
	fast.FinishedAt = at(1_500)
	b, err := n.Record(fast, Extras{})
	require.NoError(t, err)
	require.False(t, b.Run.IsSlow)
}

func TestNormalizeRejectsUnknownInput(t *testing.T) {
	n := New(Options{Environment: testEnv})
	_, err := n.Normalize("not a record", Extras{})
	require.ErrorContains(t, err, "unsupported input type")
	_, err = n.Record(nil, Extras{})
	require.Error(t, err)
	_, err = n.Record(&RunRecord{}, Extras{})
	require.ErrorContains(t, err, "run id is required")
}

func TestExtrasRoutingAndSource(t *testing.T) {
	n := New(Options{Environment: testEnv})
	a, err := n.Record(sampleRecord(), Extras{
		Routing:       &artifact.Routing{Method: "intent", AgentID: "weather", IntentID: "forecast"},
		SourceTraceID: "tr-source",
	})
	require.NoError(t, err)
	require.NotNil(t, a.Routing)
	require.Equal(t, "forecast", a.Routing.IntentID)
	require.Equal(t, "tr-source", a.Run.SourceTraceID)
}
