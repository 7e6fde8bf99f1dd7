package assert

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/rewind/eval/artifact"
)

func weatherArtifact() *artifact.Artifact {
	return &artifact.Artifact{
		Version: artifact.Version,
		TraceID: "tr-00000000000000000000000000000001",
		Run:     artifact.RunInfo{RunID: "run-1"},
		Environment: artifact.Environment{
			Environment: "test", FrameworkVersion: "0.1.0",
		},
		Input:   artifact.Input{Message: "what is the weather in Paris"},
		Routing: &artifact.Routing{Method: "intent", AgentID: "weather", IntentID: "forecast", MatchType: "exact"},
		Response: artifact.Response{
			Content: "Sunny with a high of 25 degrees.", Role: "assistant",
		},
		Steps: []artifact.Step{
			{ID: "step-0-generate", Index: 0, Name: "generate", Status: artifact.StatusSuccess},
		},
		ToolCalls: []artifact.ToolCall{
			{ID: "tool-0-search-0", StepIndex: 0, ToolID: "search", CallOrdinal: 0,
				Status: artifact.StatusSuccess,
				Args:   map[string]any{"q": "weather", "city": "Paris"},
				Result: map[string]any{"forecast": "sunny"}},
		},
		Checkpoints: []artifact.Checkpoint{
			{ID: "checkpoint-0-success", Step: 0, StepName: "generate", Status: artifact.StatusSuccess},
		},
	}
}

func TestToolCallsAllMatched(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type: TypeToolCalls,
		Calls: []ExpectedCall{
			{ToolID: "search", ArgsContains: map[string]any{"city": "Paris"}},
		},
	})
	require.True(t, res.Passed)
	require.Contains(t, res.Message, "all 1 expected tool calls matched")
}

func TestToolCallsReportsEveryMissingExpectation(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type: TypeToolCalls,
		Calls: []ExpectedCall{
			{ToolID: "search"},
			{ToolID: "geocode"},
			{ToolID: "translate"},
		},
	})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "2 of 3 expected tool calls not matched")
	require.Equal(t, []string{"geocode", "translate"}, res.Details["missing"])
	require.Equal(t, []string{"search"}, res.Details["recorded"])
}

func TestToolCallsSubsetArgsMatch(t *testing.T) {
	// Extra recorded keys are fine; a wrong value is not.
	res := Evaluate(weatherArtifact(), Assertion{
		Type:  TypeToolCalls,
		Calls: []ExpectedCall{{ToolID: "search", ArgsContains: map[string]any{"q": "weather"}}},
	})
	require.True(t, res.Passed)

	res = Evaluate(weatherArtifact(), Assertion{
		Type:  TypeToolCalls,
		Calls: []ExpectedCall{{ToolID: "search", ArgsContains: map[string]any{"q": "news"}}},
	})
	require.False(t, res.Passed)
}

func TestToolCallsEachRecordedMatchesOnce(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type: TypeToolCalls,
		Calls: []ExpectedCall{
			{ToolID: "search"},
			{ToolID: "search"},
		},
	})
	require.False(t, res.Passed, "one recorded call cannot satisfy two expectations")
	require.Contains(t, res.Message, "1 of 2")
}

func TestRoutingMatch(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type:    TypeRouting,
		Routing: &RoutingExpectation{AgentID: "weather", IntentID: "forecast"},
	})
	require.True(t, res.Passed)
	require.Contains(t, res.Message, "2 fields")
}

func TestRoutingCollectsEveryMismatch(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type: TypeRouting,
		Routing: &RoutingExpectation{
			AgentID: "billing", IntentID: "refund", MatchType: "exact",
		},
	})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "agentId")
	require.Contains(t, res.Message, "intentId")
	require.Contains(t, res.Details, "agentId")
	require.Contains(t, res.Details, "intentId")
	require.NotContains(t, res.Details, "matchType", "a matching field reports no detail")
}

func TestRoutingAbsentDecision(t *testing.T) {
	a := weatherArtifact()
	a.Routing = nil
	res := Evaluate(a, Assertion{
		Type:    TypeRouting,
		Routing: &RoutingExpectation{AgentID: "weather"},
	})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "no routing decision")
}

func TestResponsePathEquals(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type: TypeResponse,
		Response: &ResponseExpectation{
			PathEquals: map[string]any{
				"response.role":                "assistant",
				"tool_calls.0.result.forecast": "sunny",
			},
		},
	})
	require.True(t, res.Passed)

	res = Evaluate(weatherArtifact(), Assertion{
		Type: TypeResponse,
		Response: &ResponseExpectation{
			PathEquals: map[string]any{"response.role": "system", "response.missing": 1},
		},
	})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "path response.missing absent")
	require.Contains(t, res.Message, "path response.role differs")
}

func TestResponseSimilarity(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{
		Type: TypeResponse,
		Response: &ResponseExpectation{
			Similar: &SimilarityExpectation{Text: "sunny with a high of 25 degrees"},
		},
	})
	require.True(t, res.Passed)
	score, ok := res.Details["similarity"].(float64)
	require.True(t, ok)
	require.Greater(t, score, 0.9)

	res = Evaluate(weatherArtifact(), Assertion{
		Type: TypeResponse,
		Response: &ResponseExpectation{
			Similar: &SimilarityExpectation{Text: "your refund has been processed"},
		},
	})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "below threshold")
	require.Contains(t, res.Details, "similarity", "failures always report the computed score")
}

func TestSimilarityScoring(t *testing.T) {
	require.Equal(t, 1.0, Similarity("Hello World", "hello   world", false),
		"case and whitespace runs are normalized")
	require.Less(t, Similarity("Hello World", "hello world", true), 1.0)
	require.Equal(t, 0.0, Similarity("abc", "xyz", false))
	require.Equal(t, 0.0, Similarity("", "text", false))

	score := Similarity("the forecast is sunny", "the forecast is rainy", false)
	require.Greater(t, score, 0.6)
	require.Less(t, score, 1.0)
}

func TestCheckpointSelectors(t *testing.T) {
	step := 0
	res := Evaluate(weatherArtifact(), Assertion{
		Type:       TypeCheckpoint,
		Checkpoint: &CheckpointExpectation{Step: &step, Status: artifact.StatusSuccess},
	})
	require.True(t, res.Passed)

	res = Evaluate(weatherArtifact(), Assertion{
		Type:       TypeCheckpoint,
		Checkpoint: &CheckpointExpectation{StepName: "route"},
	})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "0 matching checkpoints, needed 1")
}

func TestCheckpointMinCount(t *testing.T) {
	a := weatherArtifact()
	a.Checkpoints = append(a.Checkpoints, artifact.Checkpoint{
		ID: "checkpoint-1-success", Step: 1, Status: artifact.StatusSuccess,
	})
	res := Evaluate(a, Assertion{
		Type:       TypeCheckpoint,
		Checkpoint: &CheckpointExpectation{Status: artifact.StatusSuccess, MinCount: 2},
	})
	require.True(t, res.Passed)

	res = Evaluate(a, Assertion{
		Type:       TypeCheckpoint,
		Checkpoint: &CheckpointExpectation{Status: artifact.StatusSuccess, MinCount: 3},
	})
	require.False(t, res.Passed)
}

func TestUnknownAssertionType(t *testing.T) {
	res := Evaluate(weatherArtifact(), Assertion{Type: "tool.count"})
	require.False(t, res.Passed)
	require.Contains(t, res.Message, "unknown assertion type")
}

func TestEvaluateAllPreservesOrder(t *testing.T) {
	results := EvaluateAll(weatherArtifact(), []Assertion{
		{Type: TypeRouting, Routing: &RoutingExpectation{AgentID: "weather"}},
		{Type: TypeToolCalls, Calls: []ExpectedCall{{ToolID: "search"}}},
		{Type: TypeSchema},
	})
	require.Len(t, results, 3)
	require.Equal(t, TypeRouting, results[0].Type)
	require.Equal(t, TypeToolCalls, results[1].Type)
	require.Equal(t, TypeSchema, results[2].Type)
}
