package compare

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/rewind/eval/artifact"
)

func baseline() *artifact.Artifact {
	return &artifact.Artifact{
		Version: artifact.Version,
		TraceID: "tr-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Run:     artifact.RunInfo{RunID: "run-1"},
		Environment: artifact.Environment{
			Environment: "ci", FrameworkVersion: "0.1.0",
		},
		Input:   artifact.Input{Message: "what is the weather"},
		Routing: &artifact.Routing{Method: "intent", AgentID: "weather", IntentID: "forecast"},
		Response: artifact.Response{
			Content: "Sunny.", Role: "assistant",
		},
		Steps: []artifact.Step{
			{ID: "step-0-generate", Index: 0, Name: "generate", Status: artifact.StatusSuccess,
				Timing: artifact.Timing{OffsetMs: 0, DurationMs: 120}},
		},
		ToolCalls: []artifact.ToolCall{
			{ID: "tool-0-search-0", StepIndex: 0, ToolID: "search", CallOrdinal: 0,
				Status: artifact.StatusSuccess, Timing: artifact.Timing{OffsetMs: 20, DurationMs: 90},
				Args: map[string]any{"q": "weather"}},
		},
	}
}

func TestCompareEqualIgnoringTimings(t *testing.T) {
	expected := baseline()
	actual := baseline()
	// Different derived ids and wall-clock values must not matter.
	actual.TraceID = "tr-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	actual.Run.RunID = "run-2"
	actual.Run.IsSlow = true
	actual.Steps[0].Timing = artifact.Timing{OffsetMs: 500, DurationMs: 9999}
	actual.ToolCalls[0].Timing = artifact.Timing{OffsetMs: 1, DurationMs: 1}
	actual.Environment.Environment = "local"

	res, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.True(t, res.Equal)
	require.Empty(t, res.Deltas)
	require.Equal(t, 6, res.Scorecard.TotalChecks)
	require.Equal(t, 6, res.Scorecard.Passed)
	require.Zero(t, res.Scorecard.Failed)
}

func TestCompareRegression(t *testing.T) {
	expected := baseline()
	actual := baseline()
	actual.Response.Content = "Rainy."
	actual.ToolCalls[0].Args = map[string]any{"q": "umbrella"}

	res, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.False(t, res.Equal)
	require.Equal(t, 6, res.Scorecard.TotalChecks)
	require.Equal(t, 4, res.Scorecard.Passed)
	require.Equal(t, 2, res.Scorecard.Failed)
	require.Len(t, res.Scorecard.Regressions, 2)
	require.Equal(t, "response", res.Scorecard.Regressions[0].Check)
	require.Equal(t, "response.content", res.Scorecard.Regressions[0].Path)
	require.Contains(t, res.Scorecard.Regressions[0].Message, "Rainy.")
	require.Equal(t, "tool_calls", res.Scorecard.Regressions[1].Check)
	require.Equal(t, "tool_calls.0.args.q", res.Scorecard.Regressions[1].Path)

	var paths []string
	for _, d := range res.Deltas {
		paths = append(paths, d.Path)
	}
	require.Contains(t, paths, "response.content")
	require.Contains(t, paths, "tool_calls.0.args.q")
}

func TestComparePassIgnoresUngradedSections(t *testing.T) {
	expected := baseline()
	actual := baseline()
	actual.Input.Message = "tell me the weather"

	res, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	// The verdict comes from the six graded checks alone; a difference
	// outside them leaves the comparison passing while Equal reports it.
	require.True(t, res.Passed)
	require.False(t, res.Equal)
	require.Equal(t, 6, res.Scorecard.Passed)
	require.Zero(t, res.Scorecard.Failed)
	require.Empty(t, res.Scorecard.Regressions)
	require.Len(t, res.Deltas, 1)
	require.Equal(t, "input.message", res.Deltas[0].Path)
}

func TestCompareMissingAndExtra(t *testing.T) {
	expected := baseline()
	actual := baseline()
	actual.ToolCalls = nil
	actual.Routing.MatchType = "fuzzy"

	res, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	require.False(t, res.Equal)

	kinds := map[string]DeltaKind{}
	for _, d := range res.Deltas {
		kinds[d.Path] = d.Kind
	}
	require.Equal(t, DeltaExtra, kinds["routing.match_type"])
	require.Equal(t, DeltaMissing, kinds["tool_calls"])
	checks := make([]string, 0, len(res.Scorecard.Regressions))
	for _, reg := range res.Scorecard.Regressions {
		checks = append(checks, reg.Check)
	}
	require.Contains(t, checks, "tool_calls")
}

func TestCompareDeltasSortedAndStable(t *testing.T) {
	expected := baseline()
	actual := baseline()
	actual.Response.Content = "Rainy."
	actual.Response.Role = "system"
	actual.Routing.AgentID = "other"

	first, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	second, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	require.Equal(t, first.Deltas, second.Deltas)

	for i := 1; i < len(first.Deltas); i++ {
		require.LessOrEqual(t, first.Deltas[i-1].Path, first.Deltas[i].Path)
	}
}

func TestCompareIgnoreFieldOption(t *testing.T) {
	expected := baseline()
	actual := baseline()
	actual.Response.Role = "system"

	res, err := Compare(expected, actual, Options{})
	require.NoError(t, err)
	require.False(t, res.Equal)

	res, err = Compare(expected, actual, Options{IgnoreFields: []string{"role"}})
	require.NoError(t, err)
	require.True(t, res.Equal)
}

func TestCompareIgnorePathOption(t *testing.T) {
	expected := baseline()
	actual := baseline()
	actual.ToolCalls[0].Args = map[string]any{"q": "umbrella"}

	res, err := Compare(expected, actual, Options{IgnorePaths: []string{"tool_calls.0.args.q"}})
	require.NoError(t, err)
	require.True(t, res.Equal)
}

func TestCompareRequiresBothArtifacts(t *testing.T) {
	_, err := Compare(nil, baseline(), Options{})
	require.Error(t, err)
	_, err = Compare(baseline(), nil, Options{})
	require.Error(t, err)
}
