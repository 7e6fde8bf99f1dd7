// Package assert evaluates declarative assertions against evaluation
// artifacts.
//
// An assertion is a small JSON/YAML-friendly document of one of five kinds:
// tool.calls, routing, response, checkpoint, and schema. Each evaluation
// returns a Result with a pass flag, a human-readable message, and optional
// structured details for debugging. Assertions never panic on missing data;
// absent sections simply fail the checks that need them.
package assert

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/rewind/eval/artifact"
)

type (
	// Assertion is one declarative check. Type selects the kind; the matching
	// expectation block carries its parameters.
	Assertion struct {
		// Type is one of TypeToolCalls, TypeRouting, TypeResponse,
		// TypeCheckpoint, TypeSchema.
		Type string `json:"type" yaml:"type"`
		// Calls are the expected tool invocations for tool.calls assertions.
		Calls []ExpectedCall `json:"calls,omitempty" yaml:"calls,omitempty"`
		// Routing are the expected routing fields for routing assertions.
		Routing *RoutingExpectation `json:"routing,omitempty" yaml:"routing,omitempty"`
		// Response is the expectation block for response assertions.
		Response *ResponseExpectation `json:"response,omitempty" yaml:"response,omitempty"`
		// Checkpoint is the expectation block for checkpoint assertions.
		Checkpoint *CheckpointExpectation `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	}

	// ExpectedCall matches one recorded tool call. ArgsContains is a subset
	// match: every listed key must be present in the recorded arguments with
	// a deeply equal value, extra recorded keys are allowed.
	ExpectedCall struct {
		ToolID       string         `json:"toolId" yaml:"toolId"`
		ArgsContains map[string]any `json:"argsContains,omitempty" yaml:"argsContains,omitempty"`
	}

	// RoutingExpectation checks the routing decision. Empty fields are not
	// checked; specified fields must match exactly.
	RoutingExpectation struct {
		Method    string `json:"method,omitempty" yaml:"method,omitempty"`
		AgentID   string `json:"agentId,omitempty" yaml:"agentId,omitempty"`
		IntentID  string `json:"intentId,omitempty" yaml:"intentId,omitempty"`
		MatchType string `json:"matchType,omitempty" yaml:"matchType,omitempty"`
	}

	// ResponseExpectation checks the final response. PathEquals entries are
	// exact-equality checks on dot paths relative to the artifact root.
	// Similar, when set, additionally requires the response content to reach
	// the similarity threshold against the expected text.
	ResponseExpectation struct {
		PathEquals map[string]any         `json:"pathEquals,omitempty" yaml:"pathEquals,omitempty"`
		Similar    *SimilarityExpectation `json:"similar,omitempty" yaml:"similar,omitempty"`
	}

	// SimilarityExpectation is a semantic-similarity threshold check against
	// the response content.
	SimilarityExpectation struct {
		// Text is the expected response text.
		Text string `json:"text" yaml:"text"`
		// Threshold is the minimum similarity score in [0,1]. Zero means
		// DefaultSimilarityThreshold.
		Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
		// CaseSensitive keeps letter case significant. Default is
		// case-insensitive.
		CaseSensitive bool `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty"`
	}

	// CheckpointExpectation matches recorded checkpoints. Unset selectors
	// match any value; MinCount defaults to 1.
	CheckpointExpectation struct {
		Step     *int   `json:"step,omitempty" yaml:"step,omitempty"`
		StepName string `json:"stepName,omitempty" yaml:"stepName,omitempty"`
		Status   string `json:"status,omitempty" yaml:"status,omitempty"`
		MinCount int    `json:"minCount,omitempty" yaml:"minCount,omitempty"`
	}

	// Result is the outcome of evaluating one assertion.
	Result struct {
		// Type is the assertion kind that produced this result.
		Type string `json:"type"`
		// Passed reports whether the assertion held.
		Passed bool `json:"passed"`
		// Message describes the outcome.
		Message string `json:"message"`
		// Details carries structured debugging context for failures.
		Details map[string]any `json:"details,omitempty"`
	}
)

// Assertion kinds.
const (
	TypeToolCalls  = "tool.calls"
	TypeRouting    = "routing"
	TypeResponse   = "response"
	TypeCheckpoint = "checkpoint"
	TypeSchema     = "schema"
)

// DefaultSimilarityThreshold is the minimum similarity score accepted by
// response similarity checks that specify none.
const DefaultSimilarityThreshold = 0.75

// Evaluate runs one assertion against an artifact.
func Evaluate(a *artifact.Artifact, as Assertion) Result {
	if a == nil {
		return Result{Type: as.Type, Passed: false, Message: "no artifact to evaluate"}
	}
	switch as.Type {
	case TypeToolCalls:
		return evalToolCalls(a, as.Calls)
	case TypeRouting:
		return evalRouting(a, as.Routing)
	case TypeResponse:
		return evalResponse(a, as.Response)
	case TypeCheckpoint:
		return evalCheckpoint(a, as.Checkpoint)
	case TypeSchema:
		return evalSchema(a)
	default:
		return Result{Type: as.Type, Passed: false, Message: fmt.Sprintf("unknown assertion type %q", as.Type)}
	}
}

// EvaluateAll runs every assertion, preserving input order.
func EvaluateAll(a *artifact.Artifact, assertions []Assertion) []Result {
	out := make([]Result, 0, len(assertions))
	for _, as := range assertions {
		out = append(out, Evaluate(a, as))
	}
	return out
}

// evalToolCalls verifies every expected call found a recorded match. All
// unmatched expectations surface together in one failed result.
func evalToolCalls(a *artifact.Artifact, expected []ExpectedCall) Result {
	if len(expected) == 0 {
		return Result{Type: TypeToolCalls, Passed: false, Message: "tool.calls assertion lists no expected calls"}
	}

	// Each recorded call satisfies at most one expectation.
	used := make([]bool, len(a.ToolCalls))
	var missing []string
	for _, exp := range expected {
		found := false
		for i, tc := range a.ToolCalls {
			if used[i] || tc.ToolID != exp.ToolID {
				continue
			}
			if argsContain(tc.Args, exp.ArgsContains) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, describeExpectation(exp))
		}
	}

	if len(missing) == 0 {
		return Result{
			Type:    TypeToolCalls,
			Passed:  true,
			Message: fmt.Sprintf("all %d expected tool calls matched", len(expected)),
		}
	}
	return Result{
		Type:    TypeToolCalls,
		Passed:  false,
		Message: fmt.Sprintf("%d of %d expected tool calls not matched", len(missing), len(expected)),
		Details: map[string]any{
			"missing":  missing,
			"recorded": recordedToolIDs(a.ToolCalls),
		},
	}
}

// argsContain reports whether every expected key is present in the recorded
// arguments with a canonically equal value.
func argsContain(recorded any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	rm, ok := recorded.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range expected {
		got, present := rm[k]
		if !present || !canonicallyEqual(got, want) {
			return false
		}
	}
	return true
}

// canonicallyEqual compares two JSON-serializable values by canonical
// serialization, so 1 and 1.0 and differently ordered objects compare equal.
func canonicallyEqual(a, b any) bool {
	ab, err := artifact.MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := artifact.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

func describeExpectation(exp ExpectedCall) string {
	if len(exp.ArgsContains) == 0 {
		return exp.ToolID
	}
	keys := make([]string, 0, len(exp.ArgsContains))
	for k := range exp.ArgsContains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s with args containing %s", exp.ToolID, strings.Join(keys, ", "))
}

func recordedToolIDs(calls []artifact.ToolCall) []string {
	out := make([]string, 0, len(calls))
	for _, tc := range calls {
		out = append(out, tc.ToolID)
	}
	return out
}

// evalRouting checks the specified routing fields, collecting every mismatch
// into one result.
func evalRouting(a *artifact.Artifact, exp *RoutingExpectation) Result {
	if exp == nil {
		return Result{Type: TypeRouting, Passed: false, Message: "routing assertion has no expectation block"}
	}
	if a.Routing == nil {
		return Result{Type: TypeRouting, Passed: false, Message: "no routing decision recorded"}
	}

	type field struct{ name, want, got string }
	fields := []field{
		{"method", exp.Method, a.Routing.Method},
		{"agentId", exp.AgentID, a.Routing.AgentID},
		{"intentId", exp.IntentID, a.Routing.IntentID},
		{"matchType", exp.MatchType, a.Routing.MatchType},
	}

	var mismatches []string
	details := make(map[string]any)
	checked := 0
	for _, f := range fields {
		if f.want == "" {
			continue
		}
		checked++
		if f.got != f.want {
			mismatches = append(mismatches, f.name)
			details[f.name] = map[string]any{"expected": f.want, "actual": f.got}
		}
	}
	if checked == 0 {
		return Result{Type: TypeRouting, Passed: false, Message: "routing assertion specifies no fields"}
	}
	if len(mismatches) == 0 {
		return Result{Type: TypeRouting, Passed: true, Message: fmt.Sprintf("routing matched on %d fields", checked)}
	}
	return Result{
		Type:    TypeRouting,
		Passed:  false,
		Message: fmt.Sprintf("routing mismatch on %s", strings.Join(mismatches, ", ")),
		Details: details,
	}
}

// evalCheckpoint counts checkpoints matching the selectors and requires at
// least MinCount of them.
func evalCheckpoint(a *artifact.Artifact, exp *CheckpointExpectation) Result {
	if exp == nil {
		return Result{Type: TypeCheckpoint, Passed: false, Message: "checkpoint assertion has no expectation block"}
	}
	minCount := exp.MinCount
	if minCount <= 0 {
		minCount = 1
	}

	matched := 0
	for _, cp := range a.Checkpoints {
		if exp.Step != nil && cp.Step != *exp.Step {
			continue
		}
		if exp.StepName != "" && cp.StepName != exp.StepName {
			continue
		}
		if exp.Status != "" && cp.Status != exp.Status {
			continue
		}
		matched++
	}

	if matched >= minCount {
		return Result{
			Type:    TypeCheckpoint,
			Passed:  true,
			Message: fmt.Sprintf("%d matching checkpoints (needed %d)", matched, minCount),
		}
	}
	return Result{
		Type:    TypeCheckpoint,
		Passed:  false,
		Message: fmt.Sprintf("%d matching checkpoints, needed %d", matched, minCount),
		Details: map[string]any{"recorded": len(a.Checkpoints)},
	}
}
