// Package compare diffs two evaluation artifacts and grades the result with a
// fixed six-check scorecard.
//
// Comparison operates on the canonical generic projection of both artifacts.
// Volatile and caller-ignored fields are stripped before any equality check,
// so two artifacts that differ only in timings or identifiers compare equal.
// The delta list is deterministic: paths are produced in sorted order so the
// same pair of artifacts always yields the same report.
package compare

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"goa.design/rewind/eval/artifact"
)

type (
	// Options configures a comparison.
	Options struct {
		// IgnoreFields lists field names stripped recursively from both
		// artifacts wherever they appear, in addition to DefaultIgnoreFields.
		IgnoreFields []string
		// IgnorePaths lists exact dot-separated paths stripped from both
		// artifacts (e.g., "response.metadata.model"). Array elements are
		// addressed by index.
		IgnorePaths []string
	}

	// Result is the outcome of comparing an expected artifact against an
	// actual one.
	Result struct {
		// Passed reports whether every named check passed. It is the verdict
		// of the comparison: deltas outside the graded sections leave it
		// true.
		Passed bool `json:"passed"`
		// Equal reports whether the stripped artifacts are deeply equal.
		Equal bool `json:"equal"`
		// Scorecard grades the fixed check set.
		Scorecard Scorecard `json:"scorecard"`
		// Deltas lists every difference in sorted path order. Empty when
		// Equal.
		Deltas []Delta `json:"deltas,omitempty"`
	}

	// Scorecard summarizes the fixed check set. TotalChecks is always the
	// number of named checks regardless of how many sections the artifacts
	// populate.
	Scorecard struct {
		// TotalChecks is the number of checks evaluated, always len(Checks).
		TotalChecks int `json:"total_checks"`
		// Passed counts checks with no deltas under their section.
		Passed int `json:"passed"`
		// Failed counts checks with at least one delta under their section.
		Failed int `json:"failed"`
		// Regressions describes each failed check, in fixed check order.
		Regressions []Regression `json:"regressions,omitempty"`
	}

	// Regression pins a failed check to the first divergence found under its
	// section.
	Regression struct {
		// Check is the failed check's name.
		Check string `json:"check"`
		// Path locates the first delta under the check's section.
		Path string `json:"path"`
		// Message describes the divergence.
		Message string `json:"message"`
	}

	// Delta is one difference between the expected and actual artifacts.
	Delta struct {
		// Path is the dot-separated location of the difference.
		Path string `json:"path"`
		// Kind classifies the difference.
		Kind DeltaKind `json:"kind"`
		// Expected is the expected value, absent for extra fields.
		Expected any `json:"expected,omitempty"`
		// Actual is the actual value, absent for missing fields.
		Actual any `json:"actual,omitempty"`
	}

	// DeltaKind classifies a difference.
	DeltaKind string
)

const (
	// DeltaChanged marks a value present on both sides with different content.
	DeltaChanged DeltaKind = "changed"
	// DeltaMissing marks a value present on the expected side only.
	DeltaMissing DeltaKind = "missing"
	// DeltaExtra marks a value present on the actual side only.
	DeltaExtra DeltaKind = "extra"
)

// Checks is the fixed check set, one per graded artifact section, in report
// order.
var Checks = []string{
	"routing",
	"response",
	"tool_calls",
	"steps",
	"checkpoints",
	"handoffs",
}

// DefaultIgnoreFields are stripped from both artifacts before comparison.
// They cover derived identifiers, wall-clock residue, and environment
// metadata that legitimately varies between recordings of the same behavior.
var DefaultIgnoreFields = []string{
	"trace_id",
	"run_id",
	"source_trace_id",
	"timing",
	"offset_ms",
	"duration_ms",
	"is_slow",
	"environment",
}

// Compare diffs the actual artifact against the expected one.
func Compare(expected, actual *artifact.Artifact, opts Options) (*Result, error) {
	if expected == nil || actual == nil {
		return nil, errors.New("both artifacts are required")
	}

	ignore := make(map[string]struct{}, len(DefaultIgnoreFields)+len(opts.IgnoreFields))
	for _, f := range DefaultIgnoreFields {
		ignore[f] = struct{}{}
	}
	for _, f := range opts.IgnoreFields {
		ignore[f] = struct{}{}
	}

	exp, err := projection(expected, ignore, opts.IgnorePaths)
	if err != nil {
		return nil, fmt.Errorf("expected artifact: %w", err)
	}
	act, err := projection(actual, ignore, opts.IgnorePaths)
	if err != nil {
		return nil, fmt.Errorf("actual artifact: %w", err)
	}

	var deltas []Delta
	diffValues("", exp, act, &deltas)
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })

	res := &Result{
		Equal:  len(deltas) == 0,
		Deltas: deltas,
		Scorecard: Scorecard{
			TotalChecks: len(Checks),
		},
	}
	for _, check := range Checks {
		if d, failed := sectionDelta(check, deltas); failed {
			res.Scorecard.Failed++
			res.Scorecard.Regressions = append(res.Scorecard.Regressions, Regression{
				Check:   check,
				Path:    d.Path,
				Message: d.describe(),
			})
		} else {
			res.Scorecard.Passed++
		}
	}
	res.Passed = res.Scorecard.Failed == 0
	return res, nil
}

// describe renders a delta as a one-line human-readable message.
func (d Delta) describe() string {
	switch d.Kind {
	case DeltaMissing:
		return fmt.Sprintf("expected value missing: %v", d.Expected)
	case DeltaExtra:
		return fmt.Sprintf("unexpected value: %v", d.Actual)
	default:
		return fmt.Sprintf("expected %v, got %v", d.Expected, d.Actual)
	}
}

// projection converts an artifact to its generic canonical form with ignored
// fields and paths removed.
func projection(a *artifact.Artifact, ignoreFields map[string]struct{}, ignorePaths []string) (any, error) {
	v, err := artifact.Canonicalize(a)
	if err != nil {
		return nil, err
	}
	v = stripFields(v, ignoreFields)
	for _, p := range ignorePaths {
		v = stripPath(v, strings.Split(p, "."))
	}
	return v, nil
}

// stripFields removes the ignored field names recursively.
func stripFields(v any, ignore map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if _, skip := ignore[k]; skip {
				continue
			}
			out[k] = stripFields(elem, ignore)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = stripFields(elem, ignore)
		}
		return out
	default:
		return v
	}
}

// stripPath removes one exact dot path. Numeric segments index into arrays; a
// non-numeric segment against an array applies to every element.
func stripPath(v any, segments []string) any {
	if len(segments) == 0 {
		return v
	}
	head, rest := segments[0], segments[1:]
	switch val := v.(type) {
	case map[string]any:
		elem, ok := val[head]
		if !ok {
			return val
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = e
		}
		if len(rest) == 0 {
			delete(out, head)
		} else {
			out[head] = stripPath(elem, rest)
		}
		return out
	case []any:
		out := make([]any, len(val))
		copy(out, val)
		if idx, err := parseIndex(head); err == nil {
			if idx >= 0 && idx < len(out) {
				if len(rest) == 0 {
					out[idx] = nil
				} else {
					out[idx] = stripPath(out[idx], rest)
				}
			}
			return out
		}
		for i, elem := range out {
			out[i] = stripPath(elem, segments)
		}
		return out
	default:
		return v
	}
}

func parseIndex(s string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(s, "%d", &idx); err != nil {
		return 0, err
	}
	return idx, nil
}

// diffValues walks both values in parallel, appending a delta at every
// divergence. Map keys are visited in sorted order so output is
// deterministic.
func diffValues(path string, exp, act any, deltas *[]Delta) {
	switch e := exp.(type) {
	case map[string]any:
		a, ok := act.(map[string]any)
		if !ok {
			*deltas = append(*deltas, Delta{Path: path, Kind: DeltaChanged, Expected: exp, Actual: act})
			return
		}
		keys := make([]string, 0, len(e)+len(a))
		seen := make(map[string]struct{}, len(e)+len(a))
		for k := range e {
			keys = append(keys, k)
			seen[k] = struct{}{}
		}
		for k := range a {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := joinPath(path, k)
			ev, inExp := e[k]
			av, inAct := a[k]
			switch {
			case inExp && !inAct:
				*deltas = append(*deltas, Delta{Path: child, Kind: DeltaMissing, Expected: ev})
			case !inExp && inAct:
				*deltas = append(*deltas, Delta{Path: child, Kind: DeltaExtra, Actual: av})
			default:
				diffValues(child, ev, av, deltas)
			}
		}

	case []any:
		a, ok := act.([]any)
		if !ok {
			*deltas = append(*deltas, Delta{Path: path, Kind: DeltaChanged, Expected: exp, Actual: act})
			return
		}
		n := len(e)
		if len(a) > n {
			n = len(a)
		}
		for i := 0; i < n; i++ {
			child := joinPath(path, fmt.Sprintf("%d", i))
			switch {
			case i >= len(a):
				*deltas = append(*deltas, Delta{Path: child, Kind: DeltaMissing, Expected: e[i]})
			case i >= len(e):
				*deltas = append(*deltas, Delta{Path: child, Kind: DeltaExtra, Actual: a[i]})
			default:
				diffValues(child, e[i], a[i], deltas)
			}
		}

	default:
		if !reflect.DeepEqual(exp, act) {
			*deltas = append(*deltas, Delta{Path: path, Kind: DeltaChanged, Expected: exp, Actual: act})
		}
	}
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}

// sectionDelta returns the first delta under the named check's artifact
// section. Deltas are in sorted path order, so the result is deterministic.
func sectionDelta(check string, deltas []Delta) (Delta, bool) {
	for _, d := range deltas {
		if d.Path == check || strings.HasPrefix(d.Path, check+".") {
			return d, true
		}
	}
	return Delta{}, false
}
