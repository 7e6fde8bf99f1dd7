package assert

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/rewind/eval/artifact"
)

// evalResponse runs the path-equality checks and the optional similarity
// check. Failures are collected into one result; a similarity failure always
// reports the computed score.
func evalResponse(a *artifact.Artifact, exp *ResponseExpectation) Result {
	if exp == nil || (len(exp.PathEquals) == 0 && exp.Similar == nil) {
		return Result{Type: TypeResponse, Passed: false, Message: "response assertion has no checks"}
	}

	root, err := artifact.Canonicalize(a)
	if err != nil {
		return Result{Type: TypeResponse, Passed: false, Message: fmt.Sprintf("canonicalize artifact: %v", err)}
	}

	var failures []string
	details := make(map[string]any)

	paths := make([]string, 0, len(exp.PathEquals))
	for p := range exp.PathEquals {
		paths = append(paths, p)
	}
	// Sorted so the failure report is stable.
	sort.Strings(paths)
	for _, p := range paths {
		want := exp.PathEquals[p]
		got, ok := lookupPath(root, p)
		switch {
		case !ok:
			failures = append(failures, fmt.Sprintf("path %s absent", p))
			details[p] = map[string]any{"expected": want}
		case !canonicallyEqual(got, want):
			failures = append(failures, fmt.Sprintf("path %s differs", p))
			details[p] = map[string]any{"expected": want, "actual": got}
		}
	}

	if sim := exp.Similar; sim != nil {
		threshold := sim.Threshold
		if threshold <= 0 {
			threshold = DefaultSimilarityThreshold
		}
		score := Similarity(a.Response.Content, sim.Text, sim.CaseSensitive)
		details["similarity"] = score
		if score < threshold {
			failures = append(failures, fmt.Sprintf("similarity %.3f below threshold %.3f", score, threshold))
		}
	}

	if len(failures) == 0 {
		return Result{Type: TypeResponse, Passed: true, Message: "response checks passed", Details: trimDetails(details)}
	}
	return Result{
		Type:    TypeResponse,
		Passed:  false,
		Message: strings.Join(failures, "; "),
		Details: details,
	}
}

// Similarity scores two texts in [0,1] using the Sørensen-Dice coefficient
// over character bigrams. Identical texts score 1, disjoint texts 0.
// Whitespace runs are collapsed before scoring.
func Similarity(a, b string, caseSensitive bool) float64 {
	if !caseSensitive {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}
	a = strings.Join(strings.Fields(a), " ")
	b = strings.Join(strings.Fields(b), " ")
	if a == b {
		return 1
	}
	ab := bigrams(a)
	bb := bigrams(b)
	if len(ab) == 0 || len(bb) == 0 {
		return 0
	}
	shared := 0
	for bg, n := range ab {
		if m, ok := bb[bg]; ok {
			if m < n {
				n = m
			}
			shared += n
		}
	}
	total := 0
	for _, n := range ab {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	return 2 * float64(shared) / float64(total)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// lookupPath resolves a dot path against a generic JSON value. Numeric
// segments index arrays.
func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := parseIndex(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func parseIndex(s string) (int, error) {
	var idx int
	_, err := fmt.Sscanf(s, "%d", &idx)
	return idx, err
}

// trimDetails drops the details map when it is empty so passing results stay
// compact.
func trimDetails(d map[string]any) map[string]any {
	if len(d) == 0 {
		return nil
	}
	return d
}
