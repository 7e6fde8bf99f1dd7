package suite

import (
	"sort"

	"goa.design/rewind/eval/assert"
	"goa.design/rewind/eval/compare"
	"goa.design/rewind/eval/replay"
)

type (
	// Report is the aggregated result of a suite run.
	Report struct {
		// Suite is the manifest name.
		Suite string `json:"suite"`
		// Version is the manifest version, when set.
		Version string `json:"version,omitempty"`
		// Cases are the per-case reports in manifest order.
		Cases []CaseReport `json:"cases"`
		// Totals counts case outcomes.
		Totals Totals `json:"totals"`
		// Latency aggregates case latencies in milliseconds.
		Latency Rollup `json:"latency"`
		// Tokens aggregates case token usage.
		Tokens Rollup `json:"tokens"`
		// Intents is the intent confusion matrix, present when any case
		// participated in intent scoring.
		Intents *ConfusionMatrix `json:"intents,omitempty"`
	}

	// CaseReport is the result of one case.
	CaseReport struct {
		// ID identifies the case.
		ID string `json:"id"`
		// Name is the case name.
		Name string `json:"name"`
		// Passed reports the overall case outcome.
		Passed bool `json:"passed"`
		// Error carries the executor or check error for failed cases.
		Error string `json:"error,omitempty"`
		// TraceID is the artifact produced by the execution.
		TraceID string `json:"trace_id,omitempty"`
		// Assertions are the assertion results in manifest order.
		Assertions []assert.Result `json:"assertions,omitempty"`
		// Compare is the baseline regression result, when configured.
		Compare *compare.Result `json:"compare,omitempty"`
		// Replay is the replay check result, when configured.
		Replay *replay.Result `json:"replay,omitempty"`
		// ActualIntent is the intent the router classified.
		ActualIntent string `json:"actual_intent,omitempty"`
		// IntentCorrect reports intent correctness for scored cases.
		IntentCorrect *bool `json:"intent_correct,omitempty"`
		// LatencyMs is the case execution latency.
		LatencyMs int64 `json:"latency_ms"`
		// Tokens is the case token usage.
		Tokens int64 `json:"tokens"`
	}

	// Totals counts case outcomes.
	Totals struct {
		Cases  int `json:"cases"`
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	}

	// Rollup aggregates a per-case numeric measure.
	Rollup struct {
		Min   int64   `json:"min"`
		Max   int64   `json:"max"`
		Avg   float64 `json:"avg"`
		Total int64   `json:"total"`

		count int64
	}

	// ConfusionMatrix scores intent classification across the suite.
	ConfusionMatrix struct {
		// Labels are the per-label scores, sorted by label with the no-intent
		// sentinel last.
		Labels []LabelScore `json:"labels"`
		// Accuracy is the overall fraction of correctly classified cases.
		Accuracy float64 `json:"accuracy"`
		// Samples is the number of scored cases.
		Samples int `json:"samples"`
	}

	// LabelScore is the score of one intent label.
	LabelScore struct {
		// Label is the intent label, NoIntentLabel for absent intents.
		Label string `json:"label"`
		// TruePositives counts cases expected and classified as this label.
		TruePositives int `json:"true_positives"`
		// FalsePositives counts cases classified as this label but expected
		// as another.
		FalsePositives int `json:"false_positives"`
		// FalseNegatives counts cases expected as this label but classified
		// as another.
		FalseNegatives int `json:"false_negatives"`
		// Precision is TP / (TP + FP), 0 when undefined.
		Precision float64 `json:"precision"`
		// Recall is TP / (TP + FN), 0 when undefined.
		Recall float64 `json:"recall"`
		// Accuracy is the fraction of scored cases this label classifies
		// correctly, counting true negatives.
		Accuracy float64 `json:"accuracy"`
	}

	intentPair struct {
		expected string
		actual   string
	}
)

// NoIntentLabel is the sentinel label standing in for an absent intent on
// either side of the confusion matrix. It always sorts last.
const NoIntentLabel = "(no intent)"

func (r *Rollup) add(v int64) {
	if r.count == 0 || v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
	r.Total += v
	r.count++
}

func (r *Rollup) finalize() {
	if r.count > 0 {
		r.Avg = float64(r.Total) / float64(r.count)
	}
}

// buildConfusionMatrix scores intent classification from (expected, actual)
// pairs. Absent intents map to the sentinel label.
func buildConfusionMatrix(pairs []intentPair) *ConfusionMatrix {
	labels := make(map[string]*LabelScore)
	ensure := func(label string) *LabelScore {
		if ls, ok := labels[label]; ok {
			return ls
		}
		ls := &LabelScore{Label: label}
		labels[label] = ls
		return ls
	}

	correct := 0
	for _, p := range pairs {
		exp := p.expected
		if exp == "" {
			exp = NoIntentLabel
		}
		act := p.actual
		if act == "" {
			act = NoIntentLabel
		}
		if exp == act {
			ensure(exp).TruePositives++
			correct++
			continue
		}
		ensure(exp).FalseNegatives++
		ensure(act).FalsePositives++
	}

	total := len(pairs)
	out := &ConfusionMatrix{Samples: total}
	if total > 0 {
		out.Accuracy = float64(correct) / float64(total)
	}
	for _, ls := range labels {
		if d := ls.TruePositives + ls.FalsePositives; d > 0 {
			ls.Precision = float64(ls.TruePositives) / float64(d)
		}
		if d := ls.TruePositives + ls.FalseNegatives; d > 0 {
			ls.Recall = float64(ls.TruePositives) / float64(d)
		}
		if total > 0 {
			trueNegatives := total - ls.TruePositives - ls.FalsePositives - ls.FalseNegatives
			ls.Accuracy = float64(ls.TruePositives+trueNegatives) / float64(total)
		}
		out.Labels = append(out.Labels, *ls)
	}

	sort.Slice(out.Labels, func(i, j int) bool {
		li, lj := out.Labels[i].Label, out.Labels[j].Label
		if (li == NoIntentLabel) != (lj == NoIntentLabel) {
			return lj == NoIntentLabel
		}
		return li < lj
	})
	return out
}
