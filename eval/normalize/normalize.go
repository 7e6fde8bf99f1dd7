// Package normalize converts raw run records and legacy traces into canonical
// evaluation artifacts.
//
// Normalization is pure and deterministic: given equal logical input it
// produces byte-identical serialized artifacts regardless of wall-clock
// timing, map iteration order, or the order collections arrived in. Two
// independent input paths exist, one for live run records collected from the
// event stream and one for the legacy trace format, and both converge on the
// identical artifact shape and determinism guarantee.
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/rewind/eval/artifact"
)

type (
	// Options configures a Normalizer. Environment metadata is passed in
	// explicitly; the normalizer reads no ambient process state.
	Options struct {
		// Environment describes the recording environment stamped on every
		// artifact.
		Environment artifact.Environment
		// SlowThreshold marks runs as slow when their total duration exceeds
		// it. Zero means DefaultSlowThreshold.
		SlowThreshold time.Duration
		// VolatileKeys extends the default volatile key set stripped from
		// nested metadata and snapshot payloads.
		VolatileKeys []string
	}

	// Normalizer builds canonical artifacts.
	Normalizer struct {
		env      artifact.Environment
		slow     time.Duration
		volatile map[string]struct{}
	}

	// Extras carries run context known to the caller but absent from the raw
	// record: checkpoints collected by the tracing collaborator, the routing
	// decision, and the source trace for re-normalizations.
	Extras struct {
		// Checkpoints are checkpoint spans recorded outside the event stream.
		Checkpoints []CheckpointSpan
		// Routing is the routing decision for the run.
		Routing *artifact.Routing
		// SourceTraceID references the trace this run was derived from.
		SourceTraceID string
	}
)

// DefaultSlowThreshold is the run duration beyond which artifacts are flagged
// slow.
const DefaultSlowThreshold = 30 * time.Second

// DefaultVolatileKeys is the key set stripped recursively from nested
// metadata and snapshot payloads. The same keys are preserved at the artifact
// top level where they carry semantic meaning.
var DefaultVolatileKeys = []string{
	"timestamp",
	"startTime",
	"endTime",
	"traceId",
	"spanId",
	"parentSpanId",
	"runId",
	"sourceTraceId",
}

// New constructs a Normalizer.
func New(opts Options) *Normalizer {
	n := &Normalizer{
		env:      opts.Environment,
		slow:     opts.SlowThreshold,
		volatile: make(map[string]struct{}, len(DefaultVolatileKeys)+len(opts.VolatileKeys)),
	}
	if n.slow <= 0 {
		n.slow = DefaultSlowThreshold
	}
	for _, k := range DefaultVolatileKeys {
		n.volatile[k] = struct{}{}
	}
	for _, k := range opts.VolatileKeys {
		n.volatile[k] = struct{}{}
	}
	return n
}

// Normalize converts a raw input into a canonical artifact. It accepts either
// a live *RunRecord or a legacy *LegacyTrace.
func (n *Normalizer) Normalize(input any, extras Extras) (*artifact.Artifact, error) {
	switch v := input.(type) {
	case *RunRecord:
		return n.Record(v, extras)
	case *LegacyTrace:
		return n.Legacy(v, extras)
	default:
		return nil, fmt.Errorf("unsupported input type %T: want *RunRecord or *LegacyTrace", input)
	}
}

// Record normalizes a live run record collected from the event stream.
func (n *Normalizer) Record(rec *RunRecord, extras Extras) (*artifact.Artifact, error) {
	if rec == nil {
		return nil, errors.New("run record is required")
	}
	if rec.RunID == "" {
		return nil, errors.New("run record: run id is required")
	}
	return n.build(rec, extras)
}

// build runs the shared normalization pipeline over the intermediate record
// representation.
func (n *Normalizer) build(rec *RunRecord, extras Extras) (*artifact.Artifact, error) {
	checkpoints := append(append([]CheckpointSpan(nil), rec.Checkpoints...), extras.Checkpoints...)

	origin := originTimestamp(rec, checkpoints)

	steps := n.normalizeSteps(rec.Steps, origin)
	toolCalls, err := n.normalizeToolCalls(rec.ToolCalls, steps, rec.Steps, origin)
	if err != nil {
		return nil, err
	}
	cps := n.normalizeCheckpoints(checkpoints, origin)
	handoffs := n.normalizeHandoffs(rec.Handoffs, origin)

	routing := rec.Routing
	if extras.Routing != nil {
		routing = extras.Routing
	}

	duration := clampMs(rec.FinishedAt.Sub(rec.StartedAt).Milliseconds())

	a := &artifact.Artifact{
		Version: artifact.Version,
		Run: artifact.RunInfo{
			RunID:         rec.RunID,
			SourceTraceID: extras.SourceTraceID,
			HasError:      rec.HasError,
			IsSlow:        duration > n.slow.Milliseconds(),
		},
		Environment: n.env,
		Input:       artifact.Input{Message: rec.InputMessage},
		Routing:     routing,
		Response: artifact.Response{
			Content:  rec.ResponseContent,
			Role:     rec.ResponseRole,
			Metadata: n.stripVolatile(rec.ResponseMetadata),
		},
		Steps:       steps,
		ToolCalls:   toolCalls,
		Checkpoints: cps,
		Handoffs:    handoffs,
	}

	traceID, err := artifact.DeriveTraceID(a)
	if err != nil {
		return nil, fmt.Errorf("derive trace id: %w", err)
	}
	a.TraceID = traceID
	return a, nil
}

// originTimestamp returns the minimum positive timestamp observed anywhere in
// the run. All relative timings are computed against it.
func originTimestamp(rec *RunRecord, checkpoints []CheckpointSpan) time.Time {
	var origin time.Time
	consider := func(t time.Time) {
		if t.IsZero() || t.UnixMilli() <= 0 {
			return
		}
		if origin.IsZero() || t.Before(origin) {
			origin = t
		}
	}
	consider(rec.StartedAt)
	consider(rec.FinishedAt)
	for _, s := range rec.Steps {
		consider(s.StartedAt)
		consider(s.CompletedAt)
	}
	for _, c := range rec.ToolCalls {
		consider(c.StartedAt)
		consider(c.CompletedAt)
	}
	for _, cp := range checkpoints {
		consider(cp.CreatedAt)
	}
	return origin
}

// normalizeSteps sorts steps by (start time, name) and assigns positional
// indices. The index is positional only, never tied to an original
// identifier.
func (n *Normalizer) normalizeSteps(spans []StepSpan, origin time.Time) []artifact.Step {
	sorted := append([]StepSpan(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].StartedAt.Before(sorted[j].StartedAt)
		}
		return sorted[i].Name < sorted[j].Name
	})

	out := make([]artifact.Step, 0, len(sorted))
	for i, s := range sorted {
		status := s.Status
		if status == "" {
			status = artifact.StatusSuccess
		}
		out = append(out, artifact.Step{
			ID:       fmt.Sprintf("step-%d-%s", i, s.Name),
			Index:    i,
			Name:     s.Name,
			Status:   status,
			Timing:   relativeTiming(s.StartedAt, s.CompletedAt, origin),
			Metadata: n.stripVolatile(s.Metadata),
		})
	}
	return out
}

// normalizeToolCalls sorts tool calls by start time, resolves step
// membership, assigns call ordinals, and derives stable ids and payload
// hashes.
func (n *Normalizer) normalizeToolCalls(spans []ToolCallSpan, steps []artifact.Step, rawSteps []StepSpan, origin time.Time) ([]artifact.ToolCall, error) {
	sorted := append([]ToolCallSpan(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	// Step windows in sorted order, for interval-membership resolution of
	// legacy calls that do not carry a step index.
	windows := stepWindows(rawSteps, steps)

	ordinals := make(map[string]int)
	out := make([]artifact.ToolCall, 0, len(sorted))
	for _, c := range sorted {
		stepIndex := c.StepIndex
		if stepIndex == nil {
			resolved := resolveStepIndex(c.StartedAt, windows)
			stepIndex = &resolved
		}

		key := fmt.Sprintf("%d/%s", *stepIndex, c.ToolID)
		ordinal := ordinals[key]
		ordinals[key] = ordinal + 1

		status := c.Status
		if status == "" {
			if c.Error != "" {
				status = artifact.StatusError
			} else {
				status = artifact.StatusSuccess
			}
		}

		args, err := artifact.Canonicalize(c.Args)
		if err != nil {
			return nil, fmt.Errorf("tool call %s args: %w", c.ToolID, err)
		}
		result, err := artifact.Canonicalize(c.Result)
		if err != nil {
			return nil, fmt.Errorf("tool call %s result: %w", c.ToolID, err)
		}

		tc := artifact.ToolCall{
			ID:          fmt.Sprintf("tool-%d-%s-%d", *stepIndex, c.ToolID, ordinal),
			StepIndex:   *stepIndex,
			ToolID:      c.ToolID,
			CallOrdinal: ordinal,
			Status:      status,
			Timing:      relativeTiming(c.StartedAt, c.CompletedAt, origin),
			Error:       c.Error,
			Args:        args,
			Result:      result,
		}
		if args != nil {
			h, err := artifact.HashValue(args)
			if err != nil {
				return nil, fmt.Errorf("tool call %s input hash: %w", c.ToolID, err)
			}
			tc.InputHash = h
		}
		if result != nil {
			h, err := artifact.HashValue(result)
			if err != nil {
				return nil, fmt.Errorf("tool call %s output hash: %w", c.ToolID, err)
			}
			tc.OutputHash = h
		}
		out = append(out, tc)
	}
	return out, nil
}

// normalizeCheckpoints sorts checkpoints by (step, status) and derives stable
// ids.
func (n *Normalizer) normalizeCheckpoints(spans []CheckpointSpan, origin time.Time) []artifact.Checkpoint {
	sorted := append([]CheckpointSpan(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Step != sorted[j].Step {
			return sorted[i].Step < sorted[j].Step
		}
		return sorted[i].Status < sorted[j].Status
	})

	out := make([]artifact.Checkpoint, 0, len(sorted))
	for _, cp := range sorted {
		status := cp.Status
		if status == "" {
			status = artifact.StatusSuccess
		}
		out = append(out, artifact.Checkpoint{
			ID:       fmt.Sprintf("checkpoint-%d-%s", cp.Step, status),
			Step:     cp.Step,
			StepName: cp.StepName,
			Status:   status,
			Timing:   relativeTiming(cp.CreatedAt, cp.CreatedAt, origin),
			Snapshot: n.stripVolatile(cp.Snapshot),
		})
	}
	return out
}

// normalizeHandoffs keeps handoffs in occurrence order and derives stable ids.
func (n *Normalizer) normalizeHandoffs(spans []HandoffSpan, origin time.Time) []artifact.Handoff {
	out := make([]artifact.Handoff, 0, len(spans))
	for _, h := range spans {
		depth := h.Depth
		if depth <= 0 {
			depth = 1
		}
		out = append(out, artifact.Handoff{
			ID:        fmt.Sprintf("handoff-%d-%s", depth, h.ToAgent),
			FromAgent: h.FromAgent,
			ToAgent:   h.ToAgent,
			Message:   h.Message,
			Depth:     depth,
			Timing:    relativeTiming(h.At, h.At, origin),
		})
	}
	return out
}

// stripVolatile removes the volatile key set recursively from a nested
// payload. Top-level artifact blocks never pass through here; only nested
// metadata and snapshots are stripped.
func (n *Normalizer) stripVolatile(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, volatile := n.volatile[k]; volatile {
			continue
		}
		out[k] = n.stripVolatileValue(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (n *Normalizer) stripVolatileValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return n.stripVolatile(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = n.stripVolatileValue(elem)
		}
		return out
	default:
		return v
	}
}

type stepWindow struct {
	start time.Time
	end   time.Time
	index int
}

// stepWindows pairs each normalized step index with its raw time window.
func stepWindows(raw []StepSpan, steps []artifact.Step) []stepWindow {
	// Steps were sorted by (start, name); re-sort the raw spans the same way
	// so windows line up with normalized indices.
	sorted := append([]StepSpan(nil), raw...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].StartedAt.Before(sorted[j].StartedAt)
		}
		return sorted[i].Name < sorted[j].Name
	})
	windows := make([]stepWindow, 0, len(sorted))
	for i, s := range sorted {
		if i >= len(steps) {
			break
		}
		windows = append(windows, stepWindow{start: s.StartedAt, end: s.CompletedAt, index: steps[i].Index})
	}
	return windows
}

// resolveStepIndex finds the step whose [start, end] window contains the tool
// call's start time. Calls contained by no window are orphaned and assigned
// step index -1, but still recorded.
func resolveStepIndex(start time.Time, windows []stepWindow) int {
	for _, w := range windows {
		if !start.Before(w.start) && !start.After(w.end) {
			return w.index
		}
	}
	return -1
}

// relativeTiming converts an absolute span to origin-relative timing with a
// non-negative duration.
func relativeTiming(start, end, origin time.Time) artifact.Timing {
	var offset int64
	if !start.IsZero() && !origin.IsZero() {
		offset = clampMs(start.Sub(origin).Milliseconds())
	}
	var duration int64
	if !start.IsZero() && !end.IsZero() {
		duration = clampMs(end.Sub(start).Milliseconds())
	}
	return artifact.Timing{OffsetMs: offset, DurationMs: duration}
}

func clampMs(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}
