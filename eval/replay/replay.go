// Package replay re-executes recorded runs from stored artifacts without
// touching live model providers or real tool backends.
//
// The orchestrator loads an artifact by trace ID, selects a checkpoint, and
// hands the checkpoint snapshot to a host-provided resume hook. Tool calls
// made during resume are served from queued mocks first and the recorded
// results second, with argument signatures verified against the recording.
// Time is virtual: the replay clock fast-forwards by recorded durations
// instead of sleeping, so a replay of a slow run completes immediately.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/rewind/eval/artifact"
	"goa.design/rewind/telemetry"
)

type (
	// ResumeFunc is the host hook invoked to continue a run from a replay
	// context. The hook drives its tool calls through Session.Call and
	// returns the final output of the resumed run.
	ResumeFunc func(ctx context.Context, s *Session) (json.RawMessage, error)

	// Options configures a single replay.
	Options struct {
		// Mode selects how the checkpoint boundary is treated. Defaults to
		// ModeRetry.
		Mode Mode
		// CheckpointStep pins the checkpoint to an exact step. Nil selects the
		// checkpoint with the highest step. Ignored by ModeRestart.
		CheckpointStep *int
		// Mocks queues per-tool responses consumed in order before falling
		// back to recorded results.
		Mocks []ToolMock
		// Resume is the host hook that continues the run. Required.
		Resume ResumeFunc
	}

	// ToolMock is one queued mock response for a tool.
	ToolMock struct {
		// ToolID names the tool the mock serves.
		ToolID string
		// Response is returned to the caller when the mock is consumed.
		Response json.RawMessage
		// Err, when non-empty, is returned as an error instead of Response.
		Err string
	}

	// Result is the outcome of a replay.
	Result struct {
		// TraceID is the replayed trace.
		TraceID string `json:"trace_id"`
		// RunID is the original run identifier.
		RunID string `json:"run_id"`
		// CheckpointStep is the selected checkpoint step, -1 for ModeRestart.
		CheckpointStep int `json:"checkpoint_step"`
		// Mode is the replay mode used.
		Mode Mode `json:"mode"`
		// Output is the resumed run's final output.
		Output json.RawMessage `json:"output,omitempty"`
		// OutputHash is the deterministic hash of Output.
		OutputHash string `json:"output_hash,omitempty"`
	}

	// Orchestrator replays stored artifacts.
	Orchestrator struct {
		store  artifact.Store
		logger telemetry.Logger
	}

	// OrchestratorOption customizes an Orchestrator.
	OrchestratorOption func(*Orchestrator)

	// Mode selects the checkpoint boundary semantics.
	Mode string
)

const (
	// ModeRetry re-executes the checkpoint step itself: recorded calls from
	// the checkpoint step onward are replayable.
	ModeRetry Mode = "retry"

	// ModeSkip treats the checkpoint step as done: only recorded calls after
	// the checkpoint step are replayable.
	ModeSkip Mode = "skip"

	// ModeRestart replays the run from the beginning, ignoring checkpoints.
	ModeRestart Mode = "restart"
)

// WithLogger sets the orchestrator logger.
func WithLogger(l telemetry.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// New constructs a replay orchestrator over the given artifact store.
func New(store artifact.Store, opts ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	o := &Orchestrator{store: store, logger: telemetry.NoopLogger{}}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Replay loads the trace, selects the checkpoint per the options, runs the
// resume hook inside a replay session, and verifies the session fully
// consumed its mock queues and recorded calls.
func (o *Orchestrator) Replay(ctx context.Context, traceID string, opts Options) (*Result, error) {
	if opts.Resume == nil {
		return nil, errors.New("resume hook is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeRetry
	}

	a, err := o.store.Get(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("load trace %s: %w", traceID, err)
	}

	cp, cpStep, err := selectCheckpoint(a, mode, opts.CheckpointStep)
	if err != nil {
		return nil, err
	}

	session, err := newSession(a, mode, cp, cpStep, opts.Mocks)
	if err != nil {
		return nil, err
	}

	o.logger.Info(ctx, "replaying trace",
		"trace_id", traceID,
		"run_id", a.Run.RunID,
		"mode", string(mode),
		"checkpoint_step", cpStep,
	)

	output, err := opts.Resume(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("resume trace %s: %w", traceID, err)
	}
	if err := session.verifyConsumed(); err != nil {
		return nil, err
	}

	res := &Result{
		TraceID:        traceID,
		RunID:          a.Run.RunID,
		CheckpointStep: cpStep,
		Mode:           mode,
		Output:         output,
	}
	// The hash binds the output to the replay inputs, so the same output
	// produced from a different checkpoint or mode hashes differently.
	var outVal any
	if len(output) > 0 {
		outVal = output
	}
	h, err := artifact.HashValue(map[string]any{
		"trace_id":        traceID,
		"checkpoint_step": cpStep,
		"mode":            string(mode),
		"output":          outVal,
	})
	if err != nil {
		return nil, fmt.Errorf("hash replay output: %w", err)
	}
	res.OutputHash = h
	return res, nil
}

// selectCheckpoint picks the checkpoint for the replay. ModeRestart uses no
// checkpoint and reports step -1. An explicit step must match a recorded
// checkpoint exactly; otherwise the checkpoint with the highest step wins.
func selectCheckpoint(a *artifact.Artifact, mode Mode, step *int) (*artifact.Checkpoint, int, error) {
	if mode == ModeRestart {
		return nil, -1, nil
	}
	if len(a.Checkpoints) == 0 {
		return nil, 0, &CheckpointNotFoundError{TraceID: a.TraceID, Step: step}
	}
	if step != nil {
		for i := range a.Checkpoints {
			if a.Checkpoints[i].Step == *step {
				return &a.Checkpoints[i], *step, nil
			}
		}
		return nil, 0, &CheckpointNotFoundError{TraceID: a.TraceID, Step: step, Available: checkpointSteps(a)}
	}
	best := &a.Checkpoints[0]
	for i := range a.Checkpoints {
		if a.Checkpoints[i].Step >= best.Step {
			best = &a.Checkpoints[i]
		}
	}
	return best, best.Step, nil
}

func checkpointSteps(a *artifact.Artifact) []int {
	steps := make([]int, 0, len(a.Checkpoints))
	for _, cp := range a.Checkpoints {
		steps = append(steps, cp.Step)
	}
	sort.Ints(steps)
	return steps
}

// Virtual replay epoch. Any fixed base works since artifact timings are
// origin-relative.
var replayEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
