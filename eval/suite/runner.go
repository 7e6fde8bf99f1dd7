package suite

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"goa.design/rewind/eval/artifact"
	"goa.design/rewind/eval/assert"
	"goa.design/rewind/eval/compare"
	"goa.design/rewind/eval/replay"
	"goa.design/rewind/telemetry"
)

type (
	// Executor runs one case's scenario and returns its outcome. Implemented
	// by the host; the runner never talks to model providers itself.
	Executor func(ctx context.Context, c Case) (*Outcome, error)

	// Outcome is what a case execution yields.
	Outcome struct {
		// Artifact is the normalized artifact of the executed run. Required.
		Artifact *artifact.Artifact
		// TokensUsed is the total token consumption of the run, 0 when the
		// provider reported none.
		TokensUsed int64
	}

	// RunnerOptions configures a Runner.
	RunnerOptions struct {
		// Execute runs case scenarios. Required.
		Execute Executor
		// Store resolves baseline artifacts for regression checks. Required
		// when any case configures a comparison.
		Store artifact.Store
		// Replayer runs replay checks. Required when any case configures a
		// replay.
		Replayer *replay.Orchestrator
		// Resume is the host resume hook passed to replay checks.
		Resume replay.ResumeFunc
		// Logger logs case progress. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Now is the clock used for latency measurement. Defaults to
		// time.Now.
		Now func() time.Time
		// Limiter throttles case execution, typically to respect provider
		// budgets when the executor drives live runs. Nil disables throttling.
		Limiter *rate.Limiter
	}

	// Runner executes suites.
	Runner struct {
		execute  Executor
		store    artifact.Store
		replayer *replay.Orchestrator
		resume   replay.ResumeFunc
		logger   telemetry.Logger
		now      func() time.Time
		limiter  *rate.Limiter
	}
)

// NewRunner constructs a suite runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Execute == nil {
		return nil, errors.New("case executor is required")
	}
	r := &Runner{
		execute:  opts.Execute,
		store:    opts.Store,
		replayer: opts.Replayer,
		resume:   opts.Resume,
		logger:   opts.Logger,
		now:      opts.Now,
		limiter:  opts.Limiter,
	}
	if r.logger == nil {
		r.logger = telemetry.NoopLogger{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Run executes every case of the manifest and aggregates the report. A case
// whose executor returns an error or panics becomes a failed case with the
// error attached; the run always continues to the next case.
func (r *Runner) Run(ctx context.Context, m *Manifest) (*Report, error) {
	if m == nil {
		return nil, errors.New("manifest is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		Suite:   m.Name,
		Version: m.Version,
		Cases:   make([]CaseReport, 0, len(m.Cases)),
	}
	var intents []intentPair

	for _, c := range m.Cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		cr := r.runCase(ctx, m, c)
		report.Cases = append(report.Cases, cr)

		report.Totals.Cases++
		if cr.Passed {
			report.Totals.Passed++
		} else {
			report.Totals.Failed++
		}
		report.Latency.add(cr.LatencyMs)
		report.Tokens.add(cr.Tokens)
		if c.ExpectedIntent != "" || cr.ActualIntent != "" {
			intents = append(intents, intentPair{expected: c.ExpectedIntent, actual: cr.ActualIntent})
		}

		r.logger.Info(ctx, "suite case finished",
			"suite", m.Name,
			"case", cr.Name,
			"passed", cr.Passed,
			"latency_ms", cr.LatencyMs,
		)
	}

	report.Latency.finalize()
	report.Tokens.finalize()
	if len(intents) > 0 {
		report.Intents = buildConfusionMatrix(intents)
	}
	return report, nil
}

// runCase executes one case end to end. All failure modes, including panics
// in the executor, are contained in the returned report.
func (r *Runner) runCase(ctx context.Context, m *Manifest, c Case) (cr CaseReport) {
	cr = CaseReport{ID: caseID(c), Name: c.Name}

	start := r.now()
	defer func() {
		cr.LatencyMs = r.now().Sub(start).Milliseconds()
		if rec := recover(); rec != nil {
			cr.Passed = false
			cr.Error = fmt.Sprintf("case panicked: %v", rec)
			r.logger.Error(ctx, "suite case panicked",
				"case", cr.Name, "panic", fmt.Sprintf("%v", rec), "stack", string(debug.Stack()))
		}
	}()

	outcome, err := r.execute(ctx, c)
	if err != nil {
		cr.Error = err.Error()
		return cr
	}
	if outcome == nil || outcome.Artifact == nil {
		cr.Error = "executor returned no artifact"
		return cr
	}
	a := outcome.Artifact
	cr.TraceID = a.TraceID
	cr.Tokens = outcome.TokensUsed
	if a.Routing != nil {
		cr.ActualIntent = a.Routing.IntentID
	}

	passed := true

	cr.Assertions = assert.EvaluateAll(a, c.Assertions)
	for _, res := range cr.Assertions {
		if !res.Passed {
			passed = false
		}
	}

	if spec := m.caseCompare(c); spec != nil && spec.BaselineTraceID != "" {
		res, err := r.compareBaseline(ctx, a, spec)
		if err != nil {
			cr.Error = err.Error()
			return cr
		}
		cr.Compare = res
		if !res.Passed {
			passed = false
		}
	}

	if spec := m.caseReplay(c); spec != nil {
		res, err := r.runReplay(ctx, spec)
		if err != nil {
			cr.Error = err.Error()
			return cr
		}
		cr.Replay = res
	}

	if c.ExpectedIntent != "" {
		correct := cr.ActualIntent == c.ExpectedIntent
		cr.IntentCorrect = &correct
		if !correct {
			passed = false
		}
	}

	cr.Passed = passed
	return cr
}

func (r *Runner) compareBaseline(ctx context.Context, a *artifact.Artifact, spec *CompareSpec) (*compare.Result, error) {
	if r.store == nil {
		return nil, errors.New("comparison configured but runner has no store")
	}
	baseline, err := r.store.Get(ctx, spec.BaselineTraceID)
	if err != nil {
		return nil, fmt.Errorf("load baseline %s: %w", spec.BaselineTraceID, err)
	}
	return compare.Compare(baseline, a, compare.Options{
		IgnoreFields: spec.IgnoreFields,
		IgnorePaths:  spec.IgnorePaths,
	})
}

func (r *Runner) runReplay(ctx context.Context, spec *ReplaySpec) (*replay.Result, error) {
	if r.replayer == nil || r.resume == nil {
		return nil, errors.New("replay configured but runner has no replay orchestrator")
	}
	return r.replayer.Replay(ctx, spec.TraceID, replay.Options{
		Mode:           spec.Mode,
		CheckpointStep: spec.CheckpointStep,
		Resume:         r.resume,
	})
}

func caseID(c Case) string {
	if c.ID != "" {
		return c.ID
	}
	return c.Name
}
