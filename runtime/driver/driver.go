// Package driver implements the step-loop that alternates model generation
// and tool execution, producing a single ordered stream of events terminating
// in run-end or stream-error.
//
// The loop is cooperative and single-writer: one in-flight run owns its
// accumulated text, pending tool-call list, and sequence counter exclusively.
// Tool execution within a step is strictly sequential in model-emission order
// so tool result messages are appended to history in request order and call
// ordinals stay deterministic.
//
// Tool side effects commit before any downstream validation of the model's
// final response. When a later stage fails after tools already executed, the
// driver emits a stream-error annotated with the tool calls that completed so
// consumers can decide whether to treat those side effects as committed. The
// driver never rolls back; tools are expected to be idempotent or retriable
// by the caller.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/rewind/runtime/events"
	"goa.design/rewind/runtime/model"
	"goa.design/rewind/runtime/tools"
	"goa.design/rewind/telemetry"
)

type (
	// Options configures a Driver.
	Options struct {
		// Model is the model invocation capability. Required.
		Model model.Client
		// Tools maps tool names to executors. Required (may be empty).
		Tools *tools.Registry
		// ModelName selects the provider-specific model identifier put on
		// requests.
		ModelName string
		// MaxSteps bounds the number of generation/tool steps per run. The cap
		// is soft: reaching it ends the run normally rather than erroring.
		// Zero means DefaultMaxSteps.
		MaxSteps int
		// MaxTokens caps completion tokens per model invocation. Zero uses the
		// provider default.
		MaxTokens int
		// Temperature is the sampling temperature for model invocations.
		Temperature float32
		// HandoffTool optionally names a tool whose invocation records a
		// delegation to another agent instead of executing an executor. Empty
		// disables handoff detection.
		HandoffTool tools.ID
		// Logger receives structured run logs. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics receives run counters and timers. Defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Tracer creates per-run and per-step spans. Defaults to a no-op tracer.
		Tracer telemetry.Tracer
		// Now supplies wall-clock time. Defaults to time.Now. Tests inject a
		// deterministic clock here.
		Now func() time.Time
		// NewID generates run, message, and tool call identifiers. Defaults to
		// uuid.NewString.
		NewID func() string
	}

	// Driver runs the step loop.
	Driver struct {
		model       model.Client
		tools       *tools.Registry
		modelName   string
		maxSteps    int
		maxTokens   int
		temperature float32
		handoffTool tools.ID
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		now         func() time.Time
		newID       func() string
	}

	// RunInput is the initial conversation state for a run.
	RunInput struct {
		// RunID identifies the run. Generated when empty.
		RunID string
		// ThreadID optionally attaches the run to a conversation thread.
		ThreadID string
		// Message is the triggering user message.
		Message string
		// PreviousMessages is the prior conversation history, oldest first.
		PreviousMessages []*model.Message
	}

	// RunResult is the aggregated outcome of a completed run.
	RunResult struct {
		// RunID identifies the run.
		RunID string
		// Content is the final accumulated assistant text.
		Content string
		// ToolCalls summarizes every tool call executed during the run, in
		// execution order.
		ToolCalls []events.ToolCallSummary
		// Handoff records a delegation to another agent, when one occurred.
		Handoff *events.HandoffSummary
		// Usage is the cumulative token usage across all steps.
		Usage model.TokenUsage
		// Steps is the number of steps executed.
		Steps int
		// FinishReason is the stop reason of the final model invocation.
		FinishReason string
	}

	// pendingCall tracks a tool call requested by the model during the current
	// step, recorded when the fragment arrives and executed after step-end.
	pendingCall struct {
		req       model.ToolCallRequest
		startedAt time.Time
	}
)

// DefaultMaxSteps bounds runs that never stop requesting tools.
const DefaultMaxSteps = 8

// New constructs a Driver. Model and Tools are required.
func New(opts Options) (*Driver, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	d := &Driver{
		model:       opts.Model,
		tools:       opts.Tools,
		modelName:   opts.ModelName,
		maxSteps:    opts.MaxSteps,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		handoffTool: opts.HandoffTool,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if d.maxSteps <= 0 {
		d.maxSteps = DefaultMaxSteps
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	if d.metrics == nil {
		d.metrics = telemetry.NewNoopMetrics()
	}
	if d.tracer == nil {
		d.tracer = telemetry.NewNoopTracer()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d, nil
}

// Run executes the step loop for the given input, emitting every event to
// sink. The sink is closed before Run returns, after any in-flight tool
// execution has finished, so channel consumers terminate cleanly even on
// cancellation.
func (d *Driver) Run(ctx context.Context, in RunInput, sink events.Sink) (*RunResult, error) {
	if sink == nil {
		return nil, errors.New("event sink is required")
	}
	runID := in.RunID
	if runID == "" {
		runID = d.newID()
	}

	ctx, span := d.tracer.Start(ctx, "driver.run")
	defer span.End()

	r := &runState{
		driver:   d,
		sink:     sink,
		runID:    runID,
		threadID: in.ThreadID,
		started:  d.now(),
	}
	defer sink.Close(context.WithoutCancel(ctx)) //nolint:errcheck // teardown

	if err := r.emit(ctx, events.EventRunStart, events.RunStartPayload{
		StartedAt: r.started,
		Input: events.RunInputPayload{
			Message:          in.Message,
			PreviousMessages: in.PreviousMessages,
		},
	}); err != nil {
		return nil, err
	}

	history := make([]*model.Message, 0, len(in.PreviousMessages)+1)
	history = append(history, in.PreviousMessages...)
	history = append(history, &model.Message{Role: model.RoleUser, Content: in.Message})

	result, err := d.loop(ctx, r, history)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// loop drives the per-step algorithm until natural termination or the soft
// MaxSteps cap.
func (d *Driver) loop(ctx context.Context, r *runState, history []*model.Message) (*RunResult, error) {
	var (
		finalText    string
		finishReason string
		usage        model.TokenUsage
		sawUsage     bool
	)

	for step := 0; step < d.maxSteps; step++ {
		r.step = step
		if err := r.emit(ctx, events.EventStepStart, events.StepPayload{StepIndex: step}); err != nil {
			return nil, err
		}

		gen, err := d.generate(ctx, r, history)
		if err != nil {
			return nil, r.fail(ctx, err, gen)
		}
		finalText = gen.text
		finishReason = gen.finishReason
		if gen.usage != nil {
			usage.InputTokens += gen.usage.InputTokens
			usage.OutputTokens += gen.usage.OutputTokens
			usage.TotalTokens += gen.usage.TotalTokens
			sawUsage = true
		}

		if err := r.emit(ctx, events.EventStepEnd, events.StepPayload{StepIndex: step}); err != nil {
			return nil, err
		}

		if len(gen.pending) == 0 {
			// Natural termination: no tools requested, even when the
			// accumulated text is empty.
			r.steps = step + 1
			break
		}

		toolMsgs, err := d.executeTools(ctx, r, gen.pending)
		if err != nil {
			return nil, r.fail(ctx, err, gen)
		}

		if err := r.emit(ctx, events.EventStepComplete, events.StepPayload{StepIndex: step}); err != nil {
			return nil, err
		}

		assistant := &model.Message{
			Role:    model.RoleAssistant,
			Content: gen.text,
		}
		for _, pc := range gen.pending {
			assistant.ToolCalls = append(assistant.ToolCalls, pc.req)
		}
		history = append(history, assistant)
		history = append(history, toolMsgs...)
		r.steps = step + 1

		// Cancellation is honored between steps: already-dispatched tools have
		// finished by now, so partial results up to this point remain valid.
		if ctx.Err() != nil {
			return nil, r.fail(ctx, ctx.Err(), gen)
		}
	}

	finished := d.now()
	var usagePtr *model.TokenUsage
	if sawUsage {
		u := usage
		usagePtr = &u
	}
	if err := r.emit(ctx, events.EventRunEnd, events.RunEndPayload{
		FinishedAt: finished,
		DurationMs: finished.Sub(r.started).Milliseconds(),
		Result: events.RunResultPayload{
			Content:   finalText,
			ToolCalls: r.summaries,
			Handoff:   r.handoff,
			Usage:     usagePtr,
		},
	}); err != nil {
		return nil, err
	}

	d.logger.Info(ctx, "run completed",
		"run_id", r.runID, "steps", r.steps, "tool_calls", len(r.summaries))
	d.metrics.RecordTimer("rewind.run.duration", finished.Sub(r.started), "status", "success")

	return &RunResult{
		RunID:        r.runID,
		Content:      finalText,
		ToolCalls:    r.summaries,
		Handoff:      r.handoff,
		Usage:        usage,
		Steps:        r.steps,
		FinishReason: finishReason,
	}, nil
}
