package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"goa.design/rewind/runtime/events"
	"goa.design/rewind/runtime/model"
	"goa.design/rewind/runtime/tools"
)

type (
	// runState is the mutable state owned exclusively by one in-flight run.
	// No two concurrent steps of the same run execute simultaneously, so the
	// state needs no synchronization.
	runState struct {
		driver   *Driver
		sink     events.Sink
		runID    string
		threadID string
		started  time.Time
		seq      events.Sequencer

		step  int
		steps int

		summaries []events.ToolCallSummary
		committed []string
		handoff   *events.HandoffSummary
	}

	// generation captures the outcome of consuming one model fragment stream.
	generation struct {
		text         string
		messageID    string
		pending      []pendingCall
		finishReason string
		usage        *model.TokenUsage
	}
)

// emit constructs and sends the event for the given type and payload with the
// next sequence number.
func (r *runState) emit(ctx context.Context, t events.EventType, payload any) error {
	base := events.NewBase(t, r.runID, r.threadID, r.seq.Next(), r.driver.now(), payload)
	ev, err := events.New(base, payload)
	if err != nil {
		return err
	}
	if err := r.sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("send %s event: %w", t, err)
	}
	r.driver.metrics.IncCounter("rewind.events.emitted", 1, "type", string(t))
	return nil
}

// fail emits a terminal stream-error annotated with the partial text and the
// tool calls whose side effects already committed, then returns the original
// error wrapped. Emission is best effort: when the sink itself is broken the
// original error still surfaces.
func (r *runState) fail(ctx context.Context, cause error, gen *generation) error {
	name := "UpstreamStreamFailure"
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		name = "Canceled"
	}
	payload := events.StreamErrorPayload{
		StepIndex:      r.step,
		Error:          events.ErrorDetail{Message: cause.Error(), Name: name},
		CommittedTools: r.committed,
	}
	if gen != nil {
		payload.MessageID = gen.messageID
		payload.PartialText = gen.text
	}
	// Sends must not honor an already-canceled context here or the terminal
	// event would be dropped instead of surfaced.
	emitCtx := context.WithoutCancel(ctx)
	if err := r.emit(emitCtx, events.EventStreamError, payload); err != nil {
		r.driver.logger.Error(emitCtx, "emit stream-error failed",
			"run_id", r.runID, "err", err.Error())
	}
	r.driver.metrics.IncCounter("rewind.run.failures", 1, "kind", name)
	r.driver.logger.Warn(emitCtx, "run failed",
		"run_id", r.runID, "step", r.step, "kind", name,
		"committed_tools", len(r.committed))
	return fmt.Errorf("run %s step %d: %w", r.runID, r.step, cause)
}

// generate invokes the model with the current history and consumes its
// fragment stream, emitting token, tool-call, usage, and message-end events.
// Tool calls are recorded but not executed here.
func (d *Driver) generate(ctx context.Context, r *runState, history []*model.Message) (*generation, error) {
	gen := &generation{}

	req := model.Request{
		Model:       d.modelName,
		Messages:    history,
		Tools:       d.tools.Definitions(),
		MaxTokens:   d.maxTokens,
		Temperature: d.temperature,
	}
	st, err := d.model.Stream(ctx, req)
	if err != nil {
		return gen, fmt.Errorf("invoke model: %w", err)
	}
	defer st.Close() //nolint:errcheck // stream teardown

	for {
		// Check for cancellation before awaiting the next fragment so aborts
		// stop consumption promptly.
		if err := ctx.Err(); err != nil {
			return gen, err
		}
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return gen, fmt.Errorf("model stream: %w", err)
		}

		switch chunk.Type {
		case model.ChunkTypeText:
			if gen.messageID == "" {
				gen.messageID = d.newID()
				if err := r.emit(ctx, events.EventMessageStart, events.MessageStartPayload{
					MessageID: gen.messageID,
					Step:      r.step,
					Role:      model.RoleAssistant,
				}); err != nil {
					return gen, err
				}
			}
			gen.text += chunk.Text
			if err := r.emit(ctx, events.EventToken, events.TokenPayload{
				MessageID:   gen.messageID,
				Step:        r.step,
				Delta:       chunk.Text,
				Accumulated: gen.text,
			}); err != nil {
				return gen, err
			}

		case model.ChunkTypeToolCall:
			if chunk.ToolCall == nil {
				return gen, errors.New("model stream: tool_call chunk without tool call")
			}
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = d.newID()
			}
			startedAt := d.now()
			if err := r.emit(ctx, events.EventToolCall, events.ToolCallPayload{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Input:      call.Input,
				StartedAt:  startedAt,
			}); err != nil {
				return gen, err
			}
			gen.pending = append(gen.pending, pendingCall{req: call, startedAt: startedAt})

		case model.ChunkTypeStop:
			gen.finishReason = chunk.StopReason
			gen.usage = chunk.Usage
			var up events.UsagePayload
			if chunk.Usage != nil {
				up.TokenUsage = *chunk.Usage
			}
			if err := r.emit(ctx, events.EventUsage, up); err != nil {
				return gen, err
			}
			if err := r.emit(ctx, events.EventMessageEnd, events.MessageEndPayload{
				MessageID:    gen.messageID,
				FinishedAt:   d.now(),
				FinishReason: chunk.StopReason,
			}); err != nil {
				return gen, err
			}

		default:
			return gen, fmt.Errorf("model stream: unknown chunk type %q", chunk.Type)
		}
	}
	return gen, nil
}

// executeTools runs every pending tool call sequentially in model-emission
// order, emitting tool-result or tool-error immediately upon each completion,
// and returns the tool result messages to append to history in request order.
//
// A missing executor or a failing executor never aborts the stream: both are
// converted to a tool-error event plus a failure-flagged tool result message.
func (d *Driver) executeTools(ctx context.Context, r *runState, pending []pendingCall) ([]*model.Message, error) {
	msgs := make([]*model.Message, 0, len(pending))
	for i, pc := range pending {
		// Honor cancellation between dispatches only: an already-dispatched
		// execution always runs to completion so its side effect is not
		// orphaned mid-flight.
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		name := tools.ID(pc.req.Name)
		summary := events.ToolCallSummary{
			ToolCallID: pc.req.ID,
			ToolName:   pc.req.Name,
			Step:       r.step,
		}

		if d.handoffTool != "" && name == d.handoffTool {
			msg, err := d.recordHandoff(ctx, r, pc)
			if err != nil {
				return nil, err
			}
			r.summaries = append(r.summaries, summary)
			msgs = append(msgs, msg)
			continue
		}

		tool, err := d.tools.Lookup(name)
		if err != nil {
			// Tool not found: synthesize an error result, do not throw out of
			// the loop.
			msg, emitErr := d.emitToolError(ctx, r, pc, "ToolNotFound", err)
			if emitErr != nil {
				return nil, emitErr
			}
			summary.IsError = true
			r.summaries = append(r.summaries, summary)
			msgs = append(msgs, msg)
			continue
		}

		out, execErr := runExecutor(ctx, tool.Execute, pc.req.Input)
		completedAt := d.now()
		duration := completedAt.Sub(pc.startedAt)
		d.metrics.RecordTimer("rewind.tool.duration", duration, "tool", pc.req.Name)

		if execErr != nil {
			msg, emitErr := d.emitToolError(ctx, r, pc, "ToolExecutionFailure", execErr)
			if emitErr != nil {
				return nil, emitErr
			}
			summary.IsError = true
			r.summaries = append(r.summaries, summary)
			msgs = append(msgs, msg)
			continue
		}

		if err := r.emit(ctx, events.EventToolResult, events.ToolResultPayload{
			ToolCallID:  pc.req.ID,
			ToolName:    pc.req.Name,
			Output:      out,
			CompletedAt: completedAt,
			DurationMs:  duration.Milliseconds(),
		}); err != nil {
			return nil, err
		}
		r.committed = append(r.committed, pc.req.ID)
		r.summaries = append(r.summaries, summary)
		msgs = append(msgs, &model.Message{
			Role: model.RoleTool,
			ToolResult: &model.ToolResult{
				ToolCallID: pc.req.ID,
				ToolName:   pc.req.Name,
				Content:    out,
			},
		})
	}
	return msgs, nil
}

// emitToolError emits a tool-error event and builds the matching
// failure-flagged tool result message.
func (d *Driver) emitToolError(ctx context.Context, r *runState, pc pendingCall, name string, cause error) (*model.Message, error) {
	completedAt := d.now()
	detail := events.ErrorDetail{Message: cause.Error(), Name: name}
	if err := r.emit(ctx, events.EventToolError, events.ToolErrorPayload{
		ToolCallID:  pc.req.ID,
		ToolName:    pc.req.Name,
		Error:       detail,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(pc.startedAt).Milliseconds(),
	}); err != nil {
		return nil, err
	}
	d.metrics.IncCounter("rewind.tool.failures", 1, "tool", pc.req.Name, "kind", name)
	d.logger.Warn(ctx, "tool failed",
		"run_id", r.runID, "tool", pc.req.Name, "tool_call_id", pc.req.ID,
		"kind", name, "err", cause.Error())

	content, err := json.Marshal(detail)
	if err != nil {
		content = []byte(fmt.Sprintf("%q", cause.Error()))
	}
	return &model.Message{
		Role: model.RoleTool,
		ToolResult: &model.ToolResult{
			ToolCallID: pc.req.ID,
			ToolName:   pc.req.Name,
			Content:    content,
			IsFailure:  true,
		},
	}, nil
}

// recordHandoff handles a call to the configured handoff tool: it records the
// delegation on the run and emits a tool-result echoing the handoff arguments.
func (d *Driver) recordHandoff(ctx context.Context, r *runState, pc pendingCall) (*model.Message, error) {
	var args struct {
		ToAgent string `json:"to_agent"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(pc.req.Input, &args); err != nil || args.ToAgent == "" {
		cause := fmt.Errorf("handoff arguments require to_agent: %s", pc.req.Input)
		return d.emitToolError(ctx, r, pc, "InvalidHandoff", cause)
	}
	depth := 1
	if r.handoff != nil {
		depth = r.handoff.Depth + 1
	}
	r.handoff = &events.HandoffSummary{
		ToAgent: args.ToAgent,
		Message: args.Message,
		Depth:   depth,
	}
	completedAt := d.now()
	if err := r.emit(ctx, events.EventToolResult, events.ToolResultPayload{
		ToolCallID:  pc.req.ID,
		ToolName:    pc.req.Name,
		Output:      pc.req.Input,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(pc.startedAt).Milliseconds(),
	}); err != nil {
		return nil, err
	}
	return &model.Message{
		Role: model.RoleTool,
		ToolResult: &model.ToolResult{
			ToolCallID: pc.req.ID,
			ToolName:   pc.req.Name,
			Content:    pc.req.Input,
		},
	}, nil
}

// runExecutor invokes the executor, converting a panic into an error so a
// misbehaving tool never aborts the overall stream.
func runExecutor(ctx context.Context, exec tools.Executor, args json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return exec(ctx, args)
}
