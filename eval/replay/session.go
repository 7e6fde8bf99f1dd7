package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/rewind/eval/artifact"
)

// Session is the replay context handed to the resume hook. It serves tool
// calls from mocks and recorded results and keeps the virtual clock.
//
// A session is safe for use from a single resume goroutine. Tool calls are
// matched in recorded order per tool.
type Session struct {
	mu sync.Mutex

	art        *artifact.Artifact
	mode       Mode
	checkpoint *artifact.Checkpoint

	// Recorded calls still available for replay, FIFO per tool.
	recorded map[string][]*artifact.ToolCall
	// Replayable calls in start-time order, for PendingCalls.
	order []*artifact.ToolCall
	// Queued mock responses, FIFO per tool.
	mocks map[string][]ToolMock

	now time.Time
}

func newSession(a *artifact.Artifact, mode Mode, cp *artifact.Checkpoint, cpStep int, mocks []ToolMock) (*Session, error) {
	s := &Session{
		art:        a,
		mode:       mode,
		checkpoint: cp,
		recorded:   make(map[string][]*artifact.ToolCall),
		mocks:      make(map[string][]ToolMock),
		now:        replayEpoch,
	}
	if cp != nil {
		s.now = replayEpoch.Add(time.Duration(cp.Timing.OffsetMs) * time.Millisecond)
	}

	// Artifact tool calls are already in start-time order; keep that order in
	// the per-tool queues. A successful call recorded without a result can
	// never be served, so the session refuses to start on one.
	for i := range a.ToolCalls {
		tc := &a.ToolCalls[i]
		if !replayable(tc.StepIndex, mode, cpStep) {
			continue
		}
		if tc.Status == artifact.StatusSuccess && tc.Result == nil {
			return nil, &MissingResponseError{TraceID: a.TraceID, CallID: tc.ID, ToolID: tc.ToolID}
		}
		s.recorded[tc.ToolID] = append(s.recorded[tc.ToolID], tc)
		s.order = append(s.order, tc)
	}
	for _, m := range mocks {
		if m.ToolID == "" {
			return nil, fmt.Errorf("mock with empty tool id")
		}
		s.mocks[m.ToolID] = append(s.mocks[m.ToolID], m)
	}
	return s, nil
}

// replayable reports whether a recorded call at the given step participates
// in the replay. Orphaned calls (step -1) replay only on full restarts.
func replayable(step int, mode Mode, cpStep int) bool {
	switch mode {
	case ModeRestart:
		return true
	case ModeSkip:
		return step > cpStep
	default:
		return step >= cpStep
	}
}

// TraceID returns the replayed trace identifier.
func (s *Session) TraceID() string { return s.art.TraceID }

// Input returns the original triggering message.
func (s *Session) Input() string { return s.art.Input.Message }

// Snapshot returns the checkpoint's context snapshot, nil for ModeRestart.
func (s *Session) Snapshot() map[string]any {
	if s.checkpoint == nil {
		return nil
	}
	return s.checkpoint.Snapshot
}

// Checkpoint returns the selected checkpoint, nil for ModeRestart.
func (s *Session) Checkpoint() *artifact.Checkpoint { return s.checkpoint }

// RecordedResponse returns the original run's final response content.
func (s *Session) RecordedResponse() string { return s.art.Response.Content }

// Now returns the virtual clock reading. The clock starts at the checkpoint
// offset and fast-forwards by recorded durations as calls are served; it
// never tracks wall time.
func (s *Session) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Call serves one tool invocation. Queued mocks for the tool are consumed
// first; otherwise the next recorded call for the tool answers, after its
// argument signature is verified against the invocation. Recorded failures
// are returned as errors the same way the live execution surfaced them.
func (s *Session) Call(ctx context.Context, toolID string, args json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if queue := s.mocks[toolID]; len(queue) > 0 {
		mock := queue[0]
		s.mocks[toolID] = queue[1:]
		// Consume the matching recorded call when one exists so subsequent
		// calls line up, but let the mock override both signature and result.
		if rec := s.recorded[toolID]; len(rec) > 0 {
			s.recorded[toolID] = rec[1:]
			s.now = s.now.Add(time.Duration(rec[0].Timing.DurationMs) * time.Millisecond)
		}
		if mock.Err != "" {
			return nil, fmt.Errorf("tool %s: %s", toolID, mock.Err)
		}
		return mock.Response, nil
	}

	rec := s.recorded[toolID]
	if len(rec) == 0 {
		return nil, &UnexpectedCallError{TraceID: s.art.TraceID, ToolID: toolID}
	}
	call := rec[0]
	s.recorded[toolID] = rec[1:]

	match, err := signatureMatches(call.Args, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s args: %w", toolID, err)
	}
	if !match {
		return nil, &SignatureMismatchError{
			TraceID:  s.art.TraceID,
			CallID:   call.ID,
			ToolID:   toolID,
			Recorded: call.Args,
			Provided: args,
		}
	}

	s.now = s.now.Add(time.Duration(call.Timing.DurationMs) * time.Millisecond)

	if call.Status == artifact.StatusError {
		return nil, &RecordedError{TraceID: s.art.TraceID, CallID: call.ID, ToolID: toolID, Message: call.Error}
	}
	if call.Result == nil {
		return nil, &MissingResponseError{TraceID: s.art.TraceID, CallID: call.ID, ToolID: toolID}
	}
	out, err := json.Marshal(call.Result)
	if err != nil {
		return nil, fmt.Errorf("tool %s recorded result: %w", toolID, err)
	}
	return out, nil
}

// PendingCall identifies a recorded call the session still expects to serve.
type PendingCall struct {
	CallID string
	ToolID string
	Args   json.RawMessage
}

// PendingCalls returns the recorded calls not yet served, in recorded
// start-time order. Resume hooks that re-drive a recording verbatim use it to
// issue each call back through Call with the recorded arguments.
func (s *Session) PendingCalls() ([]PendingCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingCall
	for _, tc := range s.order {
		if !s.queued(tc) {
			continue
		}
		args, err := artifact.MarshalCanonical(tc.Args)
		if err != nil {
			return nil, fmt.Errorf("tool %s recorded args: %w", tc.ToolID, err)
		}
		out = append(out, PendingCall{CallID: tc.ID, ToolID: tc.ToolID, Args: args})
	}
	return out, nil
}

func (s *Session) queued(tc *artifact.ToolCall) bool {
	for _, q := range s.recorded[tc.ToolID] {
		if q == tc {
			return true
		}
	}
	return false
}

// verifyConsumed fails the replay when queued mocks or recorded calls were
// never used: the resumed execution diverged from the recorded path.
func (s *Session) verifyConsumed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var leftover []string
	for toolID, queue := range s.mocks {
		for range queue {
			leftover = append(leftover, toolID)
		}
	}
	for toolID, queue := range s.recorded {
		for range queue {
			leftover = append(leftover, toolID)
		}
	}
	if len(leftover) == 0 {
		return nil
	}
	sort.Strings(leftover)
	return &DivergenceError{TraceID: s.art.TraceID, UnconsumedMocks: leftover}
}

// signatureMatches compares the recorded argument payload against the
// invocation's by canonical JSON equality, so key order and formatting never
// cause false mismatches.
func signatureMatches(recorded any, provided json.RawMessage) (bool, error) {
	rb, err := artifact.MarshalCanonical(recorded)
	if err != nil {
		return false, err
	}
	pb, err := artifact.MarshalCanonical(provided)
	if err != nil {
		return false, err
	}
	return string(rb) == string(pb), nil
}
