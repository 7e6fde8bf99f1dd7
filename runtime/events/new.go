package events

import "fmt"

// New materializes the concrete event variant for the type carried by base.
// The payload must match the variant's payload type; a mismatch is a
// programming error and is reported rather than silently accepted. The switch
// is exhaustive over EventType so adding a variant is a compile-visible
// exercise.
func New(base Base, payload any) (Event, error) {
	switch base.Type() {
	case EventRunStart:
		p, ok := payload.(RunStartPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return RunStart{Base: base, Data: p}, nil
	case EventStepStart:
		p, ok := payload.(StepPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return StepStart{Base: base, Data: p}, nil
	case EventMessageStart:
		p, ok := payload.(MessageStartPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return MessageStart{Base: base, Data: p}, nil
	case EventToken:
		p, ok := payload.(TokenPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return Token{Base: base, Data: p}, nil
	case EventToolCall:
		p, ok := payload.(ToolCallPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return ToolCall{Base: base, Data: p}, nil
	case EventToolResult:
		p, ok := payload.(ToolResultPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return ToolResult{Base: base, Data: p}, nil
	case EventToolError:
		p, ok := payload.(ToolErrorPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return ToolError{Base: base, Data: p}, nil
	case EventUsage:
		p, ok := payload.(UsagePayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return Usage{Base: base, Data: p}, nil
	case EventMessageEnd:
		p, ok := payload.(MessageEndPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return MessageEnd{Base: base, Data: p}, nil
	case EventStepEnd:
		p, ok := payload.(StepPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return StepEnd{Base: base, Data: p}, nil
	case EventStepComplete:
		p, ok := payload.(StepPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return StepComplete{Base: base, Data: p}, nil
	case EventRunEnd:
		p, ok := payload.(RunEndPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return RunEnd{Base: base, Data: p}, nil
	case EventStreamError:
		p, ok := payload.(StreamErrorPayload)
		if !ok {
			return nil, payloadMismatch(base, payload)
		}
		return StreamError{Base: base, Data: p}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", base.Type())
	}
}

func payloadMismatch(base Base, payload any) error {
	return fmt.Errorf("event %s: unexpected payload type %T", base.Type(), payload)
}
