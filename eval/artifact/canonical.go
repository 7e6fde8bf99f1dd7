package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonicalize rewrites a JSON-serializable value into its deterministic
// form: objects become map[string]any with nil-valued keys dropped, raw JSON
// payloads are decoded so their key order no longer matters (the JSON encoder
// emits map keys sorted), and array order is preserved. Structs are passed
// through an encode/decode round trip so tagged field names apply.
func Canonicalize(v any) (any, error) {
	decoded, err := decodeToAny(v)
	if err != nil {
		return nil, err
	}
	return cleanValue(decoded), nil
}

// MarshalCanonical serializes a value deterministically: equal logical values
// marshal to byte-identical JSON regardless of original map or raw-JSON key
// order.
func MarshalCanonical(v any) ([]byte, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canon)
}

// MarshalCanonicalIndent is MarshalCanonical with pretty-printing, used for
// the persisted one-file-per-trace representation.
func MarshalCanonicalIndent(v any) ([]byte, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(canon, "", "  ")
}

// HashValue returns the deterministic hex hash of a JSON-serializable value.
// Logically equal values hash identically regardless of key order.
func HashValue(v any) (string, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveTraceID computes the artifact trace ID: a hash over the run ID and
// the deterministic serialization of the structural fields. Wall-clock fields
// never participate: Timing values are origin-relative, so two runs with
// identical semantic content and different real timestamps derive the same
// trace ID.
func DeriveTraceID(a *Artifact) (string, error) {
	structural := map[string]any{
		"message":     a.Input.Message,
		"steps":       stepsForHash(a.Steps),
		"tool_calls":  toolCallsForHash(a.ToolCalls),
		"checkpoints": checkpointsForHash(a.Checkpoints),
		"response":    a.Response,
		"routing":     a.Routing,
	}
	b, err := MarshalCanonical(structural)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(a.Run.RunID), b...))
	return "tr-" + hex.EncodeToString(sum[:])[:32], nil
}

// stepsForHash projects steps to their structural fields, dropping timings.
func stepsForHash(steps []Step) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		out = append(out, map[string]any{
			"index":    s.Index,
			"name":     s.Name,
			"status":   s.Status,
			"metadata": s.Metadata,
		})
	}
	return out
}

// toolCallsForHash projects tool calls to their structural fields, dropping
// timings.
func toolCallsForHash(calls []ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{
			"step_index":   c.StepIndex,
			"tool_id":      c.ToolID,
			"call_ordinal": c.CallOrdinal,
			"status":       c.Status,
			"error":        c.Error,
			"args":         c.Args,
			"result":       c.Result,
		})
	}
	return out
}

// checkpointsForHash projects checkpoints to their structural fields,
// dropping timings.
func checkpointsForHash(cps []Checkpoint) []map[string]any {
	out := make([]map[string]any, 0, len(cps))
	for _, cp := range cps {
		out = append(out, map[string]any{
			"step":      cp.Step,
			"step_name": cp.StepName,
			"status":    cp.Status,
			"snapshot":  cp.Snapshot,
		})
	}
	return out
}

// decodeToAny round-trips the value through JSON so struct tags apply and
// json.RawMessage payloads decode into generic values.
func decodeToAny(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode raw payload: %w", err)
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// cleanValue drops nil-valued object keys recursively. Array order is
// preserved; nil array elements are kept because position is meaningful.
func cleanValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			cleaned := cleanValue(elem)
			if cleaned == nil {
				continue
			}
			out[k] = cleaned
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cleanValue(elem)
		}
		return out
	default:
		return v
	}
}
