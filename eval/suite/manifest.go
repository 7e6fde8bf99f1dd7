// Package suite runs named evaluation suites: collections of cases that
// execute a scenario, evaluate declarative assertions against the resulting
// artifact, and optionally compare against a stored baseline or replay a
// recorded trace.
//
// A suite is described by an external manifest in JSON or YAML. A single
// failing or throwing case never aborts the suite; it becomes a failed case
// report and the run continues.
package suite

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"goa.design/rewind/eval/assert"
	"goa.design/rewind/eval/replay"
)

type (
	// Manifest describes a suite.
	Manifest struct {
		// Name identifies the suite.
		Name string `json:"name" yaml:"name"`
		// Version optionally versions the manifest.
		Version string `json:"version,omitempty" yaml:"version,omitempty"`
		// Defaults apply to every case unless the case overrides them.
		Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
		// Cases are the suite's cases, run in order.
		Cases []Case `json:"cases" yaml:"cases"`
	}

	// Defaults are suite-wide case settings.
	Defaults struct {
		// Compare is the default baseline comparison settings.
		Compare *CompareSpec `json:"compare,omitempty" yaml:"compare,omitempty"`
		// Replay is the default replay settings.
		Replay *ReplaySpec `json:"replay,omitempty" yaml:"replay,omitempty"`
	}

	// Case is one suite case.
	Case struct {
		// ID optionally identifies the case; defaults to the name.
		ID string `json:"id,omitempty" yaml:"id,omitempty"`
		// Name is the human-readable case name. Required.
		Name string `json:"name" yaml:"name"`
		// Description optionally documents the case.
		Description string `json:"description,omitempty" yaml:"description,omitempty"`
		// Input is the scenario input passed to the executor.
		Input string `json:"input,omitempty" yaml:"input,omitempty"`
		// ExpectedIntent is the intent label the router should classify the
		// input as. Empty opts the case out of intent scoring.
		ExpectedIntent string `json:"expectedIntent,omitempty" yaml:"expectedIntent,omitempty"`
		// Assertions are evaluated against the case's artifact.
		Assertions []assert.Assertion `json:"assertions,omitempty" yaml:"assertions,omitempty"`
		// Compare overrides the suite default comparison settings.
		Compare *CompareSpec `json:"compare,omitempty" yaml:"compare,omitempty"`
		// Replay overrides the suite default replay settings.
		Replay *ReplaySpec `json:"replay,omitempty" yaml:"replay,omitempty"`
	}

	// CompareSpec configures the regression check against a stored baseline.
	CompareSpec struct {
		// BaselineTraceID is the stored artifact to compare against.
		BaselineTraceID string `json:"baselineTraceId,omitempty" yaml:"baselineTraceId,omitempty"`
		// IgnoreFields extends the comparator's ignored field names.
		IgnoreFields []string `json:"ignoreFields,omitempty" yaml:"ignoreFields,omitempty"`
		// IgnorePaths extends the comparator's ignored paths.
		IgnorePaths []string `json:"ignorePaths,omitempty" yaml:"ignorePaths,omitempty"`
	}

	// ReplaySpec configures the replay check for a case.
	ReplaySpec struct {
		// TraceID is the recorded trace to replay.
		TraceID string `json:"traceId" yaml:"traceId"`
		// Mode is the replay mode; empty means retry.
		Mode replay.Mode `json:"mode,omitempty" yaml:"mode,omitempty"`
		// CheckpointStep pins the checkpoint step.
		CheckpointStep *int `json:"checkpointStep,omitempty" yaml:"checkpointStep,omitempty"`
	}

	// ValidationError reports a malformed manifest with the offending field.
	ValidationError struct {
		// Field locates the problem (e.g., "cases[2].name").
		Field string
		// Message describes the problem.
		Message string
	}
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest: %s: %s", e.Field, e.Message)
}

// ParseManifest decodes and validates a manifest document. JSON documents are
// detected by their leading byte; everything else parses as YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ValidationError{Field: "manifest", Message: "empty document"}
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, &ValidationError{Field: "manifest", Message: fmt.Sprintf("invalid JSON: %v", err)}
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &m); err != nil {
			return nil, &ValidationError{Field: "manifest", Message: fmt.Sprintf("invalid YAML: %v", err)}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural manifest requirements.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &ValidationError{Field: "name", Message: "suite name is required"}
	}
	if len(m.Cases) == 0 {
		return &ValidationError{Field: "cases", Message: "at least one case is required"}
	}
	for i, c := range m.Cases {
		if c.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("cases[%d].name", i), Message: "case name is required"}
		}
		for j, as := range c.Assertions {
			if as.Type == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("cases[%d].assertions[%d].type", i, j),
					Message: "assertion type is required",
				}
			}
		}
		if c.Replay != nil && c.Replay.TraceID == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("cases[%d].replay.traceId", i),
				Message: "replay trace id is required",
			}
		}
	}
	return nil
}

// caseCompare resolves a case's comparison settings against the defaults.
func (m *Manifest) caseCompare(c Case) *CompareSpec {
	if c.Compare != nil {
		return c.Compare
	}
	return m.Defaults.Compare
}

// caseReplay resolves a case's replay settings against the defaults.
func (m *Manifest) caseReplay(c Case) *ReplaySpec {
	if c.Replay != nil {
		return c.Replay
	}
	return m.Defaults.Replay
}
