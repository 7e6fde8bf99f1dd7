package assert

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/rewind/eval/artifact"
)

func schemaValidArtifact() *artifact.Artifact {
	a := weatherArtifact()
	a.Handoffs = []artifact.Handoff{}
	return a
}

func TestSchemaValidArtifact(t *testing.T) {
	res := Evaluate(schemaValidArtifact(), Assertion{Type: TypeSchema})
	require.True(t, res.Passed, res.Message)
}

func TestSchemaRejectsMalformedTraceID(t *testing.T) {
	a := schemaValidArtifact()
	a.TraceID = "not-a-trace-id"
	res := Evaluate(a, Assertion{Type: TypeSchema})
	require.False(t, res.Passed)
	require.Contains(t, res.Details, "error")
}

func TestSchemaRejectsMissingSection(t *testing.T) {
	a := schemaValidArtifact()
	// A nil section is dropped from the canonical form, violating the
	// required list.
	a.Handoffs = nil
	res := Evaluate(a, Assertion{Type: TypeSchema})
	require.False(t, res.Passed)
}

func TestSchemaRejectsBadStatus(t *testing.T) {
	a := schemaValidArtifact()
	a.Steps[0].Status = "exploded"
	res := Evaluate(a, Assertion{Type: TypeSchema})
	require.False(t, res.Passed)
}
