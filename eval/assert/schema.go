package assert

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/rewind/eval/artifact"
)

//go:embed artifact.schema.json
var artifactSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(artifactSchema, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal artifact schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("artifact.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("artifact.schema.json")
	})
	return schema, schemaErr
}

// evalSchema validates the artifact's canonical form against the embedded
// artifact schema.
func evalSchema(a *artifact.Artifact) Result {
	sch, err := compiledSchema()
	if err != nil {
		return Result{Type: TypeSchema, Passed: false, Message: err.Error()}
	}
	doc, err := artifact.Canonicalize(a)
	if err != nil {
		return Result{Type: TypeSchema, Passed: false, Message: fmt.Sprintf("canonicalize artifact: %v", err)}
	}
	if err := sch.Validate(doc); err != nil {
		return Result{
			Type:    TypeSchema,
			Passed:  false,
			Message: "artifact does not match schema",
			Details: map[string]any{"error": err.Error()},
		}
	}
	return Result{Type: TypeSchema, Passed: true, Message: "artifact matches schema"}
}
