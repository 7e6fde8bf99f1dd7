package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoTool(name ID) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its arguments",
		Schema:      Schema{Kind: SchemaJSON, JSONSchema: json.RawMessage(`{"type":"object"}`)},
		Execute: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(&Tool{}))
	require.Error(t, r.Register(&Tool{Name: "no-exec", Schema: Schema{Kind: SchemaJSON, JSONSchema: json.RawMessage(`{}`)}}))
	require.Error(t, r.Register(&Tool{
		Name:    "bad-kind",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil },
	}))
	require.Error(t, r.Register(&Tool{
		Name:    "empty-schema",
		Schema:  Schema{Kind: SchemaJSON},
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil },
	}))

	require.NoError(t, r.Register(echoTool("echo")))
	err := r.Register(echoTool("echo"))
	require.ErrorContains(t, err, "already registered")
}

func TestLookupNotFound(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("search")))
	require.NoError(t, r.Register(echoTool("calc")))

	_, err := r.Lookup("missing")
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, ID("missing"), nf.Name)
	require.Equal(t, []ID{"calc", "search"}, nf.Available)
}

func TestLookupFound(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	tool, err := r.Lookup("echo")
	require.NoError(t, err)
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"q":"hi"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"q":"hi"}`, string(out))
}

func TestDefinitionsSortedByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("zeta")))
	require.NoError(t, r.Register(echoTool("alpha")))
	require.NoError(t, r.Register(&Tool{
		Name:   "typed",
		Schema: Schema{Kind: SchemaTyped, Type: &TypeSpec{Name: "Query", Schema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)}},
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}))

	defs := r.Definitions()
	require.Len(t, defs, 3)
	require.Equal(t, "alpha", defs[0].Name)
	require.Equal(t, "typed", defs[1].Name)
	require.Equal(t, "zeta", defs[2].Name)
	require.NotEmpty(t, defs[1].InputSchema)
}
