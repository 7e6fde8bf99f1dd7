package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"
)

func TestKVSliceToClue(t *testing.T) {
	fielders := kvSliceToClue([]any{"run_id", "run-1", "seq", 3})
	require.Len(t, fielders, 2)
	require.Equal(t, log.KV{K: "run_id", V: "run-1"}, fielders[0])
	require.Equal(t, log.KV{K: "seq", V: 3}, fielders[1])
}

func TestKVSliceToClueSkipsNonStringKeys(t *testing.T) {
	fielders := kvSliceToClue([]any{42, "dropped", "kept", true})
	require.Len(t, fielders, 1)
	require.Equal(t, log.KV{K: "kept", V: true}, fielders[0])
}

func TestKVSliceToClueTrailingKey(t *testing.T) {
	fielders := kvSliceToClue([]any{"dangling"})
	require.Len(t, fielders, 1)
	require.Equal(t, log.KV{K: "dangling", V: nil}, fielders[0])
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"env", "ci", "orphan"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("env", "ci"),
		attribute.String("orphan", ""),
	}, attrs)
}

func TestKVSliceToAttrsTypes(t *testing.T) {
	attrs := kvSliceToAttrs([]any{
		"s", "text",
		"b", true,
		"i", 7,
		"i64", int64(8),
		"f", 1.5,
		"other", time.Second,
	})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "text"),
		attribute.Bool("b", true),
		attribute.Int("i", 7),
		attribute.Int64("i64", int64(8)),
		attribute.Float64("f", 1.5),
		attribute.String("other", "1s"),
	}, attrs)
}

func TestNoopConstructors(t *testing.T) {
	require.NotNil(t, NewNoopLogger())
	require.NotNil(t, NewNoopMetrics())
	require.NotNil(t, NewNoopTracer())
}
