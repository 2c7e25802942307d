package quality

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, url, raw string) Verdict {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	in, err := NewInput(url, v)
	require.NoError(t, err)
	return Default().Classify(in)
}

func padded(n int) string {
	return strings.Repeat("x", n)
}

func TestClassifyTinyObjectRejected(t *testing.T) {
	t.Parallel()

	got := classify(t, "https://x.com/api", `{"a":1}`)
	require.False(t, got.Accepted)
	require.Equal(t, "too_small", got.Rule)
}

func TestClassifyShortListAccepted(t *testing.T) {
	t.Parallel()

	// Four records padded past the minimum size.
	raw := `[{"n":"` + padded(30) + `"},{"n":"` + padded(30) + `"},{"n":"` + padded(30) + `"},{"n":"` + padded(30) + `"}]`
	got := classify(t, "https://x.com/api/list", raw)
	require.True(t, got.Accepted)
	require.Equal(t, "list_of_records", got.Rule)
}

func TestClassifyListBelowMinimumSize(t *testing.T) {
	t.Parallel()

	got := classify(t, "https://x.com/api", `[1,2,3,4]`)
	require.True(t, got.Accepted)
	require.Equal(t, "list_of_records", got.Rule)

	got = classify(t, "https://x.com/api", `[1,2]`)
	require.False(t, got.Accepted)
	require.Equal(t, "default", got.Rule)

	got = classify(t, "https://x.com/pixel", `[1,2,3,4]`)
	require.False(t, got.Accepted)
	require.Equal(t, "noise_url", got.Rule)
}

func TestClassifyDataKeysAcceptedAtAnySize(t *testing.T) {
	t.Parallel()

	got := classify(t, "https://x.com/api", `{"data":["`+padded(120)+`"]}`)
	require.True(t, got.Accepted)
	require.Equal(t, "data_keys", got.Rule)

	got = classify(t, "https://x.com/api", `{"data":[]}`)
	require.True(t, got.Accepted)
	require.Equal(t, "data_keys", got.Rule)

	got = classify(t, "https://x.com/api", `{"productList":"`+padded(120)+`"}`)
	require.True(t, got.Accepted)
	require.Equal(t, "data_keys", got.Rule)
}

func TestClassifyNoiseKeywordBeatsSize(t *testing.T) {
	t.Parallel()

	got := classify(t, "https://x.com/analytics/beacon", `{"data":"`+padded(1000)+`"}`)
	require.False(t, got.Accepted)
	require.Equal(t, "noise_url", got.Rule)
}

func TestClassifyLargeObject(t *testing.T) {
	t.Parallel()

	got := classify(t, "https://x.com/api", `{"blob":"`+padded(900)+`"}`)
	require.True(t, got.Accepted)
	require.Equal(t, "large_object", got.Rule)
}

func TestClassifyMediumPayloadFallsToSize(t *testing.T) {
	t.Parallel()

	got := classify(t, "https://x.com/api", `{"blob":"`+padded(400)+`"}`)
	require.True(t, got.Accepted)
	require.Equal(t, "acceptable_size", got.Rule)

	got = classify(t, "https://x.com/api", `{"blob":"`+padded(150)+`"}`)
	require.False(t, got.Accepted)
	require.Equal(t, "default", got.Rule)
}

func TestClassifierRuleOrderIsConfigurable(t *testing.T) {
	t.Parallel()

	c := New(Rule{Name: "always", Decision: Accept, Match: func(Input) bool { return true }})
	in, err := NewInput("https://x.com/analytics", map[string]any{"a": 1.0})
	require.NoError(t, err)
	require.Equal(t, Verdict{Accepted: true, Rule: "always"}, c.Classify(in))
	require.Equal(t, []string{"too_small", "noise_url", "data_keys", "large_object", "list_of_records", "acceptable_size"}, Default().Rules())
}

func TestNewInputSizeIgnoresHTMLEscaping(t *testing.T) {
	t.Parallel()

	in, err := NewInput("u", map[string]any{"h": "<b>"})
	require.NoError(t, err)
	require.Equal(t, len(`{"h":"<b>"}`), in.Size)
	require.Equal(t, KindObject, in.Shape.Kind)
}
