package architect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/llm"
)

const validReply = `{
  "target_api_url_pattern": "https://shop\\.example/api/products\\?page=\\d+",
  "schema": {"table": "products", "columns": [{"name": "sku", "type": "text"}, {"name": "price", "type": "real"}]},
  "transform": {"root": "$", "fields": [{"name": "sku", "path": "$.id", "required": true}, {"name": "price", "path": "$.price", "type": "float"}]},
  "description": "Paginated product listing"
}`

type fakeCompleter struct {
	reply string
	err   error
	wait  bool
	got   llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.got = req
	if f.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

var sampleCandidates = []harvest.Candidate{{
	URL:     "https://shop.example/api/products?page=1",
	Method:  "GET",
	Preview: `{"data":[{"id":"a1","price":"9.99"}]}` + strings.Repeat(" ", 2000),
}}

func TestSynthesizeParsesStrictJSON(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "```json\n" + validReply + "\n```"}
	arch, err := New(fake, Config{}, nil)
	require.NoError(t, err)

	strategy, err := arch.Synthesize(context.Background(), sampleCandidates, "")
	require.NoError(t, err)
	require.Equal(t, "products", strategy.Schema.Table)
	require.Equal(t, "$", strategy.Transform.Root)
	require.True(t, fake.got.JSON)
	require.Contains(t, fake.got.User, "https://shop.example/api/products?page=1")
	require.NotContains(t, fake.got.User, strings.Repeat(" ", 1500))
}

func TestSynthesizeTableHintOverrides(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: validReply}
	arch, err := New(fake, Config{}, nil)
	require.NoError(t, err)

	strategy, err := arch.Synthesize(context.Background(), sampleCandidates, "my_items")
	require.NoError(t, err)
	require.Equal(t, "my_items", strategy.Schema.Table)
	require.Contains(t, fake.got.User, `"my_items"`)
}

func TestSynthesizeRejectsBadReplies(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":        "Sure! Here is the strategy you asked for.",
		"bad regex":       strings.Replace(validReply, `\\?page=\\d+`, `(unclosed`, 1),
		"missing root":    strings.Replace(validReply, `"root": "$", `, "", 1),
		"unknown column":  strings.Replace(validReply, `"name": "price", "path"`, `"name": "cost", "path"`, 1),
		"empty pattern":   strings.Replace(validReply, `https://shop\\.example/api/products\\?page=\\d+`, "", 1),
		"bad column type": strings.Replace(validReply, `"type": "real"`, `"type": "money"`, 1),
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			arch, err := New(&fakeCompleter{reply: reply}, Config{}, nil)
			require.NoError(t, err)
			_, err = arch.Synthesize(context.Background(), sampleCandidates, "")
			require.ErrorIs(t, err, harvest.ErrStrategy)
		})
	}
}

func TestSynthesizeNoCandidates(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: validReply}
	arch, err := New(fake, Config{}, nil)
	require.NoError(t, err)
	_, err = arch.Synthesize(context.Background(), nil, "")
	require.ErrorIs(t, err, harvest.ErrStrategy)
	require.Empty(t, fake.got.User)
}

func TestSynthesizeTimeout(t *testing.T) {
	t.Parallel()

	arch, err := New(&fakeCompleter{wait: true}, Config{Timeout: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = arch.Synthesize(context.Background(), sampleCandidates, "")
	require.ErrorIs(t, err, harvest.ErrStrategy)
	require.ErrorContains(t, err, "timed out")
}

func TestSynthesizeCollaboratorError(t *testing.T) {
	t.Parallel()

	arch, err := New(&fakeCompleter{err: errors.New("503")}, Config{}, nil)
	require.NoError(t, err)
	_, err = arch.Synthesize(context.Background(), sampleCandidates, "")
	require.ErrorIs(t, err, harvest.ErrStrategy)
}
