package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}]}`))
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "m1"}, nil)
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), Request{System: "sys", User: "hi", JSON: true})
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, out)
	require.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.NotNil(t, got.ResponseFormat)
	require.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestCompleteReportsHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL, Model: "m1"}, nil)
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), Request{User: "hi"})
	require.ErrorContains(t, err, "429")
	require.ErrorContains(t, err, "quota exceeded")
}

func TestCompleteNoChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL, Model: "m1"}, nil)
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"}, nil)
	require.Error(t, err)
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	require.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}```"))
	require.Equal(t, `{"a":1}`, StripFences(`  {"a":1}  `))
}
