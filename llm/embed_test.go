package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/promptloop/framework"
)

func newTestEmbedder(t *testing.T, fn roundTripFunc) *DeepInfraEmbedder {
	t.Helper()
	e, err := NewDeepInfraEmbedder("https://embed.fake.test/", "BAAI/bge-small", "k", WithHTTPClient(&http.Client{Transport: fn}))
	require.NoError(t, err)
	return e
}

func TestDeepInfraEmbedder(t *testing.T) {
	e := newTestEmbedder(t, func(req *http.Request) *http.Response {
		assert.Equal(t, "/v1/inference/BAAI/bge-small", req.URL.Path)
		assert.Equal(t, "Bearer k", req.Header.Get("Authorization"))
		var payload struct {
			Inputs []string `json:"inputs"`
		}
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
		assert.Equal(t, []string{"a", "b"}, payload.Inputs)
		return jsonResponse(200, `{"embeddings":[[0.1,0.2],[0.3,0.4]]}`, nil)
	})
	vectors, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)
}

func TestEmbedOne(t *testing.T) {
	e := newTestEmbedder(t, func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"embeddings":[[1,2,3]]}`, nil)
	})
	vec, err := EmbedOne(context.Background(), e, "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestDeepInfraEmbedderErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{name: "api error", status: 422, body: `{"error":"input too long"}`, check: func(t *testing.T, err error) {
			var backendErr *framework.BackendError
			require.True(t, errors.As(err, &backendErr))
			assert.Equal(t, "input too long", backendErr.Detail)
		}},
		{name: "throttled", status: 429, body: `{}`, check: func(t *testing.T, err error) {
			var rl *framework.RateLimitError
			assert.True(t, errors.As(err, &rl))
		}},
		{name: "count mismatch", status: 200, body: `{"embeddings":[]}`, check: func(t *testing.T, err error) {
			var backendErr *framework.BackendError
			require.True(t, errors.As(err, &backendErr))
			assert.Contains(t, backendErr.Detail, "0 embeddings for 1 inputs")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEmbedder(t, func(req *http.Request) *http.Response {
				return jsonResponse(tc.status, tc.body, nil)
			})
			_, err := e.Embed(context.Background(), []string{"x"})
			tc.check(t, err)
		})
	}
}
