package llm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"https://API.OpenAI.com/v1":       "https://api.openai.com",
		"https://api.openai.com:443/v1/":  "https://api.openai.com",
		"http://localhost:80":             "http://localhost",
		"http://localhost:11434/api":      "http://localhost:11434",
		"https://[::1]/v1":                "https://[::1]",
		"https://[::1]:8443/v1":           "https://[::1]:8443",
		"  https://example.com/path?q=1 ": "https://example.com",
	}
	for in, want := range cases {
		got, err := NormalizeHost(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"ftp://example.com", "example.com", "https://", "://nope"} {
		_, err := NormalizeHost(bad)
		assert.Error(t, err, bad)
	}
}

func TestClientCacheSharesPerHost(t *testing.T) {
	cache, err := NewClientCache(8, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	a, err := cache.Client("https://api.example.com/v1")
	require.NoError(t, err)
	b, err := cache.Client("https://API.example.com:443/other")
	require.NoError(t, err)
	c, err := cache.Client("https://other.example.com")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	_, err = cache.Client("not a url")
	assert.Error(t, err)
}

func TestClientCacheConcurrentFirstUse(t *testing.T) {
	cache, err := NewClientCache(8, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	var wg sync.WaitGroup
	results := make([]interface{}, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := cache.Client("https://shared.example.com")
			assert.NoError(t, err)
			results[i] = client
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		assert.Same(t, results[0], r)
	}
}

func TestDefaultClientCacheIsShared(t *testing.T) {
	assert.Same(t, DefaultClientCache(), DefaultClientCache())
}
