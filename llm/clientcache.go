package llm

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

const (
	// DefaultClientTTL is how long an idle host keeps its client.
	DefaultClientTTL      = 1200 * time.Second
	defaultClientCapacity = 256
	defaultClientTimeout  = 3 * time.Minute
)

// ClientCache hands out one *http.Client per backend host so connections
// are pooled across connectors talking to the same endpoint.
type ClientCache struct {
	mu        sync.Mutex
	clients   otter.Cache[string, *http.Client]
	newClient func() *http.Client
}

// NewClientCache builds a cache holding up to capacity hosts for ttl.
func NewClientCache(capacity int, ttl time.Duration) (*ClientCache, error) {
	if capacity <= 0 {
		capacity = defaultClientCapacity
	}
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	clients, err := otter.MustBuilder[string, *http.Client](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &ClientCache{
		clients: clients,
		newClient: func() *http.Client {
			return &http.Client{Timeout: defaultClientTimeout}
		},
	}, nil
}

var (
	defaultCacheOnce sync.Once
	defaultCache     *ClientCache
)

// DefaultClientCache returns the process-wide cache.
func DefaultClientCache() *ClientCache {
	defaultCacheOnce.Do(func() {
		cache, err := NewClientCache(defaultClientCapacity, DefaultClientTTL)
		if err != nil {
			panic(fmt.Sprintf("llm: build client cache: %v", err))
		}
		defaultCache = cache
	})
	return defaultCache
}

// Client returns the client for rawURL's host, creating it on first use.
func (c *ClientCache) Client(rawURL string) (*http.Client, error) {
	key, err := NormalizeHost(rawURL)
	if err != nil {
		return nil, err
	}
	if client, ok := c.clients.Get(key); ok {
		return client, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients.Get(key); ok {
		return client, nil
	}
	client := c.newClient()
	c.clients.Set(key, client)
	return client, nil
}

// Len reports the number of cached hosts.
func (c *ClientCache) Len() int {
	return c.clients.Size()
}

// Close stops the cache's background maintenance.
func (c *ClientCache) Close() {
	c.clients.Close()
}

// NormalizeHost reduces rawURL to scheme://host[:port], lower-cased, with
// the scheme's default port dropped.
func NormalizeHost(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("invalid URL %q: unsupported scheme", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", rawURL)
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, nil
}
