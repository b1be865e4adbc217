package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultHTTPTimeout = 120 * time.Second

	// maxProviderConns caps in-flight generations per provider host. It
	// matches the upper bound of the local worker pool.
	maxProviderConns = 100
)

// generationClients holds one client per timeout so every provider sharing
// a timeout draws on the same connection pool.
var generationClients sync.Map // time.Duration -> *http.Client

// SharedHTTPClient returns the process-wide client for timeout. A zero or
// negative timeout selects defaultHTTPTimeout.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if c, ok := generationClients.Load(timeout); ok {
		return c.(*http.Client)
	}
	c, _ := generationClients.LoadOrStore(timeout, newGenerationClient(timeout, maxProviderConns))
	return c.(*http.Client)
}

// newGenerationClient builds a client for slow, sparse completion calls to a
// few hosts. The first response byte can take most of timeout, so only the
// overall client timeout applies.
func newGenerationClient(timeout time.Duration, maxConns int) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       maxConns,
		MaxIdleConnsPerHost:   maxConns,
		MaxIdleConns:          3 * maxConns,
		IdleConnTimeout:       5 * time.Minute,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
