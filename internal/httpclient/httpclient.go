// Package httpclient is the shared outbound HTTP plumbing: a tuned default
// client, single-retry handling for 429/5xx, exponential backoff for
// resolver refreshes, and a per-host concurrency cap.
package httpclient

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds every request made through Default.
const DefaultTimeout = 30 * time.Second

const (
	idleConnTimeout = 90 * time.Second
	idlePerHost     = 16
	idleTotal       = 100
)

var defaultClient = &http.Client{
	Timeout:   DefaultTimeout,
	Transport: newTransport(),
}

func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        idleTotal,
		MaxIdleConnsPerHost: idlePerHost,
		IdleConnTimeout:     idleConnTimeout,
	}
}

// Default returns the shared tuned HTTP client for library resolvers,
// metadata providers, and reachability probes. Callers must not mutate it.
func Default() *http.Client { return defaultClient }

// WithTimeout builds a client with its own deadline on a fresh transport,
// for callers that cannot live with DefaultTimeout.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: newTransport()}
}
