// Package httpx provides the shared HTTP plumbing for provider clients:
// a hardened transport, bounded retries for idempotent calls, and a guard
// for fetching user-supplied remote media URLs.
package httpx

import (
	"net"
	"net/http"
	"time"
)

const (
	// MetadataTimeout bounds token, identity and publish metadata calls.
	MetadataTimeout = 30 * time.Second
	// UploadTimeout bounds large media transfer requests.
	UploadTimeout = 5 * time.Minute
)

// NewTransport returns a transport with per-host connection caps and
// dial/TLS timeouts so a dead provider endpoint cannot pile up goroutines.
func NewTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewClient returns a client over NewTransport with the given total timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(),
		Timeout:   timeout,
	}
}
