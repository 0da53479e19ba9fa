package httputil

import (
	"net/http"
	"time"
)

// NewClient creates a new HTTP client with the given timeout and optimized transport settings.
// This provides consistent configuration across all HTTP clients in the application.
//
// Transport settings:
//   - MaxIdleConns: 100 (total idle connections across all hosts)
//   - MaxIdleConnsPerHost: 10 (idle connections per host)
//   - IdleConnTimeout: 90s (time to keep idle connections alive)
//
// These settings enable connection reuse and reduce latency for repeated requests
// to the same hosts (e.g., gateway polls, facilitator calls, optical posts).
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewUploadClient creates a client for requests that stream multi-gigabyte
// bodies (bundle posts, chunk uploads). A flat Timeout would abort large
// transfers, so only the wait for response headers is bounded; callers bound
// the transfer itself through the request context.
func NewUploadClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}
