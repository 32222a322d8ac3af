// Package upstream contains shared utilities for provider upstream clients.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. ResponseHeaderTimeout bounds the wait for upstream
// headers; the streaming read phase is intentionally unbounded so long
// tool-use turns are not truncated.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			d := net.Dialer{Timeout: 30 * time.Second}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// APIError represents an error response from an upstream provider. The body
// is retained so failover logic can inspect it (e.g. suspension markers).
type APIError struct {
	Upstream   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including upstream, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Upstream, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(upstream string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Upstream: upstream, StatusCode: resp.StatusCode, Body: string(body)}
}
