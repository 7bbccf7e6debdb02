// Package client provides transport-level resilience for the Supabase client.
// This file implements connection pooling, the hard per-call timeout and
// request ID tracing. Retries live above the transport, in the query executor.
package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// HTTP Client
// =============================================================================

// NewHTTPClient returns a pooled HTTP client whose every call fails after
// timeout instead of hanging. A zero timeout uses DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// IsTimeout reports whether err came from the transport's hard timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// =============================================================================
// Request ID and Tracing
// =============================================================================

// RequestIDHeader carries the request ID to Supabase.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID generates a unique request ID.
func GenerateRequestID() string {
	return uuid.NewString()
}

func requestIDFor(ctx context.Context) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return GenerateRequestID()
}
