package transport

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsTransient reports whether an error from a fetch or a push channel is a
// passing backend condition worth riding out (serve stale, back off, keep the
// channel) as opposed to a permanent or programming error.
//
// Transient:
//   - rate limiting (HTTP 429, gRPC RESOURCE_EXHAUSTED)
//   - temporary upstream failures (HTTP 502/503/504, gRPC UNAVAILABLE)
//   - gRPC DEADLINE_EXCEEDED
//   - network-flavored message text (timeouts, resets, broken pipes)
//
// Not transient:
//   - context cancellation (the caller is going away, not the backend)
//   - auth and request errors (HTTP 400/401/403/404 and gRPC equivalents)
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		case codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.InvalidArgument:
			return false
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 502, 503, 504:
			return true
		case 400, 401, 403, 404:
			return false
		}
	}

	errMsg := strings.ToLower(err.Error())
	transientIndicators := []string{
		"timeout",
		"timed out",
		"deadline",
		"temporary",
		"connection reset",
		"connection refused",
		"broken pipe",
	}
	for _, indicator := range transientIndicators {
		if strings.Contains(errMsg, indicator) {
			return true
		}
	}

	return false
}
