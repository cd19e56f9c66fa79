package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "nil error",
			err:       nil,
			transient: false,
		},
		{
			name:      "context canceled",
			err:       context.Canceled,
			transient: false,
		},
		{
			name:      "wrapped context canceled",
			err:       fmt.Errorf("receive: %w", context.Canceled),
			transient: false,
		},
		{
			name:      "gRPC unavailable",
			err:       status.Error(codes.Unavailable, "service unavailable"),
			transient: true,
		},
		{
			name:      "gRPC resource exhausted",
			err:       status.Error(codes.ResourceExhausted, "quota exceeded"),
			transient: true,
		},
		{
			name:      "gRPC permission denied",
			err:       status.Error(codes.PermissionDenied, "permission denied"),
			transient: false,
		},
		{
			name:      "gRPC not found",
			err:       status.Error(codes.NotFound, "not found"),
			transient: false,
		},
		{
			name:      "HTTP 429 rate limit",
			err:       &googleapi.Error{Code: 429, Message: "too many requests"},
			transient: true,
		},
		{
			name:      "HTTP 503 service unavailable",
			err:       &googleapi.Error{Code: 503, Message: "service unavailable"},
			transient: true,
		},
		{
			name:      "HTTP 403 forbidden",
			err:       &googleapi.Error{Code: 403, Message: "forbidden"},
			transient: false,
		},
		{
			name:      "connection reset by message",
			err:       errors.New("read tcp: connection reset by peer"),
			transient: true,
		},
		{
			name:      "unknown error",
			err:       errors.New("something else entirely"),
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestFilterSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    FilterSpec
		wantErr bool
	}{
		{
			name:    "record scoped",
			spec:    FilterSpec{Category: "bids", RecordIDs: []string{"p1", "p2"}},
			wantErr: false,
		},
		{
			name:    "user scoped",
			spec:    FilterSpec{Category: "notifications", UserID: "user-42"},
			wantErr: false,
		},
		{
			name:    "global",
			spec:    FilterSpec{Category: "critical", Global: true},
			wantErr: false,
		},
		{
			name:    "empty scope",
			spec:    FilterSpec{Category: "bids"},
			wantErr: true,
		},
		{
			name:    "no category",
			spec:    FilterSpec{Global: true},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
