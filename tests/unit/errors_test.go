package unit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/caua1503/forwardproxy/pkg/perrors"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name         string
		err          *perrors.Error
		expectedType perrors.ErrorType
	}{
		{
			name:         "Malformed Error",
			err:          perrors.NewMalformedError("bad request line", fmt.Errorf("parse error")),
			expectedType: perrors.ErrorTypeMalformed,
		},
		{
			name:         "Unauthorized Error",
			err:          perrors.NewUnauthorizedError("10.0.0.5"),
			expectedType: perrors.ErrorTypeUnauthorized,
		},
		{
			name:         "Forbidden Error",
			err:          perrors.NewForbiddenError("10.0.0.5"),
			expectedType: perrors.ErrorTypeForbidden,
		},
		{
			name:         "Client Timeout Error",
			err:          perrors.NewClientTimeoutError("read-headers", fmt.Errorf("deadline exceeded")),
			expectedType: perrors.ErrorTypeClientTimeout,
		},
		{
			name:         "Upstream Unreachable Error",
			err:          perrors.NewUpstreamUnreachableError("proxy1.example:8080", fmt.Errorf("connection refused")),
			expectedType: perrors.ErrorTypeUpstreamUnreachable,
		},
		{
			name:         "Upstream Timeout Error",
			err:          perrors.NewUpstreamTimeoutError("proxy1.example:8080", fmt.Errorf("deadline exceeded")),
			expectedType: perrors.ErrorTypeUpstreamTimeout,
		},
		{
			name:         "No Upstream Error",
			err:          perrors.NewNoUpstreamError(),
			expectedType: perrors.ErrorTypeNoUpstream,
		},
		{
			name:         "Config Error",
			err:          perrors.NewConfigError("firewall sets must be disjoint"),
			expectedType: perrors.ErrorTypeConfig,
		},
		{
			name:         "Timeout Error",
			err:          perrors.NewTimeoutError("connect", 5*time.Second),
			expectedType: perrors.ErrorTypeTimeout,
		},
		{
			name:         "IO Error",
			err:          perrors.NewIOError("reading", fmt.Errorf("broken pipe")),
			expectedType: perrors.ErrorTypeIO,
		},
		{
			name:         "Connection Error",
			err:          perrors.NewConnectionError("proxy1.example", 8080, fmt.Errorf("connection refused")),
			expectedType: perrors.ErrorTypeConnection,
		},
		{
			name:         "Protocol Error",
			err:          perrors.NewProtocolError("bad status line", fmt.Errorf("unexpected token")),
			expectedType: perrors.ErrorTypeProtocol,
		},
		{
			name:         "Upstream Closed Early Error",
			err:          perrors.NewUpstreamClosedEarlyError("proxy1.example:8080", fmt.Errorf("connection reset")),
			expectedType: perrors.ErrorTypeUpstreamClosedEarly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.expectedType {
				t.Errorf("expected type %v, got %v", tt.expectedType, tt.err.Type)
			}
			if tt.err.Error() == "" {
				t.Error("error message should not be empty")
			}
			if tt.err.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := perrors.NewMalformedError("bad request", cause)

	if err.Unwrap() != cause {
		t.Errorf("expected unwrapped error to be %v, got %v", cause, err.Unwrap())
	}
}

func TestErrorIs(t *testing.T) {
	err1 := perrors.NewMalformedError("bad request", fmt.Errorf("parse error"))
	err2 := &perrors.Error{Type: perrors.ErrorTypeMalformed}

	if !err1.Is(err2) {
		t.Error("errors with same type should match")
	}

	err3 := &perrors.Error{Type: perrors.ErrorTypeForbidden}
	if err1.Is(err3) {
		t.Error("errors with different types should not match")
	}
}

func TestIsTimeoutError(t *testing.T) {
	timeoutErr := perrors.NewTimeoutError("connect", 5*time.Second)
	if !perrors.IsTimeoutError(timeoutErr) {
		t.Error("should identify timeout error")
	}

	malformedErr := perrors.NewMalformedError("bad request", fmt.Errorf("parse error"))
	if perrors.IsTimeoutError(malformedErr) {
		t.Error("should not identify malformed error as timeout")
	}
}

func TestContextErrorPredicates(t *testing.T) {
	canceled := fmt.Errorf("dial: %w", context.Canceled)
	if !perrors.IsContextCanceled(canceled) {
		t.Error("should identify wrapped context.Canceled")
	}
	if perrors.IsContextTimeout(canceled) {
		t.Error("cancellation should not be identified as a deadline error")
	}

	deadline := fmt.Errorf("dial: %w", context.DeadlineExceeded)
	if !perrors.IsContextTimeout(deadline) {
		t.Error("should identify wrapped context.DeadlineExceeded")
	}
	if perrors.IsContextCanceled(deadline) {
		t.Error("deadline exceeded should not be identified as a cancellation")
	}
}

func TestGetErrorType(t *testing.T) {
	err := perrors.NewValidationError("test")
	errType := perrors.GetErrorType(err)

	if errType != perrors.ErrorTypeValidation {
		t.Errorf("expected %v, got %v", perrors.ErrorTypeValidation, errType)
	}

	regularErr := fmt.Errorf("regular error")
	errType = perrors.GetErrorType(regularErr)

	if errType != "" {
		t.Errorf("expected empty type for regular error, got %v", errType)
	}
}
