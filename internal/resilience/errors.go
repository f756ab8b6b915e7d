package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/loregraph/internal/model"
)

// Error types recorded on DLQ entries and pass errors.
const (
	ErrorTypeValidation  = "validation"
	ErrorTypeTransient   = "transient"
	ErrorTypeCircuitOpen = "circuit_open"
	ErrorTypeTimeout     = "timeout"
	ErrorTypeCanceled    = "canceled"
	ErrorTypePermanent   = "permanent"
)

// TransientError marks a provider failure that is safe to retry (429, 5xx,
// network timeouts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient. statusCode may be zero.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"overloaded",
	"rate limit",
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a network timeout, a refused/reset connection, or an error
// whose message matches a known transient pattern.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a provider HTTP status is retryable.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case 408, 409, 429, 500, 502, 503, 504, 529:
		return true
	}
	return false
}

// ErrorTypeOf classifies err for DLQ records.
func ErrorTypeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case model.IsValidationError(err):
		return ErrorTypeValidation
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case IsTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}
