package transport

import (
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes attached to service error envelopes
const (
	TextCodeRetryExhausted  = "RETRY_EXHAUSTED"
	TextCodeTransportFailed = "TRANSPORT_FAILED"
)

// RetryExhaustedError is returned when every attempt of a call was throttled
// or hit a transient server error
type RetryExhaustedError struct {
	Method     string
	URL        string
	Attempts   int
	StatusCode int
	StatusText string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry count exceeded (%d attempts) for %s %s: last status %d %s",
		e.Attempts, e.Method, e.URL, e.StatusCode, e.StatusText)
}

// ToServiceError converts the error into a categorized service error
func (e *RetryExhaustedError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(TextCodeRetryExhausted).
		WithMetadata(map[string]any{
			"method":      e.Method,
			"url":         e.URL,
			"attempts":    e.Attempts,
			"status_code": e.StatusCode,
			"status_text": e.StatusText,
		})
}

// TransportTerminalError is a non-recoverable failure of the underlying
// transport or of the service answering a batch
type TransportTerminalError struct {
	Method     string
	URL        string
	StatusCode int // zero when no response was received
	StatusText string
	Err        error
}

func (e *TransportTerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s failed: status %d %s", e.Method, e.URL, e.StatusCode, e.StatusText)
}

func (e *TransportTerminalError) Unwrap() error {
	return e.Err
}

// ToServiceError converts the error into a categorized service error
func (e *TransportTerminalError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"method": e.Method,
		"url":    e.URL,
	}
	if e.StatusCode != 0 {
		metadata["status_code"] = e.StatusCode
		metadata["status_text"] = e.StatusText
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeTransportFailed).
		WithMetadata(metadata)
}
