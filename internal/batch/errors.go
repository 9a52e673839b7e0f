package batch

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// ErrBatchExecuted is returned when a batch is appended to or executed after dispatch
var ErrBatchExecuted = errors.New("batch already executed")

// ErrAggregatorClosed is returned by Aggregator.Add after Close
var ErrAggregatorClosed = errors.New("batch aggregator closed")

// Text codes attached to service error envelopes
const (
	TextCodeEncodingFailed    = "BATCH_ENCODING_FAILED"
	TextCodeParseFailed       = "BATCH_PARSE_FAILED"
	TextCodeResultParseFailed = "RESULT_PARSE_FAILED"
)

// BatchEncodingError reports input the encoder cannot serialize. The batch is never sent.
type BatchEncodingError struct {
	Index  int // offending request, -1 for batch-level problems
	Method string
	URL    string
	Reason string
}

func (e *BatchEncodingError) Error() string {
	if e.Index < 0 {
		return "batch encoding failed: " + e.Reason
	}
	return fmt.Sprintf("batch encoding failed for request %d (%s %s): %s", e.Index, e.Method, e.URL, e.Reason)
}

// ToServiceError converts the error into a categorized service error
func (e *BatchEncodingError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeEncodingFailed).
		WithMetadata(map[string]any{
			"index":  e.Index,
			"method": e.Method,
			"url":    e.URL,
		})
}

// BatchParseError reports a malformed batch response or a part count that
// does not match the request count
type BatchParseError struct {
	Line     int // zero-based line index, -1 when not line specific
	Reason   string
	Expected int
	Got      int
}

func (e *BatchParseError) Error() string {
	if e.Line < 0 {
		return "invalid batch response: " + e.Reason
	}
	return fmt.Sprintf("invalid batch response, line %d: %s", e.Line, e.Reason)
}

// ToServiceError converts the error into a categorized service error
func (e *BatchParseError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{}
	if e.Line >= 0 {
		metadata["line"] = e.Line
	} else {
		metadata["expected"] = e.Expected
		metadata["got"] = e.Got
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeParseFailed).
		WithMetadata(metadata)
}

// RequestResultParseError reports that one request's parser rejected its part.
// Other requests of the same batch are unaffected.
type RequestResultParseError struct {
	Index  int
	Method string
	URL    string
	Err    error
}

func (e *RequestResultParseError) Error() string {
	return fmt.Sprintf("request %d (%s %s): %v", e.Index, e.Method, e.URL, e.Err)
}

func (e *RequestResultParseError) Unwrap() error {
	return e.Err
}

// ToServiceError converts the error into a categorized service error
func (e *RequestResultParseError) ToServiceError() *goerrors.Error {
	code := http.StatusUnprocessableEntity
	var statusErr *HTTPStatusError
	if errors.As(e.Err, &statusErr) {
		code = statusErr.StatusCode
	}
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(code).
		WithTextCode(TextCodeResultParseFailed).
		WithMetadata(map[string]any{
			"index":  e.Index,
			"method": e.Method,
			"url":    e.URL,
		})
}

// HTTPStatusError is returned by ODataParser for non-2xx parts
type HTTPStatusError struct {
	StatusCode int
	StatusText string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d %s", e.StatusCode, e.StatusText)
	}
	return fmt.Sprintf("status %d %s: %s", e.StatusCode, e.StatusText, e.Body)
}
