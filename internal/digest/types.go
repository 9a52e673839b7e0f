package digest

import (
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// ContextInfoPath is the token-issuance endpoint relative to an endpoint root
const ContextInfoPath = "/_api/contextinfo"

// TextCodeAuthTokenFailed is attached to service error envelopes of AuthTokenError
const TextCodeAuthTokenFailed = "AUTH_TOKEN_FAILED"

// CachedToken is an issued request digest and the moment it stops being usable
type CachedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid returns true while now is before ExpiresAt
func (t CachedToken) Valid(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// cacheKey scopes a token to one transport identity and one endpoint.
// It holds the transport name only, never the transport itself.
type cacheKey struct {
	transport string
	endpoint  string
}

func (k cacheKey) String() string {
	return k.transport + "|" + k.endpoint
}

// contextInfo is the issuance payload
type contextInfo struct {
	FormDigestValue          string `json:"FormDigestValue"`
	FormDigestTimeoutSeconds int    `json:"FormDigestTimeoutSeconds"`
}

// contextInfoEnvelope accepts both verbose ({"d": {...}}) and minimal metadata responses
type contextInfoEnvelope struct {
	D *struct {
		GetContextWebInformation *contextInfo `json:"GetContextWebInformation"`
	} `json:"d"`
	GetContextWebInformation *contextInfo `json:"GetContextWebInformation"`
}

func (e *contextInfoEnvelope) info() *contextInfo {
	if e.D != nil && e.D.GetContextWebInformation != nil {
		return e.D.GetContextWebInformation
	}
	return e.GetContextWebInformation
}

// AuthTokenError is returned when a digest could not be issued
type AuthTokenError struct {
	Endpoint   string
	StatusCode int
	StatusText string
	Reason     string
	Err        error
}

func (e *AuthTokenError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("request digest for %s: %v", e.Endpoint, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("request digest for %s: status %d %s", e.Endpoint, e.StatusCode, e.StatusText)
	default:
		return fmt.Sprintf("request digest for %s: %s", e.Endpoint, e.Reason)
	}
}

func (e *AuthTokenError) Unwrap() error {
	return e.Err
}

// ToServiceError converts the error into a categorized service error
func (e *AuthTokenError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"endpoint": e.Endpoint}
	if e.StatusCode != 0 {
		metadata["status_code"] = e.StatusCode
		metadata["status_text"] = e.StatusText
	}
	return goerrors.New(e.Error(), goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(TextCodeAuthTokenFailed).
		WithMetadata(metadata)
}
