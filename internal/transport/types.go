package transport

import (
	"context"
	"net/http"
)

// CacheModeNoCache asks intermediaries to revalidate; it is the default cache mode
const CacheModeNoCache = "no-cache"

// Options holds per-call request settings
type Options struct {
	Method    string
	Headers   http.Header
	Body      []byte
	CacheMode string
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       []byte
}

// Text returns the response body as a string
func (r *Response) Text() string {
	return string(r.Body)
}

// OK returns true for 2xx statuses
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher is an underlying transport. Name identifies the instance; calls
// made through different names never share credentials or cached tokens.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, url string, opts Options) (*Response, error)
}

// Sender performs a call with header defaults and retry, but without
// digest injection
type Sender interface {
	Name() string
	Send(ctx context.Context, url string, opts Options) (*Response, error)
}

// TokenProvider issues request digests for an endpoint root
type TokenProvider interface {
	Token(ctx context.Context, sender Sender, endpointRoot string) (string, error)
}
