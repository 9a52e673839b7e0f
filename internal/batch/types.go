package batch

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"restbatch/internal/transport"
)

// Result is the settled outcome of a PendingRequest
type Result struct {
	Value any
	Err   error
}

// ResultParser interprets one part's response for the request that produced it
type ResultParser interface {
	Parse(ctx context.Context, resp *transport.Response) (any, error)
}

// ParserFunc adapts a function to ResultParser
type ParserFunc func(ctx context.Context, resp *transport.Response) (any, error)

// Parse calls f(ctx, resp)
func (f ParserFunc) Parse(ctx context.Context, resp *transport.Response) (any, error) {
	return f(ctx, resp)
}

// PendingRequest is one logical operation waiting to be sent in a batch.
// It is settled exactly once, after which Done is closed.
type PendingRequest struct {
	ID        string
	Method    string
	URL       string
	Headers   http.Header
	Body      []byte
	Transport string // registry name; empty selects the default transport
	Parser    ResultParser

	initOnce   sync.Once
	settleOnce sync.Once
	done       chan struct{}
	result     Result
}

// NewRequest creates a PendingRequest with a fresh ID and the OData parser
func NewRequest(method, url string) *PendingRequest {
	return &PendingRequest{
		ID:     uuid.NewString(),
		Method: method,
		URL:    url,
		Parser: ODataParser{},
	}
}

func (r *PendingRequest) init() {
	r.initOnce.Do(func() {
		r.done = make(chan struct{})
	})
}

// Done returns a channel closed once the request is settled
func (r *PendingRequest) Done() <-chan struct{} {
	r.init()
	return r.done
}

// Result returns the settled result; only meaningful after Done is closed
func (r *PendingRequest) Result() Result {
	<-r.Done()
	return r.result
}

// Wait blocks until the request is settled or ctx ends
func (r *PendingRequest) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.Done():
		return r.result.Value, r.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle records res and closes Done. Only the first call has any effect.
func (r *PendingRequest) settle(res Result) bool {
	r.init()
	settled := false
	r.settleOnce.Do(func() {
		r.result = res
		close(r.done)
		settled = true
	})
	return settled
}

func (r *PendingRequest) resolve(value any) bool {
	return r.settle(Result{Value: value})
}

func (r *PendingRequest) reject(err error) bool {
	return r.settle(Result{Err: err})
}

// method returns the upper-cased verb, GET when unset
func (r *PendingRequest) method() string {
	m := strings.ToUpper(strings.TrimSpace(r.Method))
	if m == "" {
		return http.MethodGet
	}
	return m
}

// ParsedPart is one decoded part of a batch response
type ParsedPart struct {
	Status     int
	StatusText string
	Body       string
}

// Response exposes the part as a transport response for result parsers
func (p ParsedPart) Response() *transport.Response {
	return &transport.Response{
		StatusCode: p.Status,
		StatusText: p.StatusText,
		Header:     http.Header{},
		Body:       []byte(p.Body),
	}
}

// Batch is an ordered, single-use collection of pending requests sent as
// one multipart call
type Batch struct {
	id       string
	baseURL  string
	requests []*PendingRequest
	executed bool
	mu       sync.Mutex
}

// New creates an empty batch for the given base URL. A relative or empty
// base URL is resolved against the configured base URL at execution.
func New(baseURL string) *Batch {
	return &Batch{
		id:       uuid.NewString(),
		baseURL:  baseURL,
		requests: make([]*PendingRequest, 0),
	}
}

// ID returns the batch identifier used in the multipart boundary
func (b *Batch) ID() string {
	return b.id
}

// BaseURL returns the base URL the batch was created with
func (b *Batch) BaseURL() string {
	return b.baseURL
}

// Add appends a request. Requests cannot be added once execution started.
func (b *Batch) Add(req *PendingRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.executed {
		return ErrBatchExecuted
	}
	req.init()
	b.requests = append(b.requests, req)
	return nil
}

// Len returns the number of queued requests
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// take marks the batch executed and hands over its requests
func (b *Batch) take() ([]*PendingRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.executed {
		return nil, ErrBatchExecuted
	}
	b.executed = true
	requests := b.requests
	b.requests = nil
	return requests, nil
}
