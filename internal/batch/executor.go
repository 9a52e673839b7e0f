package batch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"restbatch/internal/config"
	"restbatch/internal/transport"
)

// BatchPath is the batch endpoint relative to the batch base URL
const BatchPath = "_api/$batch"

// Runner executes a batch and settles its requests
type Runner interface {
	Execute(ctx context.Context, b *Batch) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, b *Batch) error

// Execute calls f(ctx, b)
func (f RunnerFunc) Execute(ctx context.Context, b *Batch) error {
	return f(ctx, b)
}

// Executor sends batches through the registry transport the batch requests
// name and settles every request with its part
type Executor struct {
	registry *transport.Registry
	encoder  *Encoder
	baseURL  string
	logger   zerolog.Logger
}

// NewExecutor creates a new Executor. Part headers default to the configured
// built-in and global headers; relative batch base URLs resolve against
// cfg.BaseURL.
func NewExecutor(cfg *config.Config, registry *transport.Registry, logger zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		encoder:  NewEncoder(transport.DefaultHeaders(cfg)),
		baseURL:  cfg.BaseURL,
		logger:   logger.With().Str("component", "batch").Logger(),
	}
}

// Execute sends b as one multipart call. Batch-level failures reject every
// request and are returned; per-request parse failures only reject their
// own request. An empty batch makes no network call.
func (e *Executor) Execute(ctx context.Context, b *Batch) error {
	requests, err := b.take()
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		e.logger.Debug().Str("batch", b.ID()).Msg("empty batch, nothing to send")
		return nil
	}

	if err := CheckTransports(requests); err != nil {
		return e.fail(b, requests, err)
	}

	baseURL, err := e.resolveBaseURL(b.BaseURL())
	if err != nil {
		return e.fail(b, requests, err)
	}

	t, err := e.registry.Get(requests[0].Transport)
	if err != nil {
		return e.fail(b, requests, &BatchEncodingError{Index: -1, Reason: err.Error()})
	}

	body, err := e.encoder.Encode(b.ID(), baseURL, requests)
	if err != nil {
		return e.fail(b, requests, err)
	}

	url := transport.CombineURL(baseURL, BatchPath)

	e.logger.Debug().
		Str("batch", b.ID()).
		Str("transport", t.Name()).
		Str("url", url).
		Int("requests", len(requests)).
		Msg("executing batch")

	resp, err := t.Fetch(ctx, url, transport.Options{
		Method: http.MethodPost,
		Headers: http.Header{
			transport.HeaderContentType: []string{ContentType(b.ID())},
		},
		Body: []byte(body),
	})
	if err != nil {
		return e.fail(b, requests, err)
	}
	if !resp.OK() {
		return e.fail(b, requests, &transport.TransportTerminalError{
			Method:     http.MethodPost,
			URL:        url,
			StatusCode: resp.StatusCode,
			StatusText: resp.StatusText,
		})
	}

	parts, err := Decode(resp.Text())
	if err != nil {
		return e.fail(b, requests, err)
	}
	if len(parts) != len(requests) {
		return e.fail(b, requests, &BatchParseError{
			Line:     -1,
			Reason:   fmt.Sprintf("expected %d parts, got %d", len(requests), len(parts)),
			Expected: len(requests),
			Got:      len(parts),
		})
	}

	failed := 0
	for i, req := range requests {
		if !e.settlePart(ctx, i, req, parts[i]) {
			failed++
		}
	}

	e.logger.Debug().
		Str("batch", b.ID()).
		Int("requests", len(requests)).
		Int("failed", failed).
		Msg("batch completed")

	return nil
}

// settlePart runs the request's parser on its part and settles the request.
// It returns false when the parser rejected the part.
func (e *Executor) settlePart(ctx context.Context, index int, req *PendingRequest, part ParsedPart) bool {
	value, err := parsePart(ctx, req, part)
	if err != nil {
		e.logger.Debug().
			Err(err).
			Int("index", index).
			Str("method", req.method()).
			Str("url", req.URL).
			Msg("request result rejected")

		req.reject(&RequestResultParseError{
			Index:  index,
			Method: req.method(),
			URL:    req.URL,
			Err:    err,
		})
		return false
	}
	req.resolve(value)
	return true
}

func parsePart(ctx context.Context, req *PendingRequest, part ParsedPart) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("parser panic: %v", r)
		}
	}()

	parser := req.Parser
	if parser == nil {
		parser = ODataParser{}
	}
	return parser.Parse(ctx, part.Response())
}

// resolveBaseURL returns an absolute base URL for a batch
func (e *Executor) resolveBaseURL(batchBase string) (string, error) {
	if transport.IsAbsoluteURL(batchBase) {
		return batchBase, nil
	}
	if !transport.IsAbsoluteURL(e.baseURL) {
		return "", &BatchEncodingError{
			Index:  -1,
			URL:    batchBase,
			Reason: "batch base url is not absolute and no absolute baseUrl is configured",
		}
	}
	return transport.CombineURL(e.baseURL, batchBase), nil
}

// fail rejects every request with err and returns it
func (e *Executor) fail(b *Batch, requests []*PendingRequest, err error) error {
	e.logger.Error().
		Err(err).
		Str("batch", b.ID()).
		Int("requests", len(requests)).
		Msg("batch failed")

	for _, req := range requests {
		req.reject(err)
	}
	return err
}

var _ Runner = (*Executor)(nil)
