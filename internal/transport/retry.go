package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"restbatch/internal/config"
)

// maxBackoffInterval caps a single backoff wait
const maxBackoffInterval = 10 * time.Minute

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// RetryingTransport wraps a Fetcher with header defaults, digest injection
// and retry on throttling and transient server errors
type RetryingTransport struct {
	fetcher Fetcher
	headers http.Header
	tokens  TokenProvider
	config  RetryConfig
	logger  zerolog.Logger

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// NewRetryingTransport creates a new RetryingTransport. headers is the
// global header layer (built-in defaults already merged in); tokens may be
// nil, in which case no digest is ever attached.
func NewRetryingTransport(f Fetcher, headers http.Header, tokens TokenProvider, cfg RetryConfig, logger zerolog.Logger) *RetryingTransport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultRetryMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Duration(config.DefaultRetryInitialDelay) * time.Millisecond
	}

	return &RetryingTransport{
		fetcher: f,
		headers: MergeHeaders(headers),
		tokens:  tokens,
		config:  cfg,
		logger:  logger.With().Str("component", "transport").Str("transport", f.Name()).Logger(),
		wait:    sleepContext,
		now:     time.Now,
	}
}

// Name returns the identity of the underlying fetcher
func (t *RetryingTransport) Name() string {
	return t.fetcher.Name()
}

// Headers returns a copy of the global header layer
func (t *RetryingTransport) Headers() http.Header {
	return MergeHeaders(t.headers)
}

// Fetch sends a request, attaching a request digest to mutating calls that
// carry neither a digest nor an authorization header
func (t *RetryingTransport) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	opts = t.prepare(opts)

	if t.tokens != nil && !IsRead(opts.Method) &&
		opts.Headers.Get(HeaderDigest) == "" && opts.Headers.Get(HeaderAuthorization) == "" {
		token, err := t.tokens.Token(ctx, t, EndpointRoot(url))
		if err != nil {
			return nil, err
		}
		opts.Headers.Set(HeaderDigest, token)
	}

	return t.execute(ctx, url, opts)
}

// Send sends a request with header defaults and retry but no digest injection
func (t *RetryingTransport) Send(ctx context.Context, url string, opts Options) (*Response, error) {
	return t.execute(ctx, url, t.prepare(opts))
}

// prepare applies method and header defaults: built-in < global < per-call
func (t *RetryingTransport) prepare(opts Options) Options {
	opts.Method = strings.ToUpper(strings.TrimSpace(opts.Method))
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	opts.Headers = MergeHeaders(t.headers, opts.Headers)
	if opts.CacheMode == "" {
		opts.CacheMode = CacheModeNoCache
	}
	return opts
}

// execute runs the bounded retry loop around the underlying fetcher
func (t *RetryingTransport) execute(ctx context.Context, url string, opts Options) (*Response, error) {
	delays := t.newBackOff()
	attempts := 0

	for {
		resp, err := t.fetcher.Fetch(ctx, url, opts)
		attempts++

		if err != nil {
			t.logger.Error().
				Err(err).
				Str("method", opts.Method).
				Str("url", url).
				Int("attempt", attempts).
				Msg("request failed")
			return nil, &TransportTerminalError{Method: opts.Method, URL: url, Err: err}
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if attempts >= t.config.MaxAttempts {
			t.logger.Error().
				Str("method", opts.Method).
				Str("url", url).
				Int("attempts", attempts).
				Int("status", resp.StatusCode).
				Msg("retry count exceeded")
			return nil, &RetryExhaustedError{
				Method:     opts.Method,
				URL:        url,
				Attempts:   attempts,
				StatusCode: resp.StatusCode,
				StatusText: resp.StatusText,
			}
		}

		delay, ok := retryAfter(resp.Header, t.now())
		if !ok {
			delay = delays.NextBackOff()
		}

		t.logger.Warn().
			Int("attempt", attempts).
			Int("maxAttempts", t.config.MaxAttempts).
			Int("status", resp.StatusCode).
			Dur("delay", delay).
			Str("method", opts.Method).
			Str("url", url).
			Msg("request throttled, retrying")

		if err := t.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// newBackOff returns a per-call delay sequence: InitialDelay, doubling, no jitter
func (t *RetryingTransport) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.config.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoffInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// isRetryableStatus reports throttling and transient gateway statuses
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryAfter reads a Retry-After header in delta-seconds or HTTP-date form
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// sleepContext waits for d without blocking other goroutines
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
