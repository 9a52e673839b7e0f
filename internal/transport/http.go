package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPFetcher is the net/http implementation of Fetcher
type HTTPFetcher struct {
	name       string
	httpClient *http.Client
	logger     zerolog.Logger
}

// HTTPConfig for creating a new HTTPFetcher
type HTTPConfig struct {
	Name           string
	RequestTimeout time.Duration
	Client         *http.Client // optional, overrides RequestTimeout
	Logger         zerolog.Logger
}

// NewHTTPFetcher creates a new HTTPFetcher
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	httpClient := cfg.Client
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		}
	}

	return &HTTPFetcher{
		name:       cfg.Name,
		httpClient: httpClient,
		logger:     cfg.Logger.With().Str("transport", cfg.Name).Logger(),
	}
}

// Name returns the transport name
func (f *HTTPFetcher) Name() string {
	return f.name
}

// Fetch sends a single HTTP request and reads the whole response
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	for key, values := range opts.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	cacheMode := opts.CacheMode
	if cacheMode == "" {
		cacheMode = CacheModeNoCache
	}
	if cacheMode == CacheModeNoCache && httpReq.Header.Get(HeaderCacheControl) == "" {
		httpReq.Header.Set(HeaderCacheControl, CacheModeNoCache)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	f.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Msg("request completed")

	return &Response{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// Close releases idle connections
func (f *HTTPFetcher) Close() {
	f.httpClient.CloseIdleConnections()
}

// statusText strips the numeric code from resp.Status ("404 Not Found" -> "Not Found")
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}
