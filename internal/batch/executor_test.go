package batch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restbatch/internal/config"
	"restbatch/internal/digest"
	"restbatch/internal/transport"
)

// stubFetcher records calls and answers with a fixed response
type stubFetcher struct {
	name string
	resp *transport.Response
	err  error

	mu   sync.Mutex
	urls []string
	opts []transport.Options
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(_ context.Context, url string, opts transport.Options) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, url)
	s.opts = append(s.opts, opts)
	return s.resp, s.err
}

func (s *stubFetcher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

func respond(code int, body string) *transport.Response {
	return &transport.Response{StatusCode: code, StatusText: http.StatusText(code), Header: http.Header{}, Body: []byte(body)}
}

func newTestExecutor(t *testing.T, baseURL string, fetchers ...*stubFetcher) *Executor {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = baseURL

	registry := transport.NewRegistry(fetchers[0].name)
	for _, f := range fetchers {
		registry.Add(transport.NewRetryingTransport(f, transport.DefaultHeaders(cfg), nil, transport.RetryConfig{}, zerolog.Nop()))
	}
	return NewExecutor(cfg, registry, zerolog.Nop())
}

func settled(t *testing.T, req *PendingRequest) Result {
	t.Helper()
	select {
	case <-req.Done():
		return req.Result()
	case <-time.After(time.Second):
		require.FailNow(t, "request was not settled")
		return Result{}
	}
}

func TestExecute_SettlesEachRequestInOrder(t *testing.T) {
	fetcher := &stubFetcher{name: "default", resp: respond(200, batchResponse(
		part{status: 200, body: `{"d":{"Title":"a"}}`},
		part{status: 201, body: `{"d":{"Id":2}}`},
		part{status: 204},
		part{status: 200, body: `{"d":{"results":[1,2]}}`},
	))}
	exec := newTestExecutor(t, "", fetcher)

	b := New("https://x.example.com/sites/dev")
	requests := []*PendingRequest{
		NewRequest(http.MethodGet, "/_api/web"),
		NewRequest(http.MethodPost, "/_api/web/lists"),
		NewRequest(http.MethodDelete, "/_api/web/lists(1)"),
		NewRequest(http.MethodGet, "/_api/web/lists"),
	}
	for _, r := range requests {
		require.NoError(t, b.Add(r))
	}

	require.NoError(t, exec.Execute(context.Background(), b))

	require.Equal(t, 1, fetcher.calls())
	assert.Equal(t, "https://x.example.com/sites/dev/_api/$batch", fetcher.urls[0])
	opts := fetcher.opts[0]
	assert.Equal(t, http.MethodPost, opts.Method)
	assert.Equal(t, "multipart/mixed; boundary=batch_"+b.ID(), opts.Headers.Get(transport.HeaderContentType))
	assert.Contains(t, string(opts.Body), "GET https://x.example.com/sites/dev/_api/web HTTP/1.1")

	want := []string{`{"Title":"a"}`, `{"Id":2}`, "", `[1,2]`}
	for i, req := range requests {
		res := settled(t, req)
		require.NoError(t, res.Err, "request %d", i)
		if want[i] == "" {
			assert.Nil(t, res.Value)
			continue
		}
		assert.JSONEq(t, want[i], string(res.Value.(json.RawMessage)))
	}
}

func TestExecute_EmptyBatchMakesNoCall(t *testing.T) {
	fetcher := &stubFetcher{name: "default"}
	exec := newTestExecutor(t, "", fetcher)

	require.NoError(t, exec.Execute(context.Background(), New("https://x.example.com")))
	assert.Equal(t, 0, fetcher.calls())
}

func TestExecute_SingleUse(t *testing.T) {
	fetcher := &stubFetcher{name: "default", resp: respond(200, batchResponse(part{status: 200, body: "{}"}))}
	exec := newTestExecutor(t, "", fetcher)

	b := New("https://x.example.com")
	require.NoError(t, b.Add(NewRequest(http.MethodGet, "/_api/web")))
	require.NoError(t, exec.Execute(context.Background(), b))

	assert.ErrorIs(t, exec.Execute(context.Background(), b), ErrBatchExecuted)
	assert.ErrorIs(t, b.Add(NewRequest(http.MethodGet, "/_api/web")), ErrBatchExecuted)
	assert.Equal(t, 1, fetcher.calls())
}

func TestExecute_MixedTransportsRejectedBeforeNetwork(t *testing.T) {
	a := &stubFetcher{name: "default"}
	b := &stubFetcher{name: "elevated"}
	exec := newTestExecutor(t, "", a, b)

	batch := New("https://x.example.com")
	first := NewRequest(http.MethodGet, "/_api/a")
	second := NewRequest(http.MethodPost, "/_api/b")
	second.Transport = "elevated"
	require.NoError(t, batch.Add(first))
	require.NoError(t, batch.Add(second))

	err := exec.Execute(context.Background(), batch)
	var encErr *BatchEncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 1, encErr.Index)
	assert.Equal(t, "/_api/b", encErr.URL)

	assert.Equal(t, 0, a.calls())
	assert.Equal(t, 0, b.calls())
	assert.ErrorIs(t, settled(t, first).Err, err)
	assert.ErrorIs(t, settled(t, second).Err, err)
}

func TestExecute_NamedTransportIsUsed(t *testing.T) {
	a := &stubFetcher{name: "default"}
	b := &stubFetcher{name: "elevated", resp: respond(200, batchResponse(part{status: 200, body: "{}"}))}
	exec := newTestExecutor(t, "", a, b)

	batch := New("https://x.example.com")
	req := NewRequest(http.MethodGet, "/_api/a")
	req.Transport = "elevated"
	require.NoError(t, batch.Add(req))

	require.NoError(t, exec.Execute(context.Background(), batch))
	assert.Equal(t, 0, a.calls())
	assert.Equal(t, 1, b.calls())
	require.NoError(t, settled(t, req).Err)
}

func TestExecute_ParseFailuresAreIsolated(t *testing.T) {
	fetcher := &stubFetcher{name: "default", resp: respond(200, batchResponse(
		part{status: 200, body: `{"d":{"Title":"a"}}`},
		part{status: 404, body: `{"error":{}}`},
		part{status: 200, body: `{}`},
		part{status: 200, body: `{"d":{"Title":"d"}}`},
	))}
	exec := newTestExecutor(t, "", fetcher)

	b := New("https://x.example.com")
	ok1 := NewRequest(http.MethodGet, "/_api/a")
	missing := NewRequest(http.MethodGet, "/_api/b")
	panicky := NewRequest(http.MethodGet, "/_api/c")
	panicky.Parser = ParserFunc(func(context.Context, *transport.Response) (any, error) {
		panic("boom")
	})
	ok2 := NewRequest(http.MethodGet, "/_api/d")
	for _, r := range []*PendingRequest{ok1, missing, panicky, ok2} {
		require.NoError(t, b.Add(r))
	}

	require.NoError(t, exec.Execute(context.Background(), b))

	assert.NoError(t, settled(t, ok1).Err)
	assert.NoError(t, settled(t, ok2).Err)

	var parseErr *RequestResultParseError
	require.True(t, errors.As(settled(t, missing).Err, &parseErr))
	assert.Equal(t, 1, parseErr.Index)
	assert.Equal(t, "/_api/b", parseErr.URL)
	assert.Equal(t, http.StatusNotFound, parseErr.ToServiceError().Code)

	require.True(t, errors.As(settled(t, panicky).Err, &parseErr))
	assert.Equal(t, 2, parseErr.Index)
	assert.Contains(t, parseErr.Error(), "boom")
}

func TestExecute_BatchLevelFailuresRejectAll(t *testing.T) {
	tests := []struct {
		name  string
		resp  *transport.Response
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "part count mismatch",
			resp: respond(200, batchResponse(part{status: 200, body: "{}"})),
			check: func(t *testing.T, err error) {
				var parseErr *BatchParseError
				require.True(t, errors.As(err, &parseErr))
				assert.Equal(t, 2, parseErr.Expected)
				assert.Equal(t, 1, parseErr.Got)
			},
		},
		{
			name: "malformed response",
			resp: respond(200, "--batchresponse_1\n\ngarbage\n"),
			check: func(t *testing.T, err error) {
				var parseErr *BatchParseError
				require.True(t, errors.As(err, &parseErr))
				assert.Equal(t, 2, parseErr.Line)
			},
		},
		{
			name: "non-2xx batch response",
			resp: respond(400, "bad request"),
			check: func(t *testing.T, err error) {
				var terminal *transport.TransportTerminalError
				require.True(t, errors.As(err, &terminal))
				assert.Equal(t, 400, terminal.StatusCode)
			},
		},
		{
			name: "network failure",
			err:  errors.New("connection refused"),
			check: func(t *testing.T, err error) {
				var terminal *transport.TransportTerminalError
				require.True(t, errors.As(err, &terminal))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{name: "default", resp: tt.resp, err: tt.err}
			exec := newTestExecutor(t, "", fetcher)

			b := New("https://x.example.com")
			requests := []*PendingRequest{
				NewRequest(http.MethodGet, "/_api/a"),
				NewRequest(http.MethodGet, "/_api/b"),
			}
			for _, r := range requests {
				require.NoError(t, b.Add(r))
			}

			err := exec.Execute(context.Background(), b)
			require.Error(t, err)
			tt.check(t, err)

			for _, r := range requests {
				assert.Same(t, err, settled(t, r).Err)
			}
		})
	}
}

func TestExecute_RelativeBaseURL(t *testing.T) {
	fetcher := &stubFetcher{name: "default", resp: respond(200, batchResponse(part{status: 200, body: "{}"}))}
	exec := newTestExecutor(t, "https://x.example.com", fetcher)

	b := New("sites/dev")
	require.NoError(t, b.Add(NewRequest(http.MethodGet, "_api/web")))
	require.NoError(t, exec.Execute(context.Background(), b))
	assert.Equal(t, "https://x.example.com/sites/dev/_api/$batch", fetcher.urls[0])
	assert.Contains(t, string(fetcher.opts[0].Body), "GET https://x.example.com/sites/dev/_api/web HTTP/1.1")

	unconfigured := newTestExecutor(t, "", &stubFetcher{name: "default"})
	b = New("sites/dev")
	req := NewRequest(http.MethodGet, "_api/web")
	require.NoError(t, b.Add(req))

	err := unconfigured.Execute(context.Background(), b)
	var encErr *BatchEncodingError
	require.True(t, errors.As(err, &encErr))
	assert.ErrorIs(t, settled(t, req).Err, err)
}

func TestExecute_EndToEnd(t *testing.T) {
	var contextInfoCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sites/dev/_api/contextinfo":
			contextInfoCalls.Add(1)
			_, _ = w.Write([]byte(`{"d":{"GetContextWebInformation":{"FormDigestValue":"0xd","FormDigestTimeoutSeconds":1800}}}`))
		case "/sites/dev/_api/$batch":
			body, _ := io.ReadAll(r.Body)
			if r.Header.Get(transport.HeaderDigest) != "0xd" ||
				!strings.HasPrefix(r.Header.Get(transport.HeaderContentType), "multipart/mixed; boundary=batch_") ||
				strings.Contains(string(body), "Authorization") {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte(batchResponse(
				part{status: 200, body: `{"d":{"Title":"Dev"}}`},
				part{status: 201, body: `{"d":{"Id":9}}`},
			)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	cfg, err := config.Parse([]byte(`{
		"baseUrl": "`+server.URL+`/sites/dev",
		"transports": [{"name": "web", "authorization": "Bearer secret"}]
	}`), "json")
	require.NoError(t, err)

	tokens, err := digest.NewCache(cfg.DigestCacheSize, zerolog.Nop())
	require.NoError(t, err)
	registry := transport.NewRegistryFromConfig(cfg, tokens, zerolog.Nop())
	defer registry.Close()

	// the bearer header would suppress digest injection; batch through a digest-only transport
	registry.Add(transport.NewRetryingTransport(
		transport.NewHTTPFetcher(transport.HTTPConfig{Name: "digest", Logger: zerolog.Nop()}),
		transport.DefaultHeaders(cfg), tokens, transport.RetryConfig{}, zerolog.Nop(),
	))

	exec := NewExecutor(cfg, registry, zerolog.Nop())

	for i := 0; i < 2; i++ {
		b := New("")
		web := NewRequest(http.MethodGet, "_api/web")
		web.Transport = "digest"
		list := NewRequest(http.MethodPost, "_api/web/lists")
		list.Transport = "digest"
		list.Body = []byte(`{"Title":"L"}`)
		require.NoError(t, b.Add(web))
		require.NoError(t, b.Add(list))

		require.NoError(t, exec.Execute(context.Background(), b))

		value, err := web.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"Title":"Dev"}`, string(value.(json.RawMessage)))
		value, err = list.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"Id":9}`, string(value.(json.RawMessage)))
	}

	assert.EqualValues(t, 1, contextInfoCalls.Load())
}
