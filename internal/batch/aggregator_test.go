package batch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restbatch/internal/config"
)

// recordingRunner resolves every request with its batch size
type recordingRunner struct {
	mu      sync.Mutex
	batches []*Batch
	sizes   []int
	err     error
}

func (r *recordingRunner) Execute(_ context.Context, b *Batch) error {
	requests, err := b.take()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.sizes = append(r.sizes, len(requests))
	r.mu.Unlock()

	for _, req := range requests {
		if r.err != nil {
			req.reject(r.err)
			continue
		}
		req.resolve(len(requests))
	}
	return r.err
}

func (r *recordingRunner) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

func TestAggregator_FlushesAtMaxSize(t *testing.T) {
	runner := &recordingRunner{}
	agg := NewAggregator(&config.BatchingConfig{Enabled: true, MaxSize: 3, MaxWait: 60000}, runner, zerolog.Nop())

	requests := make([]*PendingRequest, 3)
	for i := range requests {
		requests[i] = NewRequest(http.MethodGet, "/_api/web")
		require.NoError(t, agg.Add(context.Background(), "https://x.example.com", requests[i]))
	}

	for _, req := range requests {
		value, err := req.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, value)
	}
	assert.Equal(t, []int{3}, runner.batchSizes())
	assert.Equal(t, 0, agg.Pending())
}

func TestAggregator_FlushesAfterMaxWait(t *testing.T) {
	runner := &recordingRunner{}
	agg := NewAggregator(&config.BatchingConfig{Enabled: true, MaxSize: 100, MaxWait: 10}, runner, zerolog.Nop())

	first := NewRequest(http.MethodGet, "/_api/a")
	second := NewRequest(http.MethodGet, "/_api/b")
	require.NoError(t, agg.Add(context.Background(), "https://x.example.com", first))
	require.NoError(t, agg.Add(context.Background(), "https://x.example.com", second))
	assert.Equal(t, 2, agg.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, value)
	assert.Equal(t, []int{2}, runner.batchSizes())
}

func TestAggregator_SeparatesBaseURLsAndTransports(t *testing.T) {
	runner := &recordingRunner{}
	agg := NewAggregator(&config.BatchingConfig{Enabled: true, MaxSize: 100, MaxWait: 60000}, runner, zerolog.Nop())

	a := NewRequest(http.MethodGet, "/_api/a")
	b := NewRequest(http.MethodGet, "/_api/b")
	c := NewRequest(http.MethodGet, "/_api/c")
	c.Transport = "elevated"
	d := NewRequest(http.MethodGet, "/_api/d")

	require.NoError(t, agg.Add(context.Background(), "https://x.example.com/one", a))
	require.NoError(t, agg.Add(context.Background(), "https://x.example.com/one", b))
	require.NoError(t, agg.Add(context.Background(), "https://x.example.com/one", c))
	require.NoError(t, agg.Add(context.Background(), "https://x.example.com/two", d))

	agg.FlushAll(context.Background())

	assert.ElementsMatch(t, []int{2, 1, 1}, runner.batchSizes())
	for _, req := range []*PendingRequest{a, b, c, d} {
		select {
		case <-req.Done():
		default:
			t.Fatalf("request %s not settled", req.URL)
		}
	}
}

func TestAggregator_CloseFlushesAndRejectsNewRequests(t *testing.T) {
	runner := &recordingRunner{err: errors.New("batch failed")}
	agg := NewAggregator(nil, runner, zerolog.Nop())

	req := NewRequest(http.MethodGet, "/_api/a")
	require.NoError(t, agg.Add(context.Background(), "https://x.example.com", req))

	agg.Close(context.Background())

	_, err := req.Wait(context.Background())
	assert.EqualError(t, err, "batch failed")
	assert.ErrorIs(t, agg.Add(context.Background(), "https://x.example.com", NewRequest(http.MethodGet, "/_api/b")), ErrAggregatorClosed)
}

func TestAggregator_CancelledCallerDoesNotCancelBatch(t *testing.T) {
	var seen error
	runner := RunnerFunc(func(ctx context.Context, b *Batch) error {
		seen = ctx.Err()
		requests, _ := b.take()
		for _, req := range requests {
			req.resolve(nil)
		}
		return nil
	})
	agg := NewAggregator(&config.BatchingConfig{MaxSize: 1}, runner, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := NewRequest(http.MethodGet, "/_api/a")
	require.NoError(t, agg.Add(ctx, "https://x.example.com", req))
	agg.FlushAll(context.Background())

	_, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, seen)
}
