package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"restbatch/internal/config"
)

// bucketKey identifies requests that may share a batch
type bucketKey struct {
	baseURL   string
	transport string
}

// bucket accumulates requests for one key until maxSize or maxWait
type bucket struct {
	batch *Batch
	timer *time.Timer
}

// Aggregator collects requests submitted one at a time into batches and
// dispatches each batch when it reaches maxSize or its oldest request has
// waited maxWait
type Aggregator struct {
	maxSize int
	maxWait time.Duration
	runner  Runner
	buckets map[bucketKey]*bucket
	closed  bool
	running sync.WaitGroup
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewAggregator creates a new batch aggregator
func NewAggregator(cfg *config.BatchingConfig, runner Runner, logger zerolog.Logger) *Aggregator {
	maxSize := config.DefaultBatchMaxSize
	maxWait := time.Duration(config.DefaultBatchMaxWait) * time.Millisecond
	if cfg != nil {
		if cfg.MaxSize > 0 {
			maxSize = cfg.MaxSize
		}
		if cfg.MaxWait > 0 {
			maxWait = cfg.GetMaxWaitDuration()
		}
	}

	return &Aggregator{
		maxSize: maxSize,
		maxWait: maxWait,
		runner:  runner,
		buckets: make(map[bucketKey]*bucket),
		logger:  logger.With().Str("component", "batcher").Logger(),
	}
}

// Add queues req for baseURL. The request settles once its batch executes;
// wait on req.Done or req.Wait. Batches run detached from ctx cancellation.
func (a *Aggregator) Add(ctx context.Context, baseURL string, req *PendingRequest) error {
	key := bucketKey{baseURL: baseURL, transport: req.Transport}
	runCtx := context.WithoutCancel(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAggregatorClosed
	}

	b := a.buckets[key]
	if b == nil {
		b = &bucket{batch: New(baseURL)}
		a.buckets[key] = b
		b.timer = time.AfterFunc(a.maxWait, func() {
			a.flush(runCtx, key, b)
		})
	}

	if err := b.batch.Add(req); err != nil {
		a.mu.Unlock()
		return err
	}

	var full *bucket
	if b.batch.Len() >= a.maxSize {
		full = a.detach(key, b)
	}
	a.mu.Unlock()

	if full != nil {
		go a.run(runCtx, full.batch)
	}
	return nil
}

// detach removes b from the pending set. Caller holds a.mu.
func (a *Aggregator) detach(key bucketKey, b *bucket) *bucket {
	if a.buckets[key] != b {
		return nil
	}
	delete(a.buckets, key)
	b.timer.Stop()
	a.running.Add(1)
	return b
}

// flush dispatches b if it is still the pending bucket for key
func (a *Aggregator) flush(ctx context.Context, key bucketKey, b *bucket) {
	a.mu.Lock()
	detached := a.detach(key, b)
	a.mu.Unlock()

	if detached != nil {
		a.run(ctx, detached.batch)
	}
}

func (a *Aggregator) run(ctx context.Context, b *Batch) {
	defer a.running.Done()

	if a.runner == nil {
		requests, _ := b.take()
		for _, req := range requests {
			req.reject(ErrAggregatorClosed)
		}
		return
	}

	size := b.Len()
	if err := a.runner.Execute(ctx, b); err != nil {
		a.logger.Error().
			Err(err).
			Str("batch", b.ID()).
			Int("requests", size).
			Msg("batch execution failed")
		return
	}

	a.logger.Debug().
		Str("batch", b.ID()).
		Int("requests", size).
		Msg("batch dispatched")
}

// Pending returns the number of requests waiting in undispatched batches
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, b := range a.buckets {
		n += b.batch.Len()
	}
	return n
}

// FlushAll dispatches all pending batches and waits for every running batch
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	detached := make([]*bucket, 0, len(a.buckets))
	for key, b := range a.buckets {
		if d := a.detach(key, b); d != nil {
			detached = append(detached, d)
		}
	}
	a.mu.Unlock()

	for _, b := range detached {
		a.run(ctx, b.batch)
	}
	a.running.Wait()
}

// Close rejects further requests and flushes pending batches
func (a *Aggregator) Close(ctx context.Context) {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.FlushAll(ctx)
	a.logger.Info().Msg("batch aggregator closed")
}
