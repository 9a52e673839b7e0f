package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"restbatch/internal/config"
	"restbatch/internal/transport"
)

// Cache is an LRU of request digests keyed by (transport, endpoint root).
// Concurrent misses on the same key share one issuance call.
type Cache struct {
	tokens *lru.Cache[cacheKey, CachedToken]
	group  singleflight.Group
	now    func() time.Time
	logger zerolog.Logger
}

// NewCache creates a new digest cache holding at most size tokens
func NewCache(size int, logger zerolog.Logger) (*Cache, error) {
	if size <= 0 {
		size = config.DefaultDigestCacheSize
	}

	tokens, err := lru.New[cacheKey, CachedToken](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &Cache{
		tokens: tokens,
		now:    time.Now,
		logger: logger.With().Str("component", "digest").Logger(),
	}, nil
}

// Token returns a valid digest for endpointRoot, issuing one through sender
// on miss or expiry. Issuance uses Send, so it never asks for a digest itself.
func (c *Cache) Token(ctx context.Context, sender transport.Sender, endpointRoot string) (string, error) {
	key := cacheKey{
		transport: sender.Name(),
		endpoint:  strings.TrimSuffix(endpointRoot, "/"),
	}

	if token, ok := c.lookup(key); ok {
		return token, nil
	}

	// the shared issuance outlives any single waiter's cancellation
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		if token, ok := c.lookup(key); ok {
			return token, nil
		}
		return c.refresh(fetchCtx, sender, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached digest for a transport and endpoint
func (c *Cache) Invalidate(transportName, endpointRoot string) {
	c.tokens.Remove(cacheKey{transport: transportName, endpoint: strings.TrimSuffix(endpointRoot, "/")})
}

// Len returns the number of cached digests, expired ones included
func (c *Cache) Len() int {
	return c.tokens.Len()
}

// lookup returns an unexpired token, evicting an expired one
func (c *Cache) lookup(key cacheKey) (string, bool) {
	entry, ok := c.tokens.Get(key)
	if !ok {
		return "", false
	}
	if !entry.Valid(c.now()) {
		c.tokens.Remove(key)
		return "", false
	}
	return entry.Value, true
}

// refresh performs the issuance call and replaces the cached entry
func (c *Cache) refresh(ctx context.Context, sender transport.Sender, key cacheKey) (string, error) {
	url := key.endpoint + ContextInfoPath

	resp, err := sender.Send(ctx, url, transport.Options{Method: http.MethodPost})
	if err != nil {
		return "", &AuthTokenError{Endpoint: key.endpoint, Err: err}
	}
	if !resp.OK() {
		return "", &AuthTokenError{Endpoint: key.endpoint, StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}

	var envelope contextInfoEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return "", &AuthTokenError{Endpoint: key.endpoint, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	info := envelope.info()
	if info == nil || info.FormDigestValue == "" {
		return "", &AuthTokenError{Endpoint: key.endpoint, Reason: "response carries no FormDigestValue"}
	}

	token := CachedToken{
		Value:     info.FormDigestValue,
		ExpiresAt: c.now().Add(time.Duration(info.FormDigestTimeoutSeconds) * time.Second),
	}
	c.tokens.Add(key, token)

	c.logger.Debug().
		Str("transport", key.transport).
		Str("endpoint", key.endpoint).
		Int("lifetime", info.FormDigestTimeoutSeconds).
		Msg("request digest refreshed")

	return token.Value, nil
}

var _ transport.TokenProvider = (*Cache)(nil)
