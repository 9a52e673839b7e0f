package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"restbatch/internal/config"
)

// Registry manages the named transports a client can select from
type Registry struct {
	transports  map[string]*RetryingTransport
	defaultName string
	mu          sync.RWMutex
}

// NewRegistry creates an empty Registry
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		transports:  make(map[string]*RetryingTransport),
		defaultName: defaultName,
	}
}

// NewRegistryFromConfig builds one HTTP-backed RetryingTransport per
// configured transport, all sharing the same token provider
func NewRegistryFromConfig(cfg *config.Config, tokens TokenProvider, logger zerolog.Logger) *Registry {
	r := NewRegistry(cfg.DefaultTransport)
	defaults := DefaultHeaders(cfg)
	retryCfg := RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.GetRetryInitialDelayDuration(),
	}

	for _, tc := range cfg.Transports {
		headers := MergeHeaders(defaults, HeadersFromMap(tc.Headers))
		if tc.Authorization != "" {
			headers.Set(HeaderAuthorization, tc.Authorization)
		}

		fetcher := NewHTTPFetcher(HTTPConfig{
			Name:           tc.Name,
			RequestTimeout: cfg.GetRequestTimeoutDuration(),
			Logger:         logger,
		})
		r.Add(NewRetryingTransport(fetcher, headers, tokens, retryCfg, logger))
	}

	return r
}

// Add adds a transport to the registry, replacing one with the same name
func (r *Registry) Add(t *RetryingTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Get returns the transport with the given name; the empty name selects the default
func (r *Registry) Get(name string) (*RetryingTransport, error) {
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("transport '%s' not found", name)
	}
	return t, nil
}

// Default returns the default transport
func (r *Registry) Default() (*RetryingTransport, error) {
	return r.Get("")
}

// DefaultName returns the name the empty transport selector resolves to
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names returns all registered transport names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases idle connections of HTTP-backed transports
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.transports {
		if c, ok := t.fetcher.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
