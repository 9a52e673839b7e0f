package config

import "time"

// Config represents the main configuration structure.
// It is loaded once and handed to constructors as a read-only snapshot.
type Config struct {
	LogLevel          string            `json:"logLevel" yaml:"logLevel"`
	BaseURL           string            `json:"baseUrl" yaml:"baseUrl"`
	ClientTag         string            `json:"clientTag" yaml:"clientTag"`
	Headers           map[string]string `json:"headers" yaml:"headers"`
	RequestTimeout    int               `json:"requestTimeout" yaml:"requestTimeout"`       // ms
	RetryMaxAttempts  int               `json:"retryMaxAttempts" yaml:"retryMaxAttempts"`   // total attempts per call
	RetryInitialDelay int               `json:"retryInitialDelay" yaml:"retryInitialDelay"` // ms
	DigestCacheSize   int               `json:"digestCacheSize" yaml:"digestCacheSize"`
	DefaultTransport  string            `json:"defaultTransport" yaml:"defaultTransport"`
	Transports        []TransportConfig `json:"transports" yaml:"transports"`
	Batching          *BatchingConfig   `json:"batching,omitempty" yaml:"batching,omitempty"`
}

// TransportConfig represents a single underlying transport
type TransportConfig struct {
	Name          string            `json:"name" yaml:"name"`
	Authorization string            `json:"authorization" yaml:"authorization"` // pre-existing credential, e.g. "Bearer ..."
	Headers       map[string]string `json:"headers" yaml:"headers"`
}

// BatchingConfig represents automatic batch dispatch configuration
type BatchingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	MaxSize int  `json:"maxSize" yaml:"maxSize"` // requests per batch
	MaxWait int  `json:"maxWait" yaml:"maxWait"` // ms
}

// Default values
const (
	DefaultLogLevel          = "info"
	DefaultClientTag         = "restbatch:go"
	DefaultRequestTimeout    = 30000 // ms
	DefaultRetryMaxAttempts  = 7
	DefaultRetryInitialDelay = 100 // ms
	DefaultDigestCacheSize   = 100
	DefaultTransportName     = "default"
	DefaultBatchMaxSize      = 100
	DefaultBatchMaxWait      = 50 // ms
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetRetryInitialDelayDuration returns the first backoff delay as time.Duration
func (c *Config) GetRetryInitialDelayDuration() time.Duration {
	return time.Duration(c.RetryInitialDelay) * time.Millisecond
}

// IsBatchingEnabled returns true if automatic batching is configured and enabled
func (c *Config) IsBatchingEnabled() bool {
	return c.Batching != nil && c.Batching.Enabled
}

// GetTransport returns the transport config with the given name, or nil
func (c *Config) GetTransport(name string) *TransportConfig {
	for i := range c.Transports {
		if c.Transports[i].Name == name {
			return &c.Transports[i]
		}
	}
	return nil
}

// GetMaxWaitDuration returns max wait as time.Duration
func (b *BatchingConfig) GetMaxWaitDuration() time.Duration {
	return time.Duration(b.MaxWait) * time.Millisecond
}
