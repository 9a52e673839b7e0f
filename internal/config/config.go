package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	default:
		format = "json"
	}

	return Parse(data, format)
}

// Parse decodes config data in the given format ("json" or "yaml"),
// applies defaults and validates the result
func Parse(data []byte, format string) (*Config, error) {
	cfg := &Config{}
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a config with every field at its default value
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ClientTag == "" {
		cfg.ClientTag = DefaultClientTag
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.RetryInitialDelay == 0 {
		cfg.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if cfg.DigestCacheSize == 0 {
		cfg.DigestCacheSize = DefaultDigestCacheSize
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}

	// A config without transports still gets one unauthenticated default
	if len(cfg.Transports) == 0 {
		cfg.Transports = []TransportConfig{{Name: DefaultTransportName}}
	}
	if cfg.DefaultTransport == "" {
		cfg.DefaultTransport = cfg.Transports[0].Name
	}

	if cfg.Batching != nil {
		if cfg.Batching.MaxSize == 0 {
			cfg.Batching.MaxSize = DefaultBatchMaxSize
		}
		if cfg.Batching.MaxWait == 0 {
			cfg.Batching.MaxWait = DefaultBatchMaxWait
		}
	}
}

// validate checks the configuration for errors and reports all of them at once
func validate(cfg *Config) error {
	var result *multierror.Error

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		result = multierror.Append(result, errors.New("logLevel must be one of: debug, info, warn, error"))
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("baseUrl '%s' must be an absolute URL", cfg.BaseURL))
		}
	}

	if cfg.RequestTimeout < 0 {
		result = multierror.Append(result, errors.New("requestTimeout must be non-negative"))
	}
	if cfg.RetryMaxAttempts < 0 {
		result = multierror.Append(result, errors.New("retryMaxAttempts must be non-negative"))
	}
	if cfg.RetryInitialDelay < 0 {
		result = multierror.Append(result, errors.New("retryInitialDelay must be non-negative"))
	}
	if cfg.DigestCacheSize < 0 {
		result = multierror.Append(result, errors.New("digestCacheSize must be non-negative"))
	}

	names := make(map[string]bool)
	for i, t := range cfg.Transports {
		if t.Name == "" {
			result = multierror.Append(result, fmt.Errorf("transport[%d]: name is required", i))
			continue
		}
		if names[t.Name] {
			result = multierror.Append(result, fmt.Errorf("transport[%d]: duplicate transport name '%s'", i, t.Name))
		}
		names[t.Name] = true
	}
	if cfg.DefaultTransport != "" && !names[cfg.DefaultTransport] {
		result = multierror.Append(result, fmt.Errorf("defaultTransport '%s' is not a configured transport", cfg.DefaultTransport))
	}

	if cfg.Batching != nil && cfg.Batching.Enabled {
		if cfg.Batching.MaxSize <= 0 {
			result = multierror.Append(result, errors.New("batching.maxSize must be positive when batching is enabled"))
		}
		if cfg.Batching.MaxWait < 0 {
			result = multierror.Append(result, errors.New("batching.maxWait must be non-negative"))
		}
	}

	return result.ErrorOrNil()
}
