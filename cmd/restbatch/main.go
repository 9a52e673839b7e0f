package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/rs/zerolog"

	"restbatch/internal/batch"
	"restbatch/internal/config"
	"restbatch/internal/digest"
	"restbatch/internal/transport"
)

// requestEntry is one entry of the requests file
type requestEntry struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body"`
	Transport string            `json:"transport"`
}

// resultLine is printed to stdout for every request, in input order
type resultLine struct {
	Index  int             `json:"index"`
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  *errorLine      `json:"error,omitempty"`
}

type errorLine struct {
	Code     int    `json:"code"`
	TextCode string `json:"textCode"`
	Message  string `json:"message"`
}

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	requestsPath := flag.String("requests", "-", "path to a JSON array of requests, - for stdin")
	baseURL := flag.String("base", "", "batch base url, defaults to the configured baseUrl")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("baseUrl", cfg.BaseURL).
		Int("transports", len(cfg.Transports)).
		Bool("aggregate", cfg.IsBatchingEnabled()).
		Msg("starting restbatch")

	entries, err := readRequests(*requestsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read requests")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, err := digest.NewCache(cfg.DigestCacheSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create digest cache")
	}
	registry := transport.NewRegistryFromConfig(cfg, tokens, logger)
	defer registry.Close()

	executor := batch.NewExecutor(cfg, registry, logger)
	requests := buildRequests(entries)

	if cfg.IsBatchingEnabled() {
		runAggregated(ctx, cfg, executor, *baseURL, requests, logger)
	} else {
		runBatches(ctx, executor, *baseURL, requests, logger)
	}

	if err := printResults(ctx, os.Stdout, requests); err != nil {
		logger.Error().Err(err).Msg("failed to write results")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func readRequests(path string) ([]requestEntry, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var entries []requestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse requests: %w", err)
	}
	return entries, nil
}

func buildRequests(entries []requestEntry) []*batch.PendingRequest {
	requests := make([]*batch.PendingRequest, 0, len(entries))
	for _, s := range entries {
		req := batch.NewRequest(s.Method, s.URL)
		req.Headers = transport.HeadersFromMap(s.Headers)
		req.Transport = s.Transport
		if len(s.Body) > 0 && string(s.Body) != "null" {
			req.Body = s.Body
		}
		requests = append(requests, req)
	}
	return requests
}

// runBatches sends one batch per transport, preserving input order within each
func runBatches(ctx context.Context, executor *batch.Executor, baseURL string, requests []*batch.PendingRequest, logger zerolog.Logger) {
	batches := make(map[string]*batch.Batch)
	order := make([]string, 0)

	for _, req := range requests {
		b, ok := batches[req.Transport]
		if !ok {
			b = batch.New(baseURL)
			batches[req.Transport] = b
			order = append(order, req.Transport)
		}
		if err := b.Add(req); err != nil {
			logger.Error().Err(err).Str("url", req.URL).Msg("failed to queue request")
		}
	}

	for _, name := range order {
		if err := executor.Execute(ctx, batches[name]); err != nil {
			logger.Error().Err(err).Str("transport", name).Msg("batch failed")
		}
	}
}

// runAggregated feeds requests through the aggregator and flushes on exit
func runAggregated(ctx context.Context, cfg *config.Config, executor *batch.Executor, baseURL string, requests []*batch.PendingRequest, logger zerolog.Logger) {
	aggregator := batch.NewAggregator(cfg.Batching, executor, logger)
	for _, req := range requests {
		if err := aggregator.Add(ctx, baseURL, req); err != nil {
			logger.Error().Err(err).Str("url", req.URL).Msg("failed to queue request")
		}
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	aggregator.Close(closeCtx)
}

func printResults(ctx context.Context, w io.Writer, requests []*batch.PendingRequest) error {
	enc := json.NewEncoder(w)
	for i, req := range requests {
		line := resultLine{Index: i, Method: req.Method, URL: req.URL}

		value, err := req.Wait(ctx)
		switch {
		case err != nil:
			line.Error = toErrorLine(err)
		case value != nil:
			raw, mErr := json.Marshal(value)
			if mErr != nil {
				line.Error = toErrorLine(mErr)
				break
			}
			line.Value = raw
		}

		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

type serviceError interface {
	ToServiceError() *goerrors.Error
}

func toErrorLine(err error) *errorLine {
	var se serviceError
	if !errors.As(err, &se) {
		return &errorLine{Code: http.StatusInternalServerError, TextCode: "INTERNAL", Message: err.Error()}
	}
	rich := se.ToServiceError()
	return &errorLine{Code: rich.Code, TextCode: rich.TextCode, Message: err.Error()}
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// results go to stdout, logs to stderr
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
