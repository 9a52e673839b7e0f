package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"restbatch/internal/transport"
)

// ODataParser is the default result parser. It fails non-2xx parts, yields
// nil for empty bodies and unwraps "d", "d.results" and "value" envelopes.
type ODataParser struct{}

// Parse implements ResultParser
func (ODataParser) Parse(_ context.Context, resp *transport.Response) (any, error) {
	if !resp.OK() {
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			StatusText: resp.StatusText,
			Body:       resp.Text(),
		}
	}

	body := bytes.TrimSpace(resp.Body)
	if resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("response body is not valid JSON")
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		// arrays and scalars are returned as they are
		return json.RawMessage(body), nil
	}

	if d, ok := envelope["d"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(d, &inner); err == nil {
			if results, ok := inner["results"]; ok {
				return results, nil
			}
		}
		return d, nil
	}
	if value, ok := envelope["value"]; ok {
		return value, nil
	}
	return json.RawMessage(body), nil
}

// JSONParser returns a parser that decodes a successful part into a new T
// after unwrapping the same envelopes as ODataParser
func JSONParser[T any]() ResultParser {
	return ParserFunc(func(ctx context.Context, resp *transport.Response) (any, error) {
		raw, err := ODataParser{}.Parse(ctx, resp)
		if err != nil || raw == nil {
			return nil, err
		}

		var out T
		if err := json.Unmarshal(raw.(json.RawMessage), &out); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		return out, nil
	})
}
