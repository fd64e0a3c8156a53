// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// JSONError indicates the model produced output that could not be decoded
// into the expected JSON shape, even after a retry.
type JSONError struct {
	Raw string
	Err error
}

func (e *JSONError) Error() string {
	return fmt.Sprintf("llm returned malformed JSON: %v", e.Err)
}

func (e *JSONError) Unwrap() error { return e.Err }

// IsJSONError reports whether err is a malformed-JSON failure from the
// gateway.
func IsJSONError(err error) bool {
	var je *JSONError
	return errors.As(err, &je)
}

// Gateway wraps an LLMClient with structured-output handling. Callers that
// need a JSON answer go through AskJSON instead of calling Generate and
// parsing by hand.
type Gateway struct {
	client LLMClient
	params GenerationParams
}

// NewGateway builds a gateway over the given backend. Generation runs at a
// low temperature since every caller expects deterministic JSON.
func NewGateway(client LLMClient) *Gateway {
	temp := float32(0.1)
	maxTokens := 1024
	return &Gateway{
		client: client,
		params: GenerationParams{
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		},
	}
}

// AskJSON sends the prompt and decodes the model's reply into out.
//
// # Description
//
// Models wrap JSON in prose or markdown fences more often than not, so the
// reply is scanned for its outermost '{' .. '}' block before decoding. A
// decode failure triggers exactly one full regeneration; if the second
// attempt is also malformed the caller gets a *JSONError carrying the raw
// reply.
//
// # Inputs
//   - ctx: cancellation and deadline control for the underlying calls.
//   - prompt: full prompt text, instructions included.
//   - out: pointer to the target struct for json.Unmarshal.
//
// # Outputs
//   - error: nil on success, *JSONError on unparseable output, or the
//     backend's error verbatim when generation itself failed.
func (g *Gateway) AskJSON(ctx context.Context, prompt string, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := g.client.Generate(ctx, prompt, g.params)
		if err != nil {
			return err
		}

		if err := decodeJSONBlock(raw, out); err != nil {
			lastErr = &JSONError{Raw: raw, Err: err}
			slog.Warn("Malformed JSON from model, retrying once",
				"attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return lastErr
}

// decodeJSONBlock extracts the outermost JSON object from raw and decodes
// it into out.
func decodeJSONBlock(raw string, out any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), out); err != nil {
		return fmt.Errorf("failed to decode JSON object: %w", err)
	}
	return nil
}
