// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
	"github.com/Izuld1/deepresearech/services/researcher/evidence"
)

var ragflowTracer = otel.Tracer("deepresearch.retrieval.ragflow")

// Retrieval tuning constants.
const (
	// maxSearchRetries is the maximum number of retry attempts per query.
	// Retries use exponential backoff (1s, 2s, 4s).
	maxSearchRetries = 3

	// initialSearchRetryDelay is the delay before the first retry attempt.
	initialSearchRetryDelay = 1 * time.Second

	// ragflowTopK is the candidate window the engine reranks before
	// returning size results.
	ragflowTopK = 1024

	// ragflowSimilarityThreshold drops hits the engine itself considers
	// irrelevant before they reach normalization.
	ragflowSimilarityThreshold = 0.2

	// ragflowVectorWeight balances vector vs keyword similarity in the
	// engine's fused score.
	ragflowVectorWeight = 0.3
)

// RAGFlowConfig configures a RAGFlowRetriever.
type RAGFlowConfig struct {
	// BaseURL is the engine root, e.g. "http://ragflow:9380".
	BaseURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// KBIDs are the knowledge bases every search is scoped to.
	KBIDs []string

	// MinSimilarity filters normalized hits below this score.
	MinSimilarity float64

	// RequestsPerSecond throttles calls to the engine. Zero disables
	// throttling.
	RequestsPerSecond float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// RAGFlowRetriever implements Capability against a RAGFlow retrieval engine.
//
// # Description
//
// Each query hint becomes one POST to the engine's chunk retrieval endpoint,
// scoped to the configured knowledge bases. Raw chunks from all hints are
// pooled and normalized into a single result. Transient engine failures
// (502/503/504) are retried with exponential backoff.
//
// # Thread Safety
//
// Safe for concurrent use; the limiter and HTTP client handle their own
// synchronization.
type RAGFlowRetriever struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     RAGFlowConfig
}

// NewRAGFlowRetriever builds a retriever from explicit configuration.
func NewRAGFlowRetriever(config RAGFlowConfig) (*RAGFlowRetriever, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("RAGFlow base URL is required")
	}
	if len(config.KBIDs) == 0 {
		return nil, fmt.Errorf("at least one knowledge base id is required")
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	slog.Info("Initializing RAGFlow retriever",
		"base_url", config.BaseURL,
		"kb_count", len(config.KBIDs),
		"min_similarity", config.MinSimilarity)

	return &RAGFlowRetriever{
		httpClient: httpClient,
		limiter:    limiter,
		config:     config,
	}, nil
}

// NewRAGFlowRetrieverFromEnv builds a retriever from environment variables:
// RAGFLOW_BASE_URL, RAGFLOW_API_KEY, RAGFLOW_KB_IDS (comma-separated), and
// optional RAGFLOW_MIN_SIMILARITY.
func NewRAGFlowRetrieverFromEnv() (*RAGFlowRetriever, error) {
	baseURL := os.Getenv("RAGFLOW_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("RAGFLOW_BASE_URL environment variable not set")
	}

	apiKey := os.Getenv("RAGFLOW_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/ragflow_api_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(keyBytes))
			slog.Info("Read the RAGFlow API Key from Podman Secrets")
		} else {
			slog.Warn("RAGFLOW_API_KEY not set and secret not found, requests will be unauthenticated",
				"path", secretPath)
		}
	}

	var kbIDs []string
	for _, id := range strings.Split(os.Getenv("RAGFLOW_KB_IDS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			kbIDs = append(kbIDs, id)
		}
	}

	minSimilarity := 0.0
	if raw := os.Getenv("RAGFLOW_MIN_SIMILARITY"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%f", &minSimilarity); err != nil {
			slog.Warn("Invalid RAGFLOW_MIN_SIMILARITY, using 0.0", "value", raw)
			minSimilarity = 0.0
		}
	}

	return NewRAGFlowRetriever(RAGFlowConfig{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		KBIDs:         kbIDs,
		MinSimilarity: minSimilarity,
	})
}

type ragflowRetrievalRequest struct {
	KBID                []string `json:"kb_id"`
	Question            string   `json:"question"`
	Page                int      `json:"page"`
	Size                int      `json:"size"`
	TopK                int      `json:"top_k"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	VectorWeight        float64  `json:"vector_similarity_weight"`
	UseKG               bool     `json:"use_kg"`
}

type ragflowChunk struct {
	ChunkID           string  `json:"chunk_id"`
	DocID             string  `json:"doc_id"`
	DocNameKeyword    string  `json:"docnm_kwd"`
	ContentWithWeight string  `json:"content_with_weight"`
	Similarity        float64 `json:"similarity"`
	VectorSimilarity  float64 `json:"vector_similarity"`
}

type ragflowRetrievalResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Chunks []ragflowChunk `json:"chunks"`
		Total  int            `json:"total"`
	} `json:"data"`
}

// WithKBIDs implements KBScoper: the returned retriever searches only the
// given knowledge bases, sharing the limiter and HTTP client with the
// receiver.
func (r *RAGFlowRetriever) WithKBIDs(kbIDs []string) Capability {
	if len(kbIDs) == 0 {
		return r
	}
	scoped := *r
	scoped.config.KBIDs = append([]string(nil), kbIDs...)
	return &scoped
}

// Search implements the Capability interface.
//
// # Description
//
// Runs every hint against the engine sequentially (hint order is preserved
// so normalization stays deterministic), pools the raw chunks, and
// normalizes them into one result. A hint whose retries are exhausted fails
// the whole search; the loop decides what an unretrievable round means.
func (r *RAGFlowRetriever) Search(ctx context.Context, queryHints []string, size int) (*datatypes.RetrievalResult, error) {
	ctx, span := ragflowTracer.Start(ctx, "RAGFlowRetriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("retrieval.query_count", len(queryHints)),
		attribute.Int("retrieval.size", size),
	)

	if len(queryHints) == 0 {
		err := fmt.Errorf("no queries to run")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty query set")
		return nil, err
	}
	if size <= 0 {
		size = 10
	}

	var hits []datatypes.RawChunk
	for _, query := range queryHints {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}

		chunks, err := r.retrieveWithRetry(ctx, query, size)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query failed")
			return nil, fmt.Errorf("query %q failed: %w", query, err)
		}

		for _, c := range chunks {
			hits = append(hits, datatypes.RawChunk{
				ChunkID:          c.ChunkID,
				DocID:            c.DocID,
				DocName:          c.DocNameKeyword,
				Text:             c.ContentWithWeight,
				Similarity:       c.Similarity,
				VectorSimilarity: c.VectorSimilarity,
			})
		}
	}

	result := evidence.Normalize(hits, evidence.NormalizeOptions{
		MaxContexts:   size,
		MinSimilarity: r.config.MinSimilarity,
	})

	span.SetAttributes(
		attribute.Int("retrieval.raw_hits", len(hits)),
		attribute.Int("retrieval.total_chunks", result.Meta.TotalChunks),
	)
	slog.Debug("RAGFlow search complete",
		"queries", len(queryHints),
		"raw_hits", len(hits),
		"total_chunks", result.Meta.TotalChunks)
	return result, nil
}

// retrieveWithRetry runs one query with exponential backoff on transient
// engine failures.
func (r *RAGFlowRetriever) retrieveWithRetry(ctx context.Context, query string, size int) ([]ragflowChunk, error) {
	ctx, span := ragflowTracer.Start(ctx, "RAGFlowRetriever.retrieveWithRetry")
	defer span.End()

	var lastErr error
	retryDelay := initialSearchRetryDelay

	for attempt := 0; attempt <= maxSearchRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", retryDelay.String()),
			))
			slog.Info("Retrying RAGFlow query",
				"attempt", attempt,
				"delay", retryDelay,
				"lastError", lastErr)

			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		chunks, err := r.callRetrievalEndpoint(ctx, query, size)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return chunks, nil
		}

		lastErr = err
		if !IsRetryableSearchError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable error")
			return nil, err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return nil, fmt.Errorf("retrieval failed after %d attempts: %w", maxSearchRetries+1, lastErr)
}

// callRetrievalEndpoint makes a single HTTP request to the chunk retrieval
// endpoint.
func (r *RAGFlowRetriever) callRetrievalEndpoint(ctx context.Context, query string, size int) ([]ragflowChunk, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := ragflowRetrievalRequest{
		KBID:                r.config.KBIDs,
		Question:            query,
		Page:                1,
		Size:                size,
		TopK:                ragflowTopK,
		SimilarityThreshold: ragflowSimilarityThreshold,
		VectorWeight:        ragflowVectorWeight,
		UseKG:               false,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retrieval request: %w", err)
	}

	retrievalURL := r.config.BaseURL + "/v1/chunk/retrieval_test"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, retrievalURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &SearchError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	var retrievalResp ragflowRetrievalResponse
	if err := json.Unmarshal(body, &retrievalResp); err != nil {
		return nil, fmt.Errorf("failed to parse retrieval response: %w", err)
	}
	if retrievalResp.Code != 0 {
		return nil, &SearchError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("engine error code %d: %s", retrievalResp.Code, retrievalResp.Message),
			Retryable:  false,
		}
	}

	return retrievalResp.Data.Chunks, nil
}

// isRetryableStatusCode reports whether an HTTP status indicates a transient
// failure (502, 503, 504).
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
