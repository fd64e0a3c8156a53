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

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
	"github.com/Izuld1/deepresearech/services/researcher/evidence"
)

var weaviateTracer = otel.Tracer("deepresearch.retrieval.weaviate")

// EmbeddingProvider computes vector embeddings for query text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// WeaviateRetriever implements Capability against a Weaviate instance
// holding an EvidenceChunk class.
//
// # Description
//
// Each query hint is embedded and run as a NearVector search. Certainty is
// used as the similarity score (always [0, 1], unlike distance which varies
// by metric), and the object UUID serves as the chunk identifier for
// de-duplication. An optional data-space filter scopes searches to one
// corpus slice.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling.
type WeaviateRetriever struct {
	client        *weaviate.Client
	embedder      EmbeddingProvider
	className     string
	dataSpace     string
	minSimilarity float64
}

// WeaviateRetrieverConfig configures a WeaviateRetriever.
type WeaviateRetrieverConfig struct {
	// ClassName is the Weaviate class to search. Defaults to "EvidenceChunk".
	ClassName string

	// DataSpace, when non-empty, restricts searches to objects whose
	// data_space property matches.
	DataSpace string

	// MinSimilarity filters normalized hits below this certainty.
	MinSimilarity float64
}

// NewWeaviateRetriever creates a retriever over an existing client.
func NewWeaviateRetriever(client *weaviate.Client, embedder EmbeddingProvider, config WeaviateRetrieverConfig) *WeaviateRetriever {
	className := config.ClassName
	if className == "" {
		className = "EvidenceChunk"
	}
	return &WeaviateRetriever{
		client:        client,
		embedder:      embedder,
		className:     className,
		dataSpace:     config.DataSpace,
		minSimilarity: config.MinSimilarity,
	}
}

// Search implements the Capability interface.
func (w *WeaviateRetriever) Search(ctx context.Context, queryHints []string, size int) (*datatypes.RetrievalResult, error) {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateRetriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("retrieval.query_count", len(queryHints)),
		attribute.Int("retrieval.size", size),
		attribute.String("retrieval.class", w.className),
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

		queryHits, err := w.searchOne(ctx, query, size)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query failed")
			return nil, fmt.Errorf("query %q failed: %w", query, err)
		}
		hits = append(hits, queryHits...)
	}

	result := evidence.Normalize(hits, evidence.NormalizeOptions{
		MaxContexts:   size,
		MinSimilarity: w.minSimilarity,
	})

	span.SetAttributes(
		attribute.Int("retrieval.raw_hits", len(hits)),
		attribute.Int("retrieval.total_chunks", result.Meta.TotalChunks),
	)
	return result, nil
}

// searchOne embeds one query and runs a NearVector search.
func (w *WeaviateRetriever) searchOne(ctx context.Context, query string, size int) ([]datatypes.RawChunk, error) {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateRetriever.searchOne")
	defer span.End()

	vector, err := w.embedder.Embed(ctx, query)
	if err != nil {
		slog.Error("Failed to embed query", "error", err)
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "doc_id"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	builder := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(size)

	if w.dataSpace != "" {
		dataSpaceFilter := filters.Where().
			WithPath([]string{"data_space"}).
			WithOperator(filters.Equal).
			WithValueString(w.dataSpace)
		builder = builder.WithWhere(dataSpaceFilter)
	}

	result, err := builder.Do(ctx)
	if err != nil {
		slog.Error("Failed to search evidence chunks", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](result)
	if err != nil {
		slog.Error("Failed to parse search results", "error", err)
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	hits := make([]datatypes.RawChunk, 0, len(parsed.Get.EvidenceChunk))
	for _, chunk := range parsed.Get.EvidenceChunk {
		var similarity float64
		if chunk.Additional.Certainty != nil {
			similarity = float64(*chunk.Additional.Certainty)
		}
		hits = append(hits, datatypes.RawChunk{
			ChunkID:          chunk.Additional.ID,
			DocID:            chunk.DocID,
			DocName:          chunk.Source,
			Text:             chunk.Content,
			Similarity:       similarity,
			VectorSimilarity: similarity,
		})
	}

	slog.Debug("Weaviate query complete", "query_len", len(query), "hits", len(hits))
	return hits, nil
}

// =============================================================================
// HTTPEmbedder
// =============================================================================

// HTTPEmbedder calls an external embedding service over HTTP.
type HTTPEmbedder struct {
	httpClient *http.Client
	serviceURL string
}

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Vector []float32 `json:"vector"`
}

// NewHTTPEmbedder reads EMBEDDING_SERVICE_URL and returns a ready embedder.
func NewHTTPEmbedder() (*HTTPEmbedder, error) {
	serviceURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if serviceURL == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL environment variable not set")
	}
	return &HTTPEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		serviceURL: serviceURL,
	}, nil
}

// Embed computes a vector embedding for the given text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup a new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("the response was not a 200 OK from the embedding service: %s, %d",
			string(bodyBytes), resp.StatusCode)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(bodyBytes, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse the response from the embedding service: %w", err)
	}
	return embResp.Vector, nil
}
