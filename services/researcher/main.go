// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/handlers"
	"github.com/Izuld1/deepresearech/services/researcher/observability"
	"github.com/Izuld1/deepresearech/services/researcher/research"
	"github.com/Izuld1/deepresearech/services/researcher/retrieval"
	"github.com/Izuld1/deepresearech/services/researcher/routes"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "deepresearch-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("researcher-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newRetriever selects the retrieval backend from RETRIEVAL_BACKEND:
// "ragflow" (default) or "weaviate".
func newRetriever() (retrieval.Capability, error) {
	switch backend := os.Getenv("RETRIEVAL_BACKEND"); backend {
	case "", "ragflow":
		slog.Info("Using RAGFlow retrieval backend")
		return retrieval.NewRAGFlowRetrieverFromEnv()
	case "weaviate":
		slog.Info("Using Weaviate retrieval backend")
		weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
		parsedURL, err := url.Parse(weaviateURL)
		if err != nil {
			return nil, fmt.Errorf("invalid WEAVIATE_SERVICE_URL %q: %w", weaviateURL, err)
		}
		if parsedURL.Scheme == "" || parsedURL.Host == "" {
			return nil, fmt.Errorf("WEAVIATE_SERVICE_URL must include scheme and host, got %q", weaviateURL)
		}
		client, err := weaviate.NewClient(weaviate.Config{
			Host:   parsedURL.Host,
			Scheme: parsedURL.Scheme,
		})
		if err != nil {
			return nil, err
		}
		embedder, err := retrieval.NewHTTPEmbedder()
		if err != nil {
			return nil, err
		}
		return retrieval.NewWeaviateRetriever(client, embedder, retrieval.WeaviateRetrieverConfig{
			DataSpace: os.Getenv("RESEARCH_DATA_SPACE"),
		}), nil
	default:
		slog.Warn("Unknown RETRIEVAL_BACKEND, defaulting to ragflow", "backend", backend)
		return retrieval.NewRAGFlowRetrieverFromEnv()
	}
}

// newLLMClient selects the generation backend from LLM_BACKEND_TYPE:
// "openai" (default) or "ollama".
func newLLMClient() (llm.LLMClient, error) {
	switch backend := os.Getenv("LLM_BACKEND_TYPE"); backend {
	case "", "openai":
		slog.Info("Using OpenAI-compatible LLM backend")
		return llm.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	default:
		slog.Warn("Unknown LLM_BACKEND_TYPE, defaulting to openai", "backend", backend)
		return llm.NewOpenAIClient()
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on process environment")
	}

	port := os.Getenv("RESEARCHER_PORT")
	if port == "" {
		port = "12230"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	retriever, err := newRetriever()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the retrieval backend: %v", err)
	}

	llmClient, err := newLLMClient()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the LLM client: %v", err)
	}
	gateway := llm.NewGateway(llmClient)

	cfg := research.ConfigFromEnv()
	deps := handlers.Deps{
		Retriever: retriever,
		Judge:     research.NewAdjudicator(gateway),
		Expander:  research.NewIntentExpander(gateway),
		Config:    cfg,
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("researcher-service"))
	routes.SetupRoutes(router, deps)

	log.Println("Starting the researcher server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
