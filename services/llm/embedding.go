// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var embedTracer = otel.Tracer("dealerlens.llm.embedding")

// maxEmbedChars truncates oversized inputs before embedding. Queries and
// cache keys are short; this only guards against pathological pastes.
const maxEmbedChars = 8000

// Embedder computes vector embeddings for text. The semantic cache and
// the retrieval path must use the SAME embedder instance so stored and
// probe vectors live in the same space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder builds an embedder from OPENAI_API_KEY and the
// optional OPENAI_EMBEDDING_MODEL (default text-embedding-3-small).
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if model == "" {
		model = string(openai.SmallEmbedding3)
		slog.Warn("OPENAI_EMBEDDING_MODEL not set, defaulting to text-embedding-3-small")
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
	}, nil
}

// Embed implements the Embedder interface.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := embedTracer.Start(ctx, "OpenAIEmbedder.Embed")
	defer span.End()

	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}
	span.SetAttributes(
		attribute.String("embedding.model", string(e.model)),
		attribute.Int("embedding.input_chars", len(text)),
	)

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding API returned no data")
	}
	return resp.Data[0].Embedding, nil
}
