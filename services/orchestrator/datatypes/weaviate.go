// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Weaviate class names used by the orchestrator.
const (
	// ClassResponseCache holds semantic-cache entries, vectorized by the
	// query embedding.
	ClassResponseCache = "ResponseCache"

	// ClassCorpusBlock holds pre-indexed corpus blocks. Ingestion owns
	// writes; the orchestrator only reads.
	ClassCorpusBlock = "CorpusBlock"
)

// ParseGraphQLResponse unmarshals a Weaviate GraphQL response into a
// typed struct, surfacing GraphQL-level errors as Go errors.
//
// # Example
//
//	parsed, err := datatypes.ParseGraphQLResponse[blockQueryResponse](result)
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("GraphQL errors: %v", msgs)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("re-marshal GraphQL data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL data: %w", err)
	}
	return &out, nil
}

// ResponseCacheClass returns the schema definition for the semantic
// cache class. Vectors are supplied by the orchestrator ("none"
// vectorizer); created_at is unix milliseconds.
func ResponseCacheClass() *models.Class {
	return &models.Class{
		Class:      ClassResponseCache,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "session_id", DataType: []string{"text"}},
			{Name: "canonical_query", DataType: []string{"text"}},
			{Name: "response", DataType: []string{"text"}},
			{Name: "created_at", DataType: []string{"int"}},
		},
	}
}

// CorpusBlockClass returns the schema definition for corpus blocks.
// Ingestion normally creates this class; defining it here lets a fresh
// deployment come up without a separate migration step.
func CorpusBlockClass() *models.Class {
	return &models.Class{
		Class:      ClassCorpusBlock,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "block_id", DataType: []string{"text"}},
			{Name: "text", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "company_id", DataType: []string{"text"}},
		},
	}
}

// EnsureWeaviateSchema creates any missing orchestrator classes.
// Existing classes are left untouched.
func EnsureWeaviateSchema(client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		ResponseCacheClass,
		CorpusBlockClass,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// The client errors when the class is missing; create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			if err := client.Schema().ClassCreator().WithClass(class).Do(context.Background()); err != nil {
				return fmt.Errorf("create schema for class %s: %w", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
	return nil
}
