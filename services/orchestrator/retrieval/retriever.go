// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements the vector retrieval path: embed, search
// the company+source corpus index, rerank, and assemble a bounded
// context window with citations.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("dealerlens.orchestrator.retrieval")

// blockSeparator joins block texts in the assembled context window. The
// generator prompt references it, so it must stay stable.
const blockSeparator = "\n\n---\n\n"

// Config tunes the retrieval path.
type Config struct {
	// TopKRetrieve is the vector-search candidate count. Default 20.
	TopKRetrieve int

	// TopKRerank is the post-rerank block count. Default 10.
	TopKRerank int

	// MaxContextChars bounds the assembled context window. Default 8000.
	MaxContextChars int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{TopKRetrieve: 20, TopKRerank: 10, MaxContextChars: 8000}
}

// Retriever runs vector search over the pre-indexed corpus.
//
// # Description
//
// The corpus index is read-only from the orchestrator's side; ingestion
// owns writes. A retrieval embeds the (reformulated) query with the same
// embedder the cache uses, runs a filtered nearVector search scoped to
// the company and source, reranks the candidates with a lexical-overlap
// blend, and concatenates the survivors into one bounded context string.
//
// # Limitations
//
// An empty index or a filter that matches nothing is not an error: the
// result carries Empty=true and the generator must say the corpus had no
// matches instead of inventing an answer.
type Retriever struct {
	client   *weaviate.Client
	embedder llm.Embedder
	config   Config
	splitter textsplitter.RecursiveCharacter
}

// NewRetriever creates a retriever. The embedder must be the instance
// shared with the semantic cache and the ingestion pipeline.
func NewRetriever(client *weaviate.Client, embedder llm.Embedder, config Config) *Retriever {
	def := DefaultConfig()
	if config.TopKRetrieve <= 0 {
		config.TopKRetrieve = def.TopKRetrieve
	}
	if config.TopKRerank <= 0 {
		config.TopKRerank = def.TopKRerank
	}
	if config.MaxContextChars <= 0 {
		config.MaxContextChars = def.MaxContextChars
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(config.MaxContextChars),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{blockSeparator, "\n\n", "\n", " "}),
	)
	return &Retriever{client: client, embedder: embedder, config: config, splitter: splitter}
}

// blockQueryResponse is the typed GraphQL shape for corpus search.
type blockQueryResponse struct {
	Get struct {
		CorpusBlock []struct {
			BlockID    string `json:"block_id"`
			Text       string `json:"text"`
			Source     string `json:"source"`
			Additional struct {
				Certainty *float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"CorpusBlock"`
	} `json:"Get"`
}

// Retrieve runs the full path for a reformulated query.
//
// # Inputs
//
//   - query: the standalone retrieval query.
//   - companyID, source: index scoping; both are required.
//   - metadata: optional equality filters (date, variant) ANDed onto the
//     scope filter.
//
// # Outputs
//
//   - RetrievalContext with the bounded context text and one citation per
//     surviving block. Empty=true when nothing matched.
//   - error: backend failures only; empty results are not errors.
func (r *Retriever) Retrieve(ctx context.Context, query, companyID, source string, metadata map[string]string) (datatypes.RetrievalContext, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.source", source),
		attribute.Int("retrieval.top_k", r.config.TopKRetrieve),
	)

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return datatypes.RetrievalContext{}, fmt.Errorf("retrieval embed: %w", err)
	}

	where := scopeFilter(companyID, source, metadata)
	fields := []graphql.Field{
		{Name: "block_id"},
		{Name: "text"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(datatypes.ClassCorpusBlock).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(r.config.TopKRetrieve).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return datatypes.RetrievalContext{}, fmt.Errorf("vector search: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[blockQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		return datatypes.RetrievalContext{}, fmt.Errorf("parse search response: %w", err)
	}

	candidates := make([]datatypes.RetrievedBlock, 0, len(parsed.Get.CorpusBlock))
	for _, b := range parsed.Get.CorpusBlock {
		score := 0.0
		if b.Additional.Certainty != nil {
			score = *b.Additional.Certainty
		}
		candidates = append(candidates, datatypes.RetrievedBlock{
			BlockID: b.BlockID,
			Text:    b.Text,
			Score:   score,
			Metadata: map[string]string{
				"source": b.Source,
			},
		})
	}
	span.SetAttributes(attribute.Int("retrieval.candidates", len(candidates)))

	if len(candidates) == 0 {
		return datatypes.RetrievalContext{Empty: true}, nil
	}

	top := Rerank(query, candidates, r.config.TopKRerank)
	return r.assemble(top), nil
}

// scopeFilter builds the company+source where clause plus optional
// metadata equality terms.
func scopeFilter(companyID, source string, metadata map[string]string) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{
		filters.Where().WithPath([]string{"company_id"}).WithOperator(filters.Equal).WithValueString(companyID),
		filters.Where().WithPath([]string{"source"}).WithOperator(filters.Equal).WithValueString(source),
	}
	for field, value := range metadata {
		operands = append(operands,
			filters.Where().WithPath([]string{field}).WithOperator(filters.Equal).WithValueString(value))
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// assemble joins block texts into the bounded context window and builds
// one citation per block that survived the bound.
func (r *Retriever) assemble(blocks []datatypes.RetrievedBlock) datatypes.RetrievalContext {
	var parts []string
	var citations []datatypes.Citation
	used := 0
	for _, b := range blocks {
		need := len(b.Text)
		if len(parts) > 0 {
			need += len(blockSeparator)
		}
		if used+need > r.config.MaxContextChars {
			break
		}
		used += need
		parts = append(parts, b.Text)
		citations = append(citations, datatypes.Citation{
			BlockID: b.BlockID,
			Source:  b.Metadata["source"],
			Score:   b.Score,
		})
	}

	contextText := strings.Join(parts, blockSeparator)
	if len(parts) == 0 && len(blocks) > 0 {
		// A single oversized block: split it down to the bound instead of
		// dropping the only evidence we have.
		chunks, err := r.splitter.SplitText(blocks[0].Text)
		if err == nil && len(chunks) > 0 {
			contextText = chunks[0]
			citations = []datatypes.Citation{{
				BlockID: blocks[0].BlockID,
				Source:  blocks[0].Metadata["source"],
				Score:   blocks[0].Score,
			}}
		}
	}

	return datatypes.RetrievalContext{
		ContextText: contextText,
		Citations:   citations,
		Empty:       contextText == "",
	}
}
