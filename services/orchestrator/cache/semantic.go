// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the session-scoped semantic response cache.
//
// Entries are keyed by query embedding: a lookup embeds the incoming
// query and returns the stored response whose embedding is nearest,
// provided cosine similarity clears the threshold AND the entry belongs
// to the same session. Expired entries are evicted lazily on lookup and
// in bulk by the ttl sweeper.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("dealerlens.orchestrator.cache")

// ErrUnavailable marks cache-backend outages. The pipeline treats it as
// a miss and skips the completion-time store.
var ErrUnavailable = errors.New("semantic cache unavailable")

// IsUnavailable reports whether err indicates a cache outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

const (
	// DefaultThreshold is the cosine-similarity bar for a hit.
	DefaultThreshold = 0.96

	minThreshold = 0.90
	maxThreshold = 0.99

	// lookupTimeout bounds the shared lookup execution, which runs
	// detached from any single caller's cancellation.
	lookupTimeout = 10 * time.Second
)

// Config tunes the cache.
type Config struct {
	// Threshold is the minimum cosine similarity for a hit. Clamped to
	// [0.90, 0.99].
	Threshold float64

	// TTL is the entry lifetime; defaults to the session TTL (24h).
	TTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, TTL: 24 * time.Hour}
}

// Hit is a successful cache lookup.
type Hit struct {
	SessionID      string
	CanonicalQuery string
	Response       string
	Similarity     float64
}

// SemanticCache is the Weaviate-backed response cache.
//
// # Thread Safety
//
// Safe for concurrent use. Duplicate concurrent lookups for the same
// (session, query) pair are collapsed via singleflight so only one
// embedding call is spent.
type SemanticCache struct {
	client   *weaviate.Client
	embedder llm.Embedder
	config   Config
	group    singleflight.Group
	clock    func() time.Time
}

// NewSemanticCache creates a cache over the given Weaviate client and
// embedder. The embedder must be the same instance used at store time;
// mixing embedding spaces silently breaks similarity.
func NewSemanticCache(client *weaviate.Client, embedder llm.Embedder, config Config) *SemanticCache {
	config.Threshold = ClampThreshold(config.Threshold)
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &SemanticCache{
		client:   client,
		embedder: embedder,
		config:   config,
		clock:    time.Now,
	}
}

// ClampThreshold bounds a configured threshold to the supported range,
// falling back to the default for zero values.
func ClampThreshold(t float64) float64 {
	if t == 0 {
		return DefaultThreshold
	}
	if t < minThreshold {
		return minThreshold
	}
	if t > maxThreshold {
		return maxThreshold
	}
	return t
}

// SimilarityFromCertainty converts Weaviate's certainty (always [0,1])
// back to cosine similarity: certainty = (1 + cosine) / 2.
func SimilarityFromCertainty(certainty float64) float64 {
	return 2*certainty - 1
}

// Expired reports whether an entry created at createdAtMillis has
// outlived the TTL as of now.
func Expired(createdAtMillis int64, ttl time.Duration, now time.Time) bool {
	created := time.UnixMilli(createdAtMillis)
	return now.Sub(created) > ttl
}

// cacheQueryResponse is the typed GraphQL shape for lookups.
type cacheQueryResponse struct {
	Get struct {
		ResponseCache []struct {
			SessionID      string `json:"session_id"`
			CanonicalQuery string `json:"canonical_query"`
			Response       string `json:"response"`
			CreatedAt      int64  `json:"created_at"`
			Additional     struct {
				Certainty *float64 `json:"certainty"`
				ID        string   `json:"id"`
			} `json:"_additional"`
		} `json:"ResponseCache"`
	} `json:"Get"`
}

// Lookup embeds the query and returns the nearest same-session entry if
// it clears the similarity threshold. A nil Hit with nil error is a
// miss. Expired entries are deleted best-effort and reported as misses.
func (c *SemanticCache) Lookup(ctx context.Context, sid, query string) (*Hit, error) {
	ctx, span := tracer.Start(ctx, "SemanticCache.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sid))

	v, err, shared := c.group.Do(sid+"\x00"+query, func() (interface{}, error) {
		// One execution serves every deduplicated follower, so it must
		// not die with the initiating request. Detach from the caller's
		// cancellation (trace context is preserved) and bound the work
		// with its own timeout.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return c.lookup(lookupCtx, sid, query)
	})
	if shared {
		span.SetAttributes(attribute.Bool("cache.lookup_shared", true))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, err
	}
	hit, _ := v.(*Hit)
	span.SetAttributes(attribute.Bool("cache.hit", hit != nil))
	return hit, nil
}

func (c *SemanticCache) lookup(ctx context.Context, sid, query string) (*Hit, error) {
	vector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sid)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "canonical_query"},
		{Name: "response"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
			{Name: "id"},
		}},
	}

	result, err := c.client.GraphQL().Get().
		WithClassName(datatypes.ClassResponseCache).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(c.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[cacheQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrUnavailable, err)
	}
	if len(parsed.Get.ResponseCache) == 0 {
		return nil, nil
	}

	entry := parsed.Get.ResponseCache[0]
	// The where filter already scoped to the session; this guard keeps
	// the cross-session invariant even if the filter is misconfigured.
	if entry.SessionID != sid {
		slog.Error("Semantic cache returned cross-session entry, discarding",
			"want", sid, "got", entry.SessionID)
		return nil, nil
	}

	if Expired(entry.CreatedAt, c.config.TTL, c.clock()) {
		// Lazy eviction; the sweeper handles the rest.
		if err := c.deleteByID(ctx, entry.Additional.ID); err != nil {
			slog.Warn("Failed to evict expired cache entry", "id", entry.Additional.ID, "error", err)
		}
		return nil, nil
	}

	if entry.Additional.Certainty == nil {
		return nil, nil
	}
	similarity := SimilarityFromCertainty(*entry.Additional.Certainty)
	if similarity < c.config.Threshold {
		return nil, nil
	}

	return &Hit{
		SessionID:      entry.SessionID,
		CanonicalQuery: entry.CanonicalQuery,
		Response:       entry.Response,
		Similarity:     similarity,
	}, nil
}

// Store embeds the query and inserts a cache entry for the session.
// Called after generation completes; never with partial output.
func (c *SemanticCache) Store(ctx context.Context, sid, query, response string) error {
	ctx, span := tracer.Start(ctx, "SemanticCache.Store")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sid))

	vector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}

	_, err = c.client.Data().Creator().
		WithClassName(datatypes.ClassResponseCache).
		WithProperties(map[string]interface{}{
			"session_id":      sid,
			"canonical_query": query,
			"response":        response,
			"created_at":      c.clock().UnixMilli(),
		}).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return fmt.Errorf("%w: create: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteExpired batch-deletes every entry older than the TTL as of now.
// Used by the ttl sweeper; returns the number of deleted entries.
func (c *SemanticCache) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "SemanticCache.DeleteExpired")
	defer span.End()

	cutoff := now.Add(-c.config.TTL).UnixMilli()
	where := filters.Where().
		WithPath([]string{"created_at"}).
		WithOperator(filters.LessThan).
		WithValueInt(cutoff)

	resp, err := c.client.Batch().ObjectsBatchDeleter().
		WithClassName(datatypes.ClassResponseCache).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch delete failed")
		return 0, fmt.Errorf("%w: batch delete: %v", ErrUnavailable, err)
	}

	deleted := 0
	if resp != nil && resp.Results != nil {
		deleted = int(resp.Results.Successful)
	}
	span.SetAttributes(attribute.Int("cache.deleted", deleted))
	return deleted, nil
}

// deleteByID removes a single entry.
func (c *SemanticCache) deleteByID(ctx context.Context, id string) error {
	return c.client.Data().Deleter().
		WithClassName(datatypes.ClassResponseCache).
		WithID(id).
		Do(ctx)
}
