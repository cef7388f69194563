// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory implements the shared sliding-window session store.
//
// Sessions live in a Redis-family store as a compact serialized message
// list under chat:session:{sid}:history, written atomically with SETEX
// semantics. Concurrent appends from the same session race and resolve
// last-writer-wins; sessions are single-user so this is acceptable.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("dealerlens.orchestrator.memory")

// ErrUnavailable is wrapped into every error caused by an unreachable
// session store. The pipeline degrades to history-less mode when it sees
// this; it never fails the request.
var ErrUnavailable = errors.New("session memory unavailable")

// IsUnavailable reports whether err indicates a store outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

const (
	// DefaultWindow is the session sliding-window size: four messages,
	// i.e. two full rounds.
	DefaultWindow = 4

	// DefaultTTL is the session (and cache) lifetime since last append.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "chat:session:"
	keySuffix = ":history"
)

// redisAPI is the slice of go-redis used by the store. Narrowed for
// injectability in tests; *redis.Client satisfies it.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MemoryUsage(ctx context.Context, key string, samples ...int) *redis.IntCmd
}

// storedMessage is the compact wire form: {r, c, t}. Stable across
// writers; binary-safe because content rides as a JSON string.
type storedMessage struct {
	R string `json:"r"`
	C string `json:"c"`
	T int64  `json:"t"`
}

// Stats summarizes live session usage.
type Stats struct {
	Sessions    int   `json:"sessions"`
	ApproxBytes int64 `json:"approx_bytes"`
}

// Store is the shared session memory.
//
// # Thread Safety
//
// Safe for concurrent use. All state lives in Redis; the struct itself
// is read-only after construction.
type Store struct {
	rdb    redisAPI
	window int
	ttl    time.Duration
	clock  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithWindow overrides the sliding-window size.
func WithWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithTTL overrides the session TTL.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// withClock injects a deterministic clock for tests.
func withClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = now }
}

// NewStore creates a session store over the given Redis client.
func NewStore(rdb redisAPI, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		window: DefaultWindow,
		ttl:    DefaultTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the Redis key for a session id.
func Key(sid string) string {
	return keyPrefix + sid + keySuffix
}

// Append adds one message to the session, enforcing the window cap and
// refreshing the TTL. Overflow drops the oldest message.
//
// The read-modify-write is not atomic across writers; the last writer
// wins, which matches the single-user session contract.
func (s *Store) Append(ctx context.Context, sid, role, content string) error {
	ctx, span := tracer.Start(ctx, "SessionStore.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sid),
		attribute.String("message.role", role),
	)

	msgs, err := s.load(ctx, sid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return err
	}

	msgs = append(msgs, storedMessage{
		R: compactRole(role),
		C: content,
		T: s.clock().Unix(),
	})
	if len(msgs) > s.window {
		msgs = msgs[len(msgs)-s.window:]
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", sid, err)
	}
	if err := s.rdb.Set(ctx, Key(sid), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "set failed")
		return fmt.Errorf("%w: SET %s: %v", ErrUnavailable, Key(sid), err)
	}
	span.SetAttributes(attribute.Int("session.length", len(msgs)))
	return nil
}

// History returns the session messages oldest-first. A missing key is an
// empty (not yet created) session, not an error.
func (s *Store) History(ctx context.Context, sid string) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "SessionStore.History")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sid))

	msgs, err := s.load(ctx, sid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	out := make([]datatypes.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, datatypes.Message{
			Role:      expandRole(m.R),
			Content:   m.C,
			Timestamp: time.Unix(m.T, 0),
		})
	}
	span.SetAttributes(attribute.Int("session.length", len(out)))
	return out, nil
}

// Clear deletes the session.
func (s *Store) Clear(ctx context.Context, sid string) error {
	ctx, span := tracer.Start(ctx, "SessionStore.Clear")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sid))

	if err := s.rdb.Del(ctx, Key(sid)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: DEL %s: %v", ErrUnavailable, Key(sid), err)
	}
	return nil
}

// Stats counts live sessions and sums their approximate memory usage by
// scanning the session keyspace. Intended for the admin surface, not the
// hot path.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx, span := tracer.Start(ctx, "SessionStore.Stats")
	defer span.End()

	var stats Stats
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*"+keySuffix, 100).Result()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return Stats{}, fmt.Errorf("%w: SCAN: %v", ErrUnavailable, err)
		}
		stats.Sessions += len(keys)
		for _, key := range keys {
			size, err := s.rdb.MemoryUsage(ctx, key).Result()
			if err != nil {
				// Approximate is fine; skip keys that expired mid-scan.
				slog.Debug("MEMORY USAGE failed for session key", "key", key, "error", err)
				continue
			}
			stats.ApproxBytes += size
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	span.SetAttributes(
		attribute.Int("sessions.live", stats.Sessions),
		attribute.Int64("sessions.approx_bytes", stats.ApproxBytes),
	)
	return stats, nil
}

// load fetches and deserializes a session list. Missing key => empty.
func (s *Store) load(ctx context.Context, sid string) ([]storedMessage, error) {
	data, err := s.rdb.Get(ctx, Key(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, Key(sid), err)
	}
	var msgs []storedMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		// A corrupt session is unrecoverable; start fresh rather than
		// poisoning every later turn.
		slog.Warn("Discarding corrupt session payload", "session_id", sid, "error", err)
		return nil, nil
	}
	return msgs, nil
}

func compactRole(role string) string {
	if role == datatypes.RoleAssistant {
		return "a"
	}
	return "u"
}

func expandRole(r string) string {
	if r == "a" {
		return datatypes.RoleAssistant
	}
	return datatypes.RoleUser
}
