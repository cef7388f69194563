// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
)

// fakeRedis implements redisAPI over an in-memory map so the sliding
// window and TTL behavior can be asserted without a server.
type fakeRedis struct {
	data    map[string][]byte
	ttls    map[string]time.Duration
	sizes   map[string]int64
	getErr  error
	setErr  error
	delErr  error
	scanErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		data:  make(map[string][]byte),
		ttls:  make(map[string]time.Duration),
		sizes: make(map[string]int64),
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	data, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(data), nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = []byte(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if f.delErr != nil {
		return redis.NewIntResult(0, f.delErr)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	cmd := redis.NewScanCmd(ctx, nil)
	if f.scanErr != nil {
		cmd.SetErr(f.scanErr)
		return cmd
	}
	keys := make([]string, 0, len(f.data))
	for key := range f.data {
		keys = append(keys, key)
	}
	cmd.SetVal(keys, 0)
	return cmd
}

func (f *fakeRedis) MemoryUsage(ctx context.Context, key string, samples ...int) *redis.IntCmd {
	if size, ok := f.sizes[key]; ok {
		return redis.NewIntResult(size, nil)
	}
	return redis.NewIntResult(int64(len(f.data[key])), nil)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "chat:session:sess-1:history", Key("sess-1"))
}

func TestAppendAndHistoryRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	store := NewStore(rdb)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "sess-1", datatypes.RoleUser, "any complaints about the H6?"))
	require.NoError(t, store.Append(ctx, "sess-1", datatypes.RoleAssistant, "Transmission jerking is the most common."))

	history, err := store.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, datatypes.RoleUser, history[0].Role)
	assert.Equal(t, "any complaints about the H6?", history[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, history[1].Role)
}

func TestAppendEnforcesWindow(t *testing.T) {
	rdb := newFakeRedis()
	store := NewStore(rdb, WithWindow(4))

	ctx := context.Background()
	for i, content := range []string{"q1", "a1", "q2", "a2", "q3", "a3"} {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		require.NoError(t, store.Append(ctx, "sess-1", role, content))
	}

	history, err := store.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	// Oldest round (q1/a1) dropped.
	assert.Equal(t, "q2", history[0].Content)
	assert.Equal(t, "a3", history[3].Content)
}

func TestAppendRefreshesTTL(t *testing.T) {
	rdb := newFakeRedis()
	store := NewStore(rdb, WithTTL(6*time.Hour))

	require.NoError(t, store.Append(context.Background(), "sess-1", datatypes.RoleUser, "hello"))
	assert.Equal(t, 6*time.Hour, rdb.ttls[Key("sess-1")])
}

func TestHistoryMissingSessionIsEmpty(t *testing.T) {
	store := NewStore(newFakeRedis())

	history, err := store.History(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistoryCorruptPayloadStartsFresh(t *testing.T) {
	rdb := newFakeRedis()
	rdb.data[Key("sess-1")] = []byte("{not json")
	store := NewStore(rdb)

	history, err := store.History(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOutageWrapsErrUnavailable(t *testing.T) {
	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection refused")
	store := NewStore(rdb)

	_, err := store.History(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	err = store.Append(context.Background(), "sess-1", datatypes.RoleUser, "q")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestClear(t *testing.T) {
	rdb := newFakeRedis()
	store := NewStore(rdb)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "sess-1", datatypes.RoleUser, "q"))
	require.NoError(t, store.Clear(ctx, "sess-1"))

	history, err := store.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStats(t *testing.T) {
	rdb := newFakeRedis()
	store := NewStore(rdb)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "sess-1", datatypes.RoleUser, "q"))
	require.NoError(t, store.Append(ctx, "sess-2", datatypes.RoleUser, "q"))
	rdb.sizes[Key("sess-1")] = 100
	rdb.sizes[Key("sess-2")] = 150

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, int64(250), stats.ApproxBytes)
}

func TestStatsOutage(t *testing.T) {
	rdb := newFakeRedis()
	rdb.scanErr = errors.New("connection refused")
	store := NewStore(rdb)

	_, err := store.Stats(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}
