// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ttl

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	deleted int
	err     error
	calls   atomic.Int32
	lastNow time.Time
}

func (f *fakeDeleter) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	f.calls.Add(1)
	f.lastNow = now
	if f.err != nil {
		return 0, f.err
	}
	return f.deleted, nil
}

type fakeRecorder struct {
	store   string
	deleted int
}

func (f *fakeRecorder) RecordSweep(store string, deleted int) {
	f.store = store
	f.deleted = deleted
}

func TestRunNowDeletesAndRecords(t *testing.T) {
	deleter := &fakeDeleter{deleted: 7}
	recorder := &fakeRecorder{}
	s := NewSweeper(deleter, recorder, DefaultSweeperConfig())

	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }

	deleted, err := s.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, deleted)
	assert.Equal(t, fixed, deleter.lastNow)
	assert.Equal(t, "cache", recorder.store)
	assert.Equal(t, 7, recorder.deleted)
}

func TestRunNowWrapsDeleterError(t *testing.T) {
	deleter := &fakeDeleter{err: errors.New("weaviate down")}
	s := NewSweeper(deleter, nil, DefaultSweeperConfig())

	_, err := s.RunNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache sweep failed")
}

func TestStartRunsInitialSweepAndTicks(t *testing.T) {
	deleter := &fakeDeleter{deleted: 1}
	s := NewSweeper(deleter, nil, SweeperConfig{Interval: 20 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return deleter.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	s := NewSweeper(&fakeDeleter{}, nil, DefaultSweeperConfig())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewSweeper(&fakeDeleter{}, nil, DefaultSweeperConfig())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestNewSweeperAppliesDefaults(t *testing.T) {
	s := NewSweeper(&fakeDeleter{}, nil, SweeperConfig{})

	assert.Equal(t, 1*time.Hour, s.config.Interval)
}
