// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunParallelCollectsAllResults(t *testing.T) {
	tasks := map[string]Thunk{
		"a": func(ctx context.Context) (interface{}, error) { return 1, nil },
		"b": func(ctx context.Context) (interface{}, error) { return "two", nil },
		"c": func(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") },
	}

	results := RunParallel(context.Background(), tasks, 5)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results["a"].Value)
	assert.Equal(t, "two", results["b"].Value)
	assert.EqualError(t, results["c"].Err, "boom")
}

func TestRunParallelFailureDoesNotCancelSiblings(t *testing.T) {
	var completed atomic.Int32
	tasks := map[string]Thunk{
		"fail": func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("immediate failure")
		},
		"slow": func(ctx context.Context) (interface{}, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				completed.Add(1)
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	results := RunParallel(context.Background(), tasks, 2)
	assert.Error(t, results["fail"].Err)
	assert.NoError(t, results["slow"].Err)
	assert.Equal(t, int32(1), completed.Load())
}

func TestRunParallelContainsPanics(t *testing.T) {
	tasks := map[string]Thunk{
		"panics": func(ctx context.Context) (interface{}, error) { panic("kaboom") },
		"fine":   func(ctx context.Context) (interface{}, error) { return 42, nil },
	}

	results := RunParallel(context.Background(), tasks, 2)
	require.Error(t, results["panics"].Err)
	assert.Contains(t, results["panics"].Err.Error(), "kaboom")
	assert.Equal(t, 42, results["fine"].Value)
}

func TestRunParallelBoundsWorkers(t *testing.T) {
	var inFlight, peak atomic.Int32
	tasks := make(map[string]Thunk)
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tasks[name] = func(ctx context.Context) (interface{}, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		}
	}

	RunParallel(context.Background(), tasks, 2)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunParallelEmptyTaskMap(t *testing.T) {
	results := RunParallel(context.Background(), nil, 5)
	assert.Empty(t, results)
}
