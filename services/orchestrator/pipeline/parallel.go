// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline holds the request orchestration: the parallel
// prefilter fan-out, the answer generator, and the state-machine
// controller that ties every stage together.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var parallelTracer = otel.Tracer("dealerlens.orchestrator.pipeline")

// defaultMaxWorkers bounds the prefilter fan-out; a request spawns at
// most this many concurrent LLM calls.
const defaultMaxWorkers = 5

// Thunk is one unit of parallel work.
type Thunk func(ctx context.Context) (interface{}, error)

// TaskResult is the outcome of one thunk. Exactly one of Value and Err
// is meaningful.
type TaskResult struct {
	Value interface{}
	Err   error
}

// RunParallel executes every thunk concurrently under a bounded worker
// pool and collects all outcomes.
//
// # Description
//
// Failure isolation is the contract: one thunk failing (or panicking)
// never cancels its siblings, and the caller receives every result so it
// can substitute per-task safe defaults. Total wall time is the max of
// the task times, not the sum.
//
// # Inputs
//
//   - ctx: passed to every thunk; caller-level cancellation still applies
//     to all of them.
//   - tasks: name -> thunk. Names key the result map.
//   - maxWorkers: pool bound; <=0 takes the default of 5.
//
// # Outputs
//
//   - map keyed by task name, one entry per input task. Panics surface as
//     errors on the owning task.
func RunParallel(ctx context.Context, tasks map[string]Thunk, maxWorkers int) map[string]TaskResult {
	ctx, span := parallelTracer.Start(ctx, "RunParallel")
	defer span.End()
	span.SetAttributes(attribute.Int("parallel.tasks", len(tasks)))

	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]TaskResult, len(tasks))
		sem     = make(chan struct{}, maxWorkers)
	)

	for name, thunk := range tasks {
		wg.Add(1)
		go func(name string, thunk Thunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := runOne(ctx, thunk)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, thunk)
	}
	wg.Wait()
	return results
}

// runOne executes a thunk with panic containment.
func runOne(ctx context.Context, thunk Thunk) (result TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = TaskResult{Err: fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())}
		}
	}()
	value, err := thunk(ctx)
	return TaskResult{Value: value, Err: err}
}
