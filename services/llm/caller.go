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
	"time"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var callerTracer = otel.Tracer("dealerlens.llm.caller")

// defaultCallTimeout bounds a single non-streaming LLM call when the
// incoming context carries no deadline of its own.
const defaultCallTimeout = 60 * time.Second

// Caller routes task-named LLM calls to the configured provider backend.
//
// # Description
//
// Caller is the single-call abstraction every pipeline stage uses: it
// looks the task up in the Registry, picks the backend for the configured
// provider, and applies the task's sampling parameters. Calls with
// temperature 0 are deterministic to the extent the provider allows.
//
// Retries are deliberately NOT performed here. Stage semantics differ:
// parallel prefilter tasks degrade to safe defaults on failure, while a
// failed final generation is fatal to the request. Callers decide.
//
// # Thread Safety
//
// Safe for concurrent use; all fields are read-only after construction.
type Caller struct {
	registry *Registry
	backends map[Provider]LLMClient
	usage    UsageRecorder
}

// UsageRecorder receives token usage after each successful synchronous
// call. Backends that do not report usage deliver zeros.
type UsageRecorder func(task string, promptTokens, completionTokens int)

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithUsageRecorder installs a hook that observes per-task token usage,
// e.g. for the tokens_total metric.
func WithUsageRecorder(rec UsageRecorder) CallerOption {
	return func(c *Caller) { c.usage = rec }
}

// NewCaller creates a Caller over the given registry and backends.
// Backends missing for a configured provider surface as ProviderError at
// call time, not at construction, so a partially configured deployment
// can still serve tasks bound to available providers.
func NewCaller(registry *Registry, backends map[Provider]LLMClient, opts ...CallerOption) *Caller {
	c := &Caller{registry: registry, backends: backends}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs a synchronous chat completion for the named task.
//
// # Inputs
//
//   - ctx: cancellation and deadline. A default deadline is applied when
//     none is set.
//   - task: a Task* constant; unknown tasks fail with ErrConfigMissing.
//   - messages: standard role/content messages.
//
// # Outputs
//
//   - Completion: generated text plus usage (zero if unreported).
//   - error: ErrConfigMissing, or *ProviderError on backend failure.
func (c *Caller) Call(ctx context.Context, task string, messages []datatypes.Message) (Completion, error) {
	ctx, span := callerTracer.Start(ctx, "Caller.Call")
	defer span.End()
	span.SetAttributes(attribute.String("llm.task", task))

	cfg, backend, err := c.resolve(task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return Completion{}, err
	}
	span.SetAttributes(
		attribute.String("llm.provider", string(cfg.Provider)),
		attribute.String("llm.model", cfg.Model),
	)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	comp, err := backend.Chat(ctx, messages, cfg.params())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend failed")
		return Completion{}, &ProviderError{Provider: cfg.Provider, Task: task, Err: err}
	}
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", comp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", comp.Usage.CompletionTokens),
	)
	if c.usage != nil {
		c.usage(task, comp.Usage.PromptTokens, comp.Usage.CompletionTokens)
	}
	return comp, nil
}

// Stream performs a streaming chat completion for the named task. Only
// the answer generator uses this; classification tasks always use Call.
// Tokens already delivered to the callback are not rolled back on error.
func (c *Caller) Stream(ctx context.Context, task string, messages []datatypes.Message, callback StreamCallback) error {
	ctx, span := callerTracer.Start(ctx, "Caller.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.task", task))

	cfg, backend, err := c.resolve(task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return err
	}
	span.SetAttributes(
		attribute.String("llm.provider", string(cfg.Provider)),
		attribute.String("llm.model", cfg.Model),
	)

	if err := backend.ChatStream(ctx, messages, cfg.params(), callback); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return &ProviderError{Provider: cfg.Provider, Task: task, Err: err}
	}
	return nil
}

// resolve looks up the task config and its backend.
func (c *Caller) resolve(task string) (TaskConfig, LLMClient, error) {
	cfg, err := c.registry.Lookup(task)
	if err != nil {
		return TaskConfig{}, nil, err
	}
	backend, ok := c.backends[cfg.Provider]
	if !ok {
		slog.Error("No backend registered for provider",
			"provider", cfg.Provider, "task", task)
		return TaskConfig{}, nil, &ProviderError{
			Provider: cfg.Provider,
			Task:     task,
			Err:      fmt.Errorf("no backend registered for provider %q", cfg.Provider),
		}
	}
	return cfg, backend, nil
}

// params converts a TaskConfig into per-call GenerationParams.
func (cfg TaskConfig) params() GenerationParams {
	temp := cfg.Temperature
	maxTokens := cfg.MaxTokens
	return GenerationParams{
		Model:       cfg.Model,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}
