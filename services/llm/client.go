// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the multi-provider LLM abstraction for DealerLens:
// a per-task model registry, provider backends (OpenAI, Ollama), and a
// task-routing caller used by every pipeline stage.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
)

// GenerationParams are per-call sampling parameters. Nil pointers mean
// "use the backend default". Model, when non-empty, overrides the
// backend's default model (the registry sets it per task).
type GenerationParams struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Usage reports token consumption for a completed call. Backends that do
// not report usage leave the fields at zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the result of a non-streaming chat call.
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	StreamEventToken    StreamEventType = "token"
	StreamEventThinking StreamEventType = "thinking"
	StreamEventDone     StreamEventType = "done"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is one event emitted during streaming generation.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives streaming events in token order. Returning a
// non-nil error aborts the stream (client disconnect, cancellation).
type StreamCallback func(event StreamEvent) error

// LLMClient is the standard interface for any LLM backend.
type LLMClient interface {
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (Completion, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

// ProviderError wraps a non-retryable provider or HTTP failure. The
// caller performs no retries; pipeline stages decide whether to fail the
// request or substitute a safe default.
type ProviderError struct {
	Provider Provider
	Task     string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for task %q: %v", e.Provider, e.Task, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
