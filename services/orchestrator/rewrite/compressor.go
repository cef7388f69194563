// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rewrite holds the history compressor and the query
// reformulator, the two stages that turn an anaphoric follow-up into a
// standalone retrieval query.
package rewrite

import (
	"context"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/classify"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var compressorTracer = otel.Tracer("dealerlens.orchestrator.rewrite")

// llmCaller is the slice of llm.Caller these stages need.
type llmCaller interface {
	Call(ctx context.Context, task string, messages []datatypes.Message) (llm.Completion, error)
}

// compressPassThroughChars is the length under which a prior answer is
// carried verbatim; extracting from something this short costs more than
// it saves.
const compressPassThroughChars = 200

// HistoryCompressor extracts the slice of a prior assistant answer that
// the current query actually refers to.
//
// # Description
//
// A long enumerated answer ("1. Brakes... 2. AC... 3. Transmission...")
// followed by "summarize point 3" should feed the reformulator only item
// 3, not the whole list. Two pass-through rules keep the model out of the
// common cases: short answers go through unchanged, and queries without
// reference markers go through unchanged. The extraction call is
// deterministic and bounded to ~100 output tokens by the task config.
type HistoryCompressor struct {
	caller llmCaller
}

// NewHistoryCompressor builds a compressor.
func NewHistoryCompressor(caller llmCaller) *HistoryCompressor {
	return &HistoryCompressor{caller: caller}
}

const compressSystemPrompt = `A user is referring back to part of a previous answer.
Return ONLY the shortest contiguous slice (a sentence, a list item, or a few list items) of the previous answer that the user's query refers to.
Do not paraphrase, do not add words, do not answer the query.`

// Compress returns the referenced slice of priorAnswer, or priorAnswer
// unchanged when a pass-through rule applies.
func (h *HistoryCompressor) Compress(ctx context.Context, priorAnswer, query string) (string, error) {
	ctx, span := compressorTracer.Start(ctx, "HistoryCompressor.Compress")
	defer span.End()
	span.SetAttributes(attribute.Int("compress.input_chars", len(priorAnswer)))

	if len(priorAnswer) <= compressPassThroughChars {
		span.SetAttributes(attribute.String("compress.rule", "short_input"))
		return priorAnswer, nil
	}
	if !classify.HasReferenceMarkers(query) {
		span.SetAttributes(attribute.String("compress.rule", "no_reference"))
		return priorAnswer, nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: compressSystemPrompt},
		{Role: datatypes.RoleUser, Content: "Previous answer:\n" + priorAnswer + "\n\nUser query: " + query},
	}
	comp, err := h.caller.Call(ctx, llm.TaskCompression, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compression call failed")
		return "", err
	}

	extracted := strings.TrimSpace(comp.Text)
	if extracted == "" {
		// An empty extraction loses the referent; fall back to the full
		// answer rather than handing downstream stages nothing.
		span.SetAttributes(attribute.String("compress.rule", "empty_extraction_fallback"))
		return priorAnswer, nil
	}
	span.SetAttributes(attribute.Int("compress.output_chars", len(extracted)))
	return extracted, nil
}
