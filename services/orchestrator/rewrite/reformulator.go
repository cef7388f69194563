// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rewrite

import (
	"context"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var reformulatorTracer = otel.Tracer("dealerlens.orchestrator.rewrite")

// QueryReformulator rewrites a context-dependent follow-up into a single
// standalone query optimized for vector retrieval: pronouns resolved,
// entities materialized, locations replaced when the new turn switches
// them.
//
// Standalone queries pass through unchanged, so reformulation is
// idempotent on its own output. The prompt forbids introducing facts not
// present in the provided context.
type QueryReformulator struct {
	caller llmCaller
}

// NewQueryReformulator builds a reformulator.
func NewQueryReformulator(caller llmCaller) *QueryReformulator {
	return &QueryReformulator{caller: caller}
}

const reformulateSystemPrompt = `Rewrite the user's follow-up question as ONE standalone search query.
Rules:
- Resolve every pronoun and reference using ONLY the provided context.
- Name entities explicitly (products, models, people, places).
- Never add facts, entities, or qualifiers that appear in neither the question nor the context.
- If the question already stands alone, return it unchanged.
Return the rewritten query only, with no quotes or commentary.`

// Reformulate rewrites query against compressedContext for the given
// source. Standalone intent returns query unchanged without a model call.
func (r *QueryReformulator) Reformulate(ctx context.Context, query, compressedContext, source string, intent datatypes.IntentKind) (string, error) {
	ctx, span := reformulatorTracer.Start(ctx, "QueryReformulator.Reformulate")
	defer span.End()
	span.SetAttributes(attribute.String("reformulate.source", source))

	if intent == datatypes.IntentStandalone || compressedContext == "" {
		span.SetAttributes(attribute.Bool("reformulate.passthrough", true))
		return query, nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: reformulateSystemPrompt},
		{Role: datatypes.RoleUser, Content: "Data source: " + source + "\nContext:\n" + compressedContext + "\n\nFollow-up question: " + query},
	}
	comp, err := r.caller.Call(ctx, llm.TaskReformulation, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reformulation call failed")
		return "", err
	}

	rewritten := cleanRewritten(comp.Text)
	if rewritten == "" {
		// Retrieval on the raw follow-up beats retrieval on nothing.
		span.SetAttributes(attribute.Bool("reformulate.empty_fallback", true))
		return query, nil
	}
	span.SetAttributes(attribute.Int("reformulate.output_chars", len(rewritten)))
	return rewritten, nil
}

// cleanRewritten strips whitespace and a single layer of wrapping quotes
// that chat models habitually add.
func cleanRewritten(text string) string {
	s := strings.TrimSpace(text)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
