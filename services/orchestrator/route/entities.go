// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package route holds the pre-retrieval routing stages: entity
// extraction (direct-lookup short-circuit) and output-format detection.
package route

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var entityTracer = otel.Tracer("dealerlens.orchestrator.route")

// llmCaller is the slice of llm.Caller the routing stages need.
type llmCaller interface {
	Call(ctx context.Context, task string, messages []datatypes.Message) (llm.Completion, error)
}

// EntityExtractor finds first-class entities for sources that support
// direct lookup.
//
// # Description
//
// For entity-capable sources (customer chat logs, sales records) the
// extractor asks the cheap tier for the person/customer names the query
// targets. Exactly one entity lets the controller short-circuit to the
// direct-lookup path, skipping retrieval and SQL entirely; several
// entities go through normal retrieval. Sources without entity support
// return an empty set without a model call.
type EntityExtractor struct {
	caller        llmCaller
	entitySources map[string]bool
}

// NewEntityExtractor builds an extractor. entitySources lists the source
// labels that carry first-class entities.
func NewEntityExtractor(caller llmCaller, entitySources []string) *EntityExtractor {
	m := make(map[string]bool, len(entitySources))
	for _, s := range entitySources {
		m[s] = true
	}
	return &EntityExtractor{caller: caller, entitySources: m}
}

const entitySystemPrompt = `Extract the person or customer names this question is about.
Reply with a JSON array of names, e.g. ["Ali Raza"] or ["Ali Raza","Sara Khan"].
Reply with [] if the question names no specific person or customer.`

// Extract returns the entity set for the query on the given source.
func (e *EntityExtractor) Extract(ctx context.Context, query, source string) (datatypes.EntitySet, error) {
	ctx, span := entityTracer.Start(ctx, "EntityExtractor.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("entity.source", source))

	if !e.entitySources[source] {
		span.SetAttributes(attribute.String("entity.rule", "source_not_entity_capable"))
		return datatypes.EntitySet{QueryType: datatypes.EntityQueryNone}, nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: entitySystemPrompt},
		{Role: datatypes.RoleUser, Content: query},
	}
	comp, err := e.caller.Call(ctx, llm.TaskEntityExtraction, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction call failed")
		return datatypes.EntitySet{}, err
	}

	set := parseEntityList(comp.Text)
	span.SetAttributes(
		attribute.Int("entity.count", len(set.Entities)),
		attribute.String("entity.query_type", string(set.QueryType)),
	)
	return set, nil
}

// parseEntityList reads the model output as a JSON array, falling back to
// a comma/newline split for models that ignore the format instruction.
func parseEntityList(text string) datatypes.EntitySet {
	text = strings.TrimSpace(text)

	var names []string
	if err := json.Unmarshal([]byte(text), &names); err != nil {
		// Fence-stripped retry: models love ```json blocks.
		stripped := strings.Trim(strings.TrimPrefix(strings.Trim(text, "`"), "json"), "`\n ")
		if err := json.Unmarshal([]byte(stripped), &names); err != nil {
			if text == "" || strings.EqualFold(text, "[]") || strings.EqualFold(text, "none") {
				return datatypes.EntitySet{QueryType: datatypes.EntityQueryNone}
			}
			for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
				if name := strings.TrimSpace(part); name != "" {
					names = append(names, name)
				}
			}
		}
	}

	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	switch len(cleaned) {
	case 0:
		return datatypes.EntitySet{QueryType: datatypes.EntityQueryNone}
	case 1:
		return datatypes.EntitySet{Entities: cleaned, QueryType: datatypes.EntityQuerySingle}
	default:
		return datatypes.EntitySet{Entities: cleaned, QueryType: datatypes.EntityQueryMulti}
	}
}
