// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqlpath

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

var planTracer = otel.Tracer("dealerlens.orchestrator.sqlpath")

// llmCaller is the slice of llm.Caller the SQL stages need.
type llmCaller interface {
	Call(ctx context.Context, task string, messages []datatypes.Message) (llm.Completion, error)
}

// Planner runs the two front stages of the SQL path: query-type
// classification and structured entity extraction.
type Planner struct {
	caller llmCaller
}

// NewPlanner builds a planner.
func NewPlanner(caller llmCaller) *Planner {
	return &Planner{caller: caller}
}

const classifySystemPrompt = `Classify the user's question about dealership records as exactly one of:
  AGGREGATION - counts, sums, averages over records
  FILTERING   - list records matching conditions
  COMPARISON  - compare groups, periods, or models
  HISTORY     - full history of one vehicle or customer
  SEMANTIC    - needs document understanding, not table lookups
Reply with the label only.`

// Classify labels a structured-mode question with its query type.
func (p *Planner) Classify(ctx context.Context, question string) (datatypes.SQLQueryType, error) {
	ctx, span := planTracer.Start(ctx, "Planner.Classify")
	defer span.End()

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: classifySystemPrompt},
		{Role: datatypes.RoleUser, Content: question},
	}
	comp, err := p.caller.Call(ctx, llm.TaskSQLClassification, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification call failed")
		return "", err
	}

	queryType := parseQueryType(comp.Text)
	span.SetAttributes(attribute.String("sql.query_type", string(queryType)))
	return queryType, nil
}

// parseQueryType reads the label leniently. Unrecognized output maps to
// SEMANTIC, which routes the question away from SQL entirely.
func parseQueryType(text string) datatypes.SQLQueryType {
	label := strings.ToUpper(strings.TrimSpace(text))
	for _, qt := range []datatypes.SQLQueryType{
		datatypes.SQLAggregation,
		datatypes.SQLFiltering,
		datatypes.SQLComparison,
		datatypes.SQLHistory,
		datatypes.SQLSemantic,
	} {
		if strings.Contains(label, string(qt)) {
			return qt
		}
	}
	return datatypes.SQLSemantic
}

const extractSystemPrompt = `Extract query parameters from the user's question about dealership records.
Reply with a JSON object using only these keys when present:
  vin, model, variant, dealership, claim_type, status, month, year, date_from, date_to
Values are strings. Normalize obvious typos and abbreviations (e.g. "dec" -> "12").
Reply with {} if nothing is extractable.`

// ExtractEntities pulls structured parameters (VIN, dealership, date
// ranges, model, claim type) out of the question, tolerant of typos and
// abbreviations.
func (p *Planner) ExtractEntities(ctx context.Context, question string) (map[string]string, error) {
	ctx, span := planTracer.Start(ctx, "Planner.ExtractEntities")
	defer span.End()

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: extractSystemPrompt},
		{Role: datatypes.RoleUser, Content: question},
	}
	comp, err := p.caller.Call(ctx, llm.TaskSQLEntityExtraction, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "entity extraction call failed")
		return nil, err
	}

	entities := parseEntityObject(comp.Text)
	span.SetAttributes(attribute.Int("sql.entity_count", len(entities)))
	return entities, nil
}

// parseEntityObject reads the JSON object, stripping code fences first.
// Unparseable output degrades to an empty map; generation still sees the
// raw question.
func parseEntityObject(text string) map[string]string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.Trim(text, "` \n")

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return map[string]string{}
	}
	entities := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			entities[k] = strings.TrimSpace(s)
		}
	}
	return entities
}
