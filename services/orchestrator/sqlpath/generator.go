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
	"fmt"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var generatorTracer = otel.Tracer("dealerlens.orchestrator.sqlpath")

// defaultSchemaDescription is the schema surface shown to the SQL
// generation model. Kept small on purpose: the model only needs the
// tables the policy allows it to read.
const defaultSchemaDescription = `Tables (PostgreSQL):
  warranty_claims(claim_id, vin, claim_date date, claim_type text, model text, dealership text, status text, amount numeric)
  service_visits(visit_id, vin, visit_date date, service_type text, model text, dealership text, status text, cost numeric)
  sales(sale_id, vin, sale_date date, model text, variant text, dealership text, customer_name text, price numeric)`

// vehicleHistorySQL is the fixed aggregation for HISTORY questions. The
// model never generates history SQL; a single VIN parameter drives a
// union over claims, service visits, and the sale record.
const vehicleHistorySQL = `SELECT 'warranty_claim' AS record_type, claim_date AS record_date, claim_type AS detail, status
  FROM warranty_claims WHERE vin = $1
UNION ALL
SELECT 'service_visit' AS record_type, visit_date AS record_date, service_type AS detail, status
  FROM service_visits WHERE vin = $1
UNION ALL
SELECT 'sale' AS record_type, sale_date AS record_date, dealership AS detail, 'completed' AS status
  FROM sales WHERE vin = $1
ORDER BY record_date DESC`

// Statement is a generated SQL statement plus its bind arguments. Only
// the fixed HISTORY aggregation carries arguments; generated SQL is
// self-contained and validated as-is.
type Statement struct {
	SQL  string
	Args []interface{}
}

// Generator produces validated SQL statements for a classified question.
type Generator struct {
	caller llmCaller
	schema string
}

// NewGenerator builds a generator. schemaDescription overrides the
// built-in schema surface when non-empty.
func NewGenerator(caller llmCaller, schemaDescription string) *Generator {
	if schemaDescription == "" {
		schemaDescription = defaultSchemaDescription
	}
	return &Generator{caller: caller, schema: schemaDescription}
}

const generateSystemPrompt = `Write ONE PostgreSQL SELECT statement answering the user's question.
%s
Rules:
- A single SELECT only. No comments, no semicolons, no other statements.
- Use only the tables and columns listed above.
- Literal values come from the provided entities; never invent identifiers.
Return the SQL only.`

// Generate produces the SQL plan for a classified question.
//
// # Inputs
//
//   - question: the structured-mode question.
//   - queryType: the planner's classification. HISTORY bypasses the
//     model entirely.
//   - entities: the planner's extracted parameters.
//
// # Outputs
//
//   - Statement ready for validation (already validated for HISTORY).
//   - error: *SQLInvalidError when HISTORY lacks a VIN or the model
//     output fails validation; *llm.ProviderError on call failure.
func (g *Generator) Generate(ctx context.Context, question string, queryType datatypes.SQLQueryType, entities map[string]string) (Statement, error) {
	ctx, span := generatorTracer.Start(ctx, "Generator.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("sql.query_type", string(queryType)))

	if queryType == datatypes.SQLHistory {
		vin := entities["vin"]
		if vin == "" {
			return Statement{}, &SQLInvalidError{Reason: "history lookup requires a vehicle identifier"}
		}
		return Statement{SQL: vehicleHistorySQL, Args: []interface{}{vin}}, nil
	}

	entityJSON, _ := json.Marshal(entities)
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: fmt.Sprintf(generateSystemPrompt, g.schema)},
		{Role: datatypes.RoleUser, Content: "Question: " + question + "\nEntities: " + string(entityJSON) + "\nQuery type: " + string(queryType)},
	}
	comp, err := g.caller.Call(ctx, llm.TaskSQLGeneration, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation call failed")
		return Statement{}, err
	}

	sql := cleanSQL(comp.Text)
	if err := Validate(sql); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation rejected generated SQL")
		return Statement{}, err
	}
	span.SetAttributes(attribute.Int("sql.length", len(sql)))
	return Statement{SQL: sql}, nil
}

// cleanSQL strips markdown fences and surrounding whitespace from model
// output.
func cleanSQL(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
