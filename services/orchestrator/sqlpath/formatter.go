// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqlpath

import (
	"context"
	"fmt"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var formatterTracer = otel.Tracer("dealerlens.orchestrator.sqlpath")

// formatPreviewRows caps how many rows the formatting model sees. Bigger
// results still report their true row count in the preamble.
const formatPreviewRows = 50

// Formatter turns a result set into a natural-language answer.
type Formatter struct {
	caller llmCaller
}

// NewFormatter builds a formatter.
func NewFormatter(caller llmCaller) *Formatter {
	return &Formatter{caller: caller}
}

const formatSystemPrompt = `You summarize database query results for a dealership analyst.
Answer the user's question directly from the rows. State numbers exactly as given.
If the result is empty, say no matching records were found. Do not mention SQL.`

// Format renders the result set for the original question.
func (f *Formatter) Format(ctx context.Context, question string, result ResultSet) (string, error) {
	ctx, span := formatterTracer.Start(ctx, "Formatter.Format")
	defer span.End()
	span.SetAttributes(attribute.Int("sql.rows", len(result.Rows)))

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: formatSystemPrompt},
		{Role: datatypes.RoleUser, Content: "Question: " + question + "\n\n" + renderResult(result)},
	}
	comp, err := f.caller.Call(ctx, llm.TaskResultFormatting, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "formatting call failed")
		return "", err
	}
	return strings.TrimSpace(comp.Text), nil
}

// renderResult flattens a result set into a compact pipe-delimited table
// the model can read, previewing at most formatPreviewRows rows.
func renderResult(result ResultSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Result (%d rows):\n", len(result.Rows))
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteByte('\n')

	preview := result.Rows
	if len(preview) > formatPreviewRows {
		preview = preview[:formatPreviewRows]
	}
	for _, row := range preview {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	if len(result.Rows) > formatPreviewRows {
		fmt.Fprintf(&b, "... (%d more rows)\n", len(result.Rows)-formatPreviewRows)
	}
	return b.String()
}
