// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package route

import (
	"context"
	"regexp"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var formatTracer = otel.Tracer("dealerlens.orchestrator.route")

// formatTriggers pre-gates the format-detection model call. Most queries
// carry no format request; this regex keeps the model out of those.
var formatTriggers = regexp.MustCompile(`(?i)\b(\d+\s*words?|word limit|bullet|bulleted|list|table|tabular|paragraph|summary|summariz|brief(?:ly)?|concise|short(?:er)?|long(?:er)?|detailed|in the (?:form|format|style) of|as an? (?:email|letter|report|memo|poem)|step[- ]by[- ]step|numbered|headings?|markdown|formal|casual|tone)\b`)

// FormatDetector returns the user's requested output shape, if any.
//
// Returns the directive verbatim (e.g. "in 200 words", "as a bulleted
// list") or the empty string for no directive. The directive is inserted
// into the final prompt as an override of the default answer structure.
type FormatDetector struct {
	caller llmCaller
}

// NewFormatDetector builds a detector.
func NewFormatDetector(caller llmCaller) *FormatDetector {
	return &FormatDetector{caller: caller}
}

const formatSystemPrompt = `Does the user's question request a specific output format (length, list/table, tone, document type)?
If yes, reply with the request verbatim, e.g.: in 200 words
If no, reply with exactly: null`

// Detect pre-gates with the trigger regex, then asks the cheapest tier.
func (f *FormatDetector) Detect(ctx context.Context, query string) (string, error) {
	ctx, span := formatTracer.Start(ctx, "FormatDetector.Detect")
	defer span.End()

	if !formatTriggers.MatchString(query) {
		span.SetAttributes(attribute.String("format.rule", "pre_gate_miss"))
		return "", nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: formatSystemPrompt},
		{Role: datatypes.RoleUser, Content: query},
	}
	comp, err := f.caller.Call(ctx, llm.TaskFormatDetection, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection call failed")
		return "", err
	}

	directive := strings.TrimSpace(comp.Text)
	if directive == "" || strings.EqualFold(directive, "null") || strings.EqualFold(directive, "none") {
		return "", nil
	}
	span.SetAttributes(attribute.String("format.directive", directive))
	return directive, nil
}
