// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"context"
	"strings"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var intentTracer = otel.Tracer("dealerlens.orchestrator.classify")

// IntentClassifier decides standalone vs. context-dependent. Runs in the
// parallel phase; explicit anaphora short-circuits without a model call.
type IntentClassifier struct {
	caller llmCaller
}

// NewIntentClassifier builds an intent classifier.
func NewIntentClassifier(caller llmCaller) *IntentClassifier {
	return &IntentClassifier{caller: caller}
}

const intentSystemPrompt = `Does the latest question rely on the prior conversation to be understood?
Reply with exactly one word:
  context_dependent - the question references or depends on earlier turns
  standalone        - the question is fully self-contained`

// Classify labels the question. compressedContext is the (possibly
// compressed) prior assistant answer; it may be empty when the session
// has no history, in which case the result is always standalone.
func (i *IntentClassifier) Classify(ctx context.Context, question, compressedContext string) (datatypes.IntentResult, error) {
	ctx, span := intentTracer.Start(ctx, "IntentClassifier.Classify")
	defer span.End()

	if compressedContext == "" {
		return datatypes.IntentResult{Kind: datatypes.IntentStandalone}, nil
	}
	if HasReferenceMarkers(question) {
		span.SetAttributes(attribute.String("intent.rule", "anaphora"))
		return datatypes.IntentResult{Kind: datatypes.IntentContextDependent}, nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: intentSystemPrompt},
		{Role: datatypes.RoleUser, Content: "Prior context:\n" + compressedContext + "\n\nLatest question: " + question},
	}
	comp, err := i.caller.Call(ctx, llm.TaskIntentClassification, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intent call failed")
		return datatypes.IntentResult{}, err
	}

	result := parseIntentLabel(comp.Text)
	span.SetAttributes(attribute.String("intent.kind", string(result.Kind)))
	return result, nil
}

// parseIntentLabel defaults to standalone; that is also the pipeline's
// safe default when this classifier fails outright.
func parseIntentLabel(text string) datatypes.IntentResult {
	label := strings.ToLower(strings.TrimSpace(text))
	if strings.Contains(label, "context_dependent") || strings.Contains(label, "context-dependent") {
		return datatypes.IntentResult{Kind: datatypes.IntentContextDependent}
	}
	return datatypes.IntentResult{Kind: datatypes.IntentStandalone}
}
