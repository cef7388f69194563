// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

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

var domainTracer = otel.Tracer("dealerlens.orchestrator.classify")

// llmCaller is the slice of the llm.Caller surface these classifiers
// need. Narrowed for test injection; *llm.Caller satisfies it.
type llmCaller interface {
	Call(ctx context.Context, task string, messages []datatypes.Message) (llm.Completion, error)
}

// DomainClassifier decides whether an utterance belongs to the dealership
// corpus, is off-topic, or is small talk.
//
// # Description
//
// Classification sees the current question plus up to the last two turns
// of history, the company's domain label, and the enabled sources. The
// follow-up rule runs first and never calls the model: an anaphoric
// utterance in a live conversation inherits the conversation's domain,
// whatever its surface keywords say. "Summarize point 3 above" contains
// no automotive vocabulary but is still in-domain.
type DomainClassifier struct {
	caller      llmCaller
	domainLabel string
	sources     []string
}

// NewDomainClassifier builds a classifier for a company domain label
// (e.g. "automotive dealership operations") and its enabled sources.
func NewDomainClassifier(caller llmCaller, domainLabel string, sources []string) *DomainClassifier {
	return &DomainClassifier{caller: caller, domainLabel: domainLabel, sources: sources}
}

const domainSystemPrompt = `You are a domain gate for a question answering system.
Company domain: %s
Enabled data sources: %s
Classify the user's latest question as exactly one of:
  in_domain     - answerable from the company domain or its data sources
  out_of_domain - unrelated to the company domain
  small_talk    - greeting, thanks, chit-chat with no information need
Reply with the label only.`

// Classify applies the follow-up rule, then falls back to the model.
//
// # Inputs
//
//   - question: the current utterance.
//   - history: session messages oldest-first; only the last two turns
//     are shown to the model.
//
// # Outputs
//
//   - ClassificationResult with class and a short reason.
//   - error: *llm.ProviderError when the model call fails. The follow-up
//     rule path never errors.
func (d *DomainClassifier) Classify(ctx context.Context, question string, history []datatypes.Message) (datatypes.ClassificationResult, error) {
	ctx, span := domainTracer.Start(ctx, "DomainClassifier.Classify")
	defer span.End()

	if len(history) > 0 && HasReferenceMarkers(question) {
		span.SetAttributes(attribute.String("domain.rule", "follow_up"))
		return datatypes.ClassificationResult{
			Class:  datatypes.DomainInDomain,
			Reason: "anaphoric follow-up to an active conversation",
		}, nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: fmt.Sprintf(domainSystemPrompt, d.domainLabel, strings.Join(d.sources, ", "))},
	}
	messages = append(messages, lastTurns(history, 2)...)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: question})

	comp, err := d.caller.Call(ctx, llm.TaskDomainClassification, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification call failed")
		return datatypes.ClassificationResult{}, err
	}

	result := parseDomainLabel(comp.Text)
	span.SetAttributes(attribute.String("domain.class", string(result.Class)))
	return result, nil
}

// parseDomainLabel reads the model's label leniently. Unrecognized output
// defaults to in_domain: a wrongly admitted question still gets grounded
// retrieval, while a wrongly refused one is unrecoverable.
func parseDomainLabel(text string) datatypes.ClassificationResult {
	label := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.Contains(label, "out_of_domain"), strings.Contains(label, "out of domain"):
		return datatypes.ClassificationResult{Class: datatypes.DomainOutOfDomain, Reason: label}
	case strings.Contains(label, "small_talk"), strings.Contains(label, "small talk"):
		return datatypes.ClassificationResult{Class: datatypes.DomainSmallTalk, Reason: label}
	default:
		return datatypes.ClassificationResult{Class: datatypes.DomainInDomain, Reason: label}
	}
}
