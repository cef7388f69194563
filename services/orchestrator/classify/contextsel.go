// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

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

var contextTracer = otel.Tracer("dealerlens.orchestrator.classify")

// metaOpMarkers matches verbs that operate on the previous answer rather
// than ask for new information.
var metaOpMarkers = regexp.MustCompile(`(?i)\b(summariz|summaris|translate|rephrase|reword|reformat|shorten|condense|bullet|tabulate|in other words|make (?:it|that) (?:shorter|longer|simpler))`)

// ContextSelector decides which prior turns to carry forward.
//
// # Description
//
// Runs only when the session has history. A heuristic pass catches
// meta-operations on the last answer (summarize/translate/reformat)
// without a model call; everything else goes to the cheap-tier model,
// which labels the utterance TOPIC_SWITCH, DATA_REQUEST, META_OP, or
// CONTINUATION. The label is then mapped to a message budget:
//
//	TOPIC_SWITCH -> 0 (skip compression and reformulation)
//	META_OP      -> 1 (the last assistant answer only)
//	DATA_REQUEST,
//	CONTINUATION -> all available history, capped at the window
type ContextSelector struct {
	caller llmCaller
	window int
}

// NewContextSelector builds a selector. window is the session window size
// (the cap on messages_to_include).
func NewContextSelector(caller llmCaller, window int) *ContextSelector {
	if window <= 0 {
		window = 4
	}
	return &ContextSelector{caller: caller, window: window}
}

const contextSystemPrompt = `You decide how a follow-up question relates to the conversation so far.
Label the latest question as exactly one of:
  TOPIC_SWITCH - starts an unrelated topic; prior turns are irrelevant
  DATA_REQUEST - asks for new data about the ongoing topic
  META_OP      - transforms the previous answer (summarize, translate, reformat)
  CONTINUATION - continues the prior exchange and needs its context
Reply with the label only.`

// Select emits the context decision for the current question.
//
// Empty history short-circuits to TOPIC_SWITCH with zero messages; the
// controller treats that as the standalone path.
func (s *ContextSelector) Select(ctx context.Context, question string, history []datatypes.Message) (datatypes.ContextDecision, error) {
	ctx, span := contextTracer.Start(ctx, "ContextSelector.Select")
	defer span.End()

	if len(history) == 0 {
		return datatypes.ContextDecision{Kind: datatypes.ContextTopicSwitch, MessagesToInclude: 0}, nil
	}

	if metaOpMarkers.MatchString(question) && lastAssistantMessage(history) != nil {
		span.SetAttributes(attribute.String("context.rule", "meta_op_heuristic"))
		return s.decide(datatypes.ContextMetaOp, history), nil
	}

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: contextSystemPrompt},
		{Role: datatypes.RoleUser, Content: "Conversation so far:\n" + renderTurns(lastTurns(history, s.window)) + "\n\nLatest question: " + question},
	}
	comp, err := s.caller.Call(ctx, llm.TaskContextSelection, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "selection call failed")
		return datatypes.ContextDecision{}, err
	}

	decision := s.decide(parseContextKind(comp.Text), history)
	span.SetAttributes(
		attribute.String("context.kind", string(decision.Kind)),
		attribute.Int("context.messages", decision.MessagesToInclude),
	)
	return decision, nil
}

// decide maps a kind onto its message budget given the live history.
func (s *ContextSelector) decide(kind datatypes.ContextKind, history []datatypes.Message) datatypes.ContextDecision {
	n := len(history)
	if n > s.window {
		n = s.window
	}
	switch kind {
	case datatypes.ContextTopicSwitch:
		return datatypes.ContextDecision{Kind: kind, MessagesToInclude: 0}
	case datatypes.ContextMetaOp:
		return datatypes.ContextDecision{Kind: kind, MessagesToInclude: 1}
	default:
		return datatypes.ContextDecision{Kind: kind, MessagesToInclude: n}
	}
}

// parseContextKind reads the model label leniently. Unrecognized output
// defaults to CONTINUATION: over-including context degrades answer focus,
// under-including it loses the referent entirely.
func parseContextKind(text string) datatypes.ContextKind {
	label := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case strings.Contains(label, "TOPIC_SWITCH"):
		return datatypes.ContextTopicSwitch
	case strings.Contains(label, "DATA_REQUEST"):
		return datatypes.ContextDataRequest
	case strings.Contains(label, "META_OP"):
		return datatypes.ContextMetaOp
	default:
		return datatypes.ContextContinuation
	}
}
