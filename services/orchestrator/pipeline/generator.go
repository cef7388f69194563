// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

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

var generatorTracer = otel.Tracer("dealerlens.orchestrator.pipeline")

// llmStreamer is the slice of llm.Caller the generator needs.
type llmStreamer interface {
	Call(ctx context.Context, task string, messages []datatypes.Message) (llm.Completion, error)
	Stream(ctx context.Context, task string, messages []datatypes.Message, callback llm.StreamCallback) error
}

// TokenSink receives answer tokens as they arrive. Returning an error
// cancels the stream; tokens already delivered are not rolled back.
type TokenSink func(token string) error

// GenerationInputs is everything the final prompt is assembled from.
type GenerationInputs struct {
	Question          string
	Mode              string
	FormatDirective   string
	Retrieval         datatypes.RetrievalContext
	LastAssistantTurn string
	CitationsNeeded   bool
	Keywords          []string

	// ReformulationDegraded adds a prompt warning that the query could
	// not be rewritten and context may be incomplete.
	ReformulationDegraded bool
}

// AnswerGenerator assembles the final prompt and streams the answer.
type AnswerGenerator struct {
	caller llmStreamer
}

// NewAnswerGenerator builds a generator.
func NewAnswerGenerator(caller llmStreamer) *AnswerGenerator {
	return &AnswerGenerator{caller: caller}
}

const answerSystemPrompt = `You are DealerLens, an assistant answering questions about a dealership's own records.
Answer ONLY from the provided context. If the context does not contain the answer, say so plainly.`

const thinkingAddendum = `Reason carefully before answering. When citations are enabled, annotate claims with [n] markers matching the context blocks in order.`

const emptyCorpusNotice = `The corpus search returned NO matching records for this question. Tell the user no matching records were found; do not guess or use outside knowledge.`

// Generate streams the final answer and returns the accumulated text.
//
// A provider failure here is fatal to the request: partial output is
// discarded by the caller and nothing is cached.
func (g *AnswerGenerator) Generate(ctx context.Context, in GenerationInputs, sink TokenSink) (string, error) {
	ctx, span := generatorTracer.Start(ctx, "AnswerGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generate.mode", in.Mode),
		attribute.Bool("generate.context_empty", in.Retrieval.Empty),
	)

	task := llm.TaskAnswerNonThinking
	if in.Mode == datatypes.ModeThinking {
		task = llm.TaskAnswerThinking
	}

	messages := g.buildMessages(in)
	var full strings.Builder
	err := g.caller.Stream(ctx, task, messages, func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			full.WriteString(event.Content)
			if sink != nil {
				return sink(event.Content)
			}
		case llm.StreamEventError:
			return fmt.Errorf("generation stream error: %s", event.Error)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return "", err
	}
	span.SetAttributes(attribute.Int("generate.answer_chars", full.Len()))
	return full.String(), nil
}

// buildMessages assembles the prompt: system directives, optional format
// override, context (or the empty-corpus notice), the last assistant
// turn when needed, and the question.
func (g *AnswerGenerator) buildMessages(in GenerationInputs) []datatypes.Message {
	var system strings.Builder
	system.WriteString(answerSystemPrompt)
	if in.Mode == datatypes.ModeThinking {
		system.WriteString("\n")
		system.WriteString(thinkingAddendum)
		if in.CitationsNeeded {
			system.WriteString("\nCitations: enabled.")
		} else {
			system.WriteString("\nCitations: disabled.")
		}
	}
	if in.FormatDirective != "" {
		// The override displaces the default answer structure.
		system.WriteString("\nFORMAT OVERRIDE: ignore the default answer structure and respond ")
		system.WriteString(in.FormatDirective)
		system.WriteString(".")
	}
	if in.ReformulationDegraded {
		system.WriteString("\nNote: the follow-up question could not be fully resolved against the conversation; the context may be incomplete.")
	}

	var user strings.Builder
	if in.Retrieval.Empty {
		user.WriteString(emptyCorpusNotice)
	} else {
		user.WriteString("Context:\n")
		user.WriteString(in.Retrieval.ContextText)
	}
	if len(in.Keywords) > 0 {
		user.WriteString("\n\nKey terms: ")
		user.WriteString(strings.Join(in.Keywords, ", "))
	}
	if in.LastAssistantTurn != "" {
		user.WriteString("\n\nPrevious answer (for reference):\n")
		user.WriteString(in.LastAssistantTurn)
	}
	user.WriteString("\n\nQuestion: ")
	user.WriteString(in.Question)

	return []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: system.String()},
		{Role: datatypes.RoleUser, Content: user.String()},
	}
}

const smallTalkSystemPrompt = `You are DealerLens, a dealership records assistant. Reply to the greeting or chit-chat in one or two friendly sentences, then offer to help with dealership questions.`

// SmallTalk produces a short template-style reply without retrieval.
func (g *AnswerGenerator) SmallTalk(ctx context.Context, question string, sink TokenSink) (string, error) {
	ctx, span := generatorTracer.Start(ctx, "AnswerGenerator.SmallTalk")
	defer span.End()

	comp, err := g.caller.Call(ctx, llm.TaskSmallTalk, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: smallTalkSystemPrompt},
		{Role: datatypes.RoleUser, Content: question},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "small talk failed")
		return "", err
	}
	text := strings.TrimSpace(comp.Text)
	if sink != nil {
		if err := sink(text); err != nil {
			return "", err
		}
	}
	return text, nil
}
