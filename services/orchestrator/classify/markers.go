// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify holds the conversational prefilter classifiers:
// domain gating, context selection, and intent detection. All three are
// cheap-tier LLM calls with deterministic heuristic short-circuits in
// front of them.
package classify

import (
	"regexp"
	"strings"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
)

// referenceMarkers matches anaphoric words and phrases that tie an
// utterance back to earlier turns. Word-bounded so "italy" does not
// match "it".
var referenceMarkers = regexp.MustCompile(`(?i)\b(above|it|that|this|those|these|them|they|point|previous|earlier|before|again|more about|tell me more|summarize|the same|last (?:one|answer|response))\b`)

// HasReferenceMarkers reports whether the utterance contains anaphora
// referring to earlier conversation. Used by the domain follow-up rule,
// the intent classifier, and the history compressor pass-through check.
func HasReferenceMarkers(utterance string) bool {
	return referenceMarkers.MatchString(utterance)
}

// lastTurns returns the trailing n messages of a history, oldest-first.
func lastTurns(history []datatypes.Message, n int) []datatypes.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// renderTurns flattens messages into a compact "role: content" transcript
// for classifier prompts.
func renderTurns(history []datatypes.Message) string {
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// lastAssistantMessage returns the most recent assistant turn, or nil.
func lastAssistantMessage(history []datatypes.Message) *datatypes.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleAssistant {
			return &history[i]
		}
	}
	return nil
}
