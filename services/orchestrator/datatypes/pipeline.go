// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Domain Classification
// =============================================================================

// DomainClass is the outcome of domain classification for one utterance.
type DomainClass string

const (
	DomainInDomain    DomainClass = "in_domain"
	DomainOutOfDomain DomainClass = "out_of_domain"
	DomainSmallTalk   DomainClass = "small_talk"
)

// ClassificationResult carries the domain class plus an optional short
// reason surface (kept under ~20 tokens by the classifier prompt).
type ClassificationResult struct {
	Class  DomainClass `json:"class"`
	Reason string      `json:"reason,omitempty"`
}

// =============================================================================
// Context Selection
// =============================================================================

// ContextKind describes how the current utterance relates to the session
// history.
type ContextKind string

const (
	// ContextTopicSwitch means the utterance starts a fresh topic; no
	// prior turns are carried forward.
	ContextTopicSwitch ContextKind = "TOPIC_SWITCH"

	// ContextDataRequest means the utterance asks for new data related to
	// the ongoing topic.
	ContextDataRequest ContextKind = "DATA_REQUEST"

	// ContextMetaOp means the utterance operates on the last assistant
	// answer (summarize, translate, reformat).
	ContextMetaOp ContextKind = "META_OP"

	// ContextContinuation means the utterance continues the prior
	// exchange and needs its context.
	ContextContinuation ContextKind = "CONTINUATION"
)

// ContextDecision is the context selector's verdict.
//
// MessagesToInclude is clamped to [0, session window]. A value of zero
// forces the pipeline to treat the utterance as standalone regardless of
// the intent classifier.
type ContextDecision struct {
	Kind              ContextKind `json:"kind"`
	MessagesToInclude int         `json:"messages_to_include"`
}

// =============================================================================
// Intent Classification
// =============================================================================

// IntentKind says whether the query relies on prior turns to be understood.
type IntentKind string

const (
	IntentStandalone       IntentKind = "standalone"
	IntentContextDependent IntentKind = "context_dependent"
)

// IntentResult wraps the intent kind.
type IntentResult struct {
	Kind IntentKind `json:"kind"`
}

// =============================================================================
// Entity Routing
// =============================================================================

// EntityQueryType tags how many first-class entities a query names.
type EntityQueryType string

const (
	EntityQuerySingle EntityQueryType = "single"
	EntityQueryMulti  EntityQueryType = "multi"
	EntityQueryNone   EntityQueryType = "none"
)

// EntitySet is the ordered list of detected first-class entities for the
// active source (customer names for chat logs). Empty for sources without
// entity support.
type EntitySet struct {
	Entities  []string        `json:"entities"`
	QueryType EntityQueryType `json:"query_type"`
}

// =============================================================================
// Retrieval
// =============================================================================

// RetrievedBlock is one corpus block after vector search and reranking.
type RetrievedBlock struct {
	BlockID  string            `json:"block_id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RetrievalContext is the assembled context window handed to the answer
// generator. Empty is true when the index had no matches; the generator
// must respond accordingly instead of hallucinating.
type RetrievalContext struct {
	ContextText string     `json:"context_text"`
	Citations   []Citation `json:"citations"`
	Empty       bool       `json:"empty"`
}

// =============================================================================
// SQL Path
// =============================================================================

// SQLQueryType classifies a structured-mode question.
type SQLQueryType string

const (
	SQLAggregation SQLQueryType = "AGGREGATION"
	SQLFiltering   SQLQueryType = "FILTERING"
	SQLComparison  SQLQueryType = "COMPARISON"
	SQLHistory     SQLQueryType = "HISTORY"
	SQLSemantic    SQLQueryType = "SEMANTIC"
)

// SQLPlan is the record of one text-to-SQL run. ValidationOK is only set
// after the hardened validator accepted GeneratedSQL; a plan with
// ValidationOK=false must never reach execution.
type SQLPlan struct {
	QueryType    SQLQueryType      `json:"query_type"`
	Entities     map[string]string `json:"entities,omitempty"`
	GeneratedSQL string            `json:"generated_sql"`
	ValidationOK bool              `json:"validation_ok"`
}
