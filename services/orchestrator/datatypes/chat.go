// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared request, response, and pipeline
// types used across the DealerLens orchestrator.
//
// Types here carry no behavior beyond defaulting, validation, and small
// accessors. Business logic lives in the component packages.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Message roles. Role alternation is not enforced anywhere; duplicate
// consecutive roles are permitted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation message in LLM wire shape.
//
// Timestamp is orchestrator-side bookkeeping and is never sent to a
// provider, hence the json:"-" tag.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

// Answer modes. Conversational is the default short-answer mode, thinking
// enables longer citation-annotated generation, structured routes the
// request through the text-to-SQL path.
const (
	ModeConversational = "conversational"
	ModeThinking       = "thinking"
	ModeStructured     = "structured"
)

var validate = validator.New()

// AnswerRequest is the pipeline entry point payload.
//
// # Fields
//
//   - Question: the raw user utterance. Required.
//   - SessionID: opaque session identifier. When empty, session memory and
//     the semantic cache are bypassed for this request.
//   - Mode: one of ModeConversational, ModeThinking, ModeStructured.
//   - Source: which corpus/index is active (e.g. "chat_logs", "reviews").
//   - CompanyID: tenant scoping for the vector index.
//
// # Example
//
//	req := &datatypes.AnswerRequest{
//	    Question:  "Summarize point 3 above",
//	    SessionID: "sess_abc123",
//	    Source:    "chat_logs",
//	}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil { ... }
type AnswerRequest struct {
	ID        string `json:"id,omitempty"`
	Question  string `json:"question" validate:"required,min=1,max=8000"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty" validate:"omitempty,oneof=conversational thinking structured"`
	Source    string `json:"source" validate:"required"`
	CompanyID string `json:"company_id,omitempty"`

	// Filters are optional metadata filters forwarded to retrieval
	// (date ranges, vehicle variant, and similar).
	Filters map[string]string `json:"filters,omitempty"`
}

// EnsureDefaults populates the request id and mode if unset.
func (r *AnswerRequest) EnsureDefaults() {
	if r.ID == "" {
		r.ID = "req_" + uuid.NewString()
	}
	if r.Mode == "" {
		r.Mode = ModeConversational
	}
}

// Validate checks the request against its struct tags.
func (r *AnswerRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid answer request: %w", err)
	}
	return nil
}

// Citation points at a corpus block that contributed to an answer.
type Citation struct {
	BlockID string  `json:"block_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// AnswerResult is the completed outcome of one pipeline run. The token
// stream is delivered separately; this struct carries the accumulated
// text plus routing metadata for logging and the HTTP surface.
type AnswerResult struct {
	Answer    string     `json:"answer"`
	SessionID string     `json:"session_id,omitempty"`
	Cached    bool       `json:"cached"`
	Route     string     `json:"route"`
	Citations []Citation `json:"citations,omitempty"`
	SQLPlan   *SQLPlan   `json:"sql_plan,omitempty"`
}
