// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// SSE Stream Events
// =============================================================================

// Stream event types emitted over the answer SSE channel.
const (
	EventStatus    = "status"
	EventToken     = "token"
	EventCitations = "citations"
	EventError     = "error"
	EventDone      = "done"
)

// StreamEvent is the wire format for one SSE event.
//
// # Description
//
// Each event carries a UUID, a millisecond timestamp, and a SHA-256
// hash chained to the previous event so clients can verify that no
// events were dropped or reordered in transit.
//
// # Fields
//
//   - Id: UUID v4, set by the writer.
//   - Type: One of the Event* constants.
//   - CreatedAt: Unix milliseconds, set by the writer.
//   - Content: Token text (token events).
//   - Message: Human-readable status (status events).
//   - Error: Sanitized failure description (error events).
//   - SessionId: Session identifier (done events).
//   - Route: Pipeline route taken (done events).
//   - Cached: True when the answer was replayed from cache (done events).
//   - Citations: Source blocks behind the answer (citations events).
//   - Hash/PrevHash: Integrity chain, set by the writer.
type StreamEvent struct {
	Id         string     `json:"id"`
	Type       string     `json:"type"`
	CreatedAt  int64      `json:"created_at"`
	Content    string     `json:"content,omitempty"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	SessionId  string     `json:"session_id,omitempty"`
	Route      string     `json:"route,omitempty"`
	Cached     bool       `json:"cached,omitempty"`
	Citations  []Citation `json:"citations,omitempty"`
	Hash       string     `json:"hash"`
	PrevHash   string     `json:"prev_hash"`
}
