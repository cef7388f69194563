// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
)

// =============================================================================
// SSE Writer
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Abstracts the SSE wire format (event: type\ndata: json\n\n) and
// maintains an integrity chain: each event carries a SHA-256 hash of
// its content and the hash of the previous event, so clients can detect
// dropped or reordered events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the answer pipeline
// and the keep-alive ticker write from different goroutines.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write.
type SSEWriter interface {
	// WriteEvent writes a single event. Id, CreatedAt, Hash, and
	// PrevHash are populated by the writer.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with a human-readable message.
	WriteStatus(message string) error

	// WriteToken writes one streamed answer token.
	WriteToken(content string) error

	// WriteCitations writes the source blocks behind the answer.
	WriteCitations(citations []datatypes.Citation) error

	// WriteError writes a sanitized error event. The stream should be
	// closed afterwards; internal error details never reach the client.
	WriteError(errMsg string) error

	// WriteDone writes the terminal event with session ID, route, and
	// cache status. Call once per stream.
	WriteDone(sessionID, route string, cached bool) error

	// WriteKeepAlive sends an SSE comment (": ping") to reset load
	// balancer idle timers. Comments do not enter the hash chain.
	WriteKeepAlive() error
}

// sseWriter implements SSEWriter over an http.ResponseWriter, flushing
// after every event.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
// Returns an error if the writer does not support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash hashes all content fields, including citations, so
// the chain covers everything the client renders.
func computeEventHash(event datatypes.StreamEvent) string {
	citationsJSON := ""
	if len(event.Citations) > 0 {
		if data, err := json.Marshal(event.Citations); err == nil {
			citationsJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%t|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.SessionId,
		event.Route,
		event.Cached,
		citationsJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventStatus,
		Message: message,
	})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventToken,
		Content: content,
	})
}

func (w *sseWriter) WriteCitations(citations []datatypes.Citation) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventCitations,
		Citations: citations,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventError,
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(sessionID, route string, cached bool) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventDone,
		SessionId: sessionID,
		Route:     route,
		Cached:    cached,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures response headers for SSE streaming. Call
// before the first body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
