// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
)

// parseEvents splits the SSE body into (type, payload) pairs, skipping
// comments.
func parseEvents(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "block %q", block)
		require.True(t, strings.HasPrefix(lines[1], "data: "))

		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func TestNewSSEWriterRequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(plainWriter{httptest.NewRecorder()})
	require.Error(t, err)
}

// plainWriter hides the recorder's Flush method.
type plainWriter struct {
	rec *httptest.ResponseRecorder
}

func (p plainWriter) Header() http.Header         { return p.rec.Header() }
func (p plainWriter) Write(b []byte) (int, error) { return p.rec.Write(b) }
func (p plainWriter) WriteHeader(code int)        { p.rec.WriteHeader(code) }

func TestWriteEventWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteToken("Hello"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: token\ndata: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	events := parseEvents(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventToken, events[0].Type)
	assert.Equal(t, "Hello", events[0].Content)
	assert.NotEmpty(t, events[0].Id)
	assert.NotZero(t, events[0].CreatedAt)
}

func TestHashChainLinksEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("Working on it..."))
	require.NoError(t, writer.WriteToken("The H6"))
	require.NoError(t, writer.WriteDone("sess-1", "retrieval", false))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 3)

	assert.Empty(t, events[0].PrevHash)
	assert.NotEmpty(t, events[0].Hash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)

	// Hashes are recomputable from the serialized fields.
	for _, event := range events {
		expected := event.Hash
		event.Hash = ""
		assert.Equal(t, expected, computeEventHash(event))
	}
}

func TestWriteDoneCarriesRouteAndCacheStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteDone("sess-9", "cache", true))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventDone, events[0].Type)
	assert.Equal(t, "sess-9", events[0].SessionId)
	assert.Equal(t, "cache", events[0].Route)
	assert.True(t, events[0].Cached)
}

func TestWriteCitationsEntersHashChain(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	citations := []datatypes.Citation{{BlockID: "blk-1", Source: "complaints"}}
	require.NoError(t, writer.WriteCitations(citations))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Len(t, events[0].Citations, 1)
	assert.Equal(t, "blk-1", events[0].Citations[0].BlockID)
	assert.NotEmpty(t, events[0].Hash)
}

func TestKeepAliveIsCommentOutsideChain(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("Working on it..."))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteToken("x"))

	body := rec.Body.String()
	assert.Contains(t, body, ": ping\n\n")

	events := parseEvents(t, body)
	require.Len(t, events, 2)
	// The ping between them did not advance the chain.
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
