// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestLevelToSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(99).toSlogLevel())
}

func logFilePath(dir string) string {
	return filepath.Join(dir, "orchestrator_"+time.Now().Format("2006-01-02")+".log")
}

func TestFileLoggingWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "orchestrator",
		Quiet:   true,
	})

	logger.Info("request completed", "route", "retrieval", "duration_ms", 120)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFilePath(dir))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "request completed", entry["msg"])
	assert.Equal(t, "retrieval", entry["route"])
	assert.Equal(t, "orchestrator", entry["service"])
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "orchestrator",
		Quiet:   true,
	})

	logger.Debug("noise")
	logger.Info("still noise")
	logger.Warn("kept")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFilePath(dir))
	require.NoError(t, err)

	content := string(data)
	assert.NotContains(t, content, "noise")
	assert.Contains(t, content, "kept")
}

func TestWithAddsAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "orchestrator",
		Quiet:   true,
	})

	child := logger.With("session_id", "sess-42")
	child.Info("turn appended")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFilePath(dir))
	require.NoError(t, err)
	assert.Contains(t, string(data), "sess-42")
}

func TestCloseWithoutFileIsNil(t *testing.T) {
	logger := New(Config{Quiet: true})
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".dealerlens/logs"), expandPath("~/.dealerlens/logs"))
	assert.Equal(t, "/var/log/dealerlens", expandPath("/var/log/dealerlens"))
}
