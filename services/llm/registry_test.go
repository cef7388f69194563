// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTasks = []string{
	TaskDomainClassification,
	TaskContextSelection,
	TaskIntentClassification,
	TaskCompression,
	TaskReformulation,
	TaskEntityExtraction,
	TaskFormatDetection,
	TaskKeywordExtraction,
	TaskCitationCheck,
	TaskSmallTalk,
	TaskAnswerThinking,
	TaskAnswerNonThinking,
	TaskSQLClassification,
	TaskSQLEntityExtraction,
	TaskSQLGeneration,
	TaskResultFormatting,
}

func TestNewRegistryCoversAllTasks(t *testing.T) {
	registry := NewRegistry()

	for _, task := range allTasks {
		cfg, err := registry.Lookup(task)
		require.NoError(t, err, "task %s", task)
		assert.NotEmpty(t, cfg.Model, "task %s", task)
		assert.NotEmpty(t, cfg.Provider, "task %s", task)
		assert.Greater(t, cfg.MaxTokens, 0, "task %s", task)
	}
	assert.Len(t, registry.Tasks(), len(allTasks))
}

func TestLookupUnknownTask(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Lookup("made_up_task")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestClassificationTasksAreDeterministic(t *testing.T) {
	registry := NewRegistry()

	for _, task := range []string{
		TaskDomainClassification,
		TaskIntentClassification,
		TaskSQLClassification,
		TaskSQLGeneration,
	} {
		cfg, err := registry.Lookup(task)
		require.NoError(t, err)
		assert.Zero(t, cfg.Temperature, "task %s", task)
	}
}

func TestLoadRegistryAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := `tasks:
  answer_thinking:
    provider: ollama
    model: qwen2.5:32b
    temperature: 0.3
    max_tokens: 4096
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	cfg, err := registry.Lookup(TaskAnswerThinking)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.Provider)
	assert.Equal(t, "qwen2.5:32b", cfg.Model)
	assert.Equal(t, float32(0.3), cfg.Temperature)
	assert.Equal(t, 4096, cfg.MaxTokens)

	// Unrelated tasks keep their defaults.
	other, err := registry.Lookup(TaskCompression)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, other.Provider)
}

func TestLoadRegistryPartialOverrideKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := `tasks:
  compression:
    model: local-compressor
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	cfg, err := registry.Lookup(TaskCompression)
	require.NoError(t, err)
	assert.Equal(t, "local-compressor", cfg.Model)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, 100, cfg.MaxTokens)
}

func TestLoadRegistryRejectsUnknownTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := `tasks:
  answer_thinkign:
    model: typo
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
