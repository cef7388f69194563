// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// Pipeline task names. Every LLM call in the orchestrator goes through
// one of these; the registry maps each to a provider, model, and sampling
// parameters.
const (
	TaskDomainClassification = "domain_classification"
	TaskContextSelection     = "context_selection"
	TaskIntentClassification = "intent_classification"
	TaskCompression          = "compression"
	TaskReformulation        = "reformulation"
	TaskEntityExtraction     = "entity_extraction"
	TaskFormatDetection      = "format_detection"
	TaskKeywordExtraction    = "keyword_extraction"
	TaskCitationCheck        = "citation_check"
	TaskSmallTalk            = "small_talk"
	TaskAnswerThinking       = "answer_thinking"
	TaskAnswerNonThinking    = "answer_non_thinking"
	TaskSQLClassification    = "sql_classification"
	TaskSQLEntityExtraction  = "sql_entity_extraction"
	TaskSQLGeneration        = "sql_generation"
	TaskResultFormatting     = "result_formatting"
)

// ErrConfigMissing is returned by Registry.Lookup for unknown task names.
// Lookup is total: every pipeline stage must have an entry, so a miss is
// a programming or configuration error, never a runtime fallback.
var ErrConfigMissing = errors.New("llm: no model config for task")

// TaskConfig is one row of the per-task model table.
type TaskConfig struct {
	Provider    Provider `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature float32  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// Registry maps task names to model configurations. It is immutable
// after construction; there is no runtime mutation API.
//
// # Thread Safety
//
// Safe for concurrent use: the underlying map is never written after
// NewRegistry/LoadRegistry return.
type Registry struct {
	tasks map[string]TaskConfig
}

// defaultTasks is the built-in model table. Classification and extraction
// tasks run deterministic (temperature 0) on the cheapest tier; answer
// generation gets larger budgets, with thinking mode the largest.
func defaultTasks() map[string]TaskConfig {
	cheap := os.Getenv("DEALERLENS_CHEAP_MODEL")
	if cheap == "" {
		cheap = "gpt-4o-mini"
	}
	main := os.Getenv("DEALERLENS_MAIN_MODEL")
	if main == "" {
		main = "gpt-4o"
	}

	return map[string]TaskConfig{
		TaskDomainClassification: {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 30},
		TaskContextSelection:     {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 40},
		TaskIntentClassification: {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 10},
		TaskCompression:          {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 100},
		TaskReformulation:        {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 120},
		TaskEntityExtraction:     {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 80},
		TaskFormatDetection:      {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 40},
		TaskKeywordExtraction:    {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 60},
		TaskCitationCheck:        {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 10},
		TaskSmallTalk:            {Provider: ProviderOpenAI, Model: cheap, Temperature: 0.6, MaxTokens: 120},
		TaskAnswerThinking:       {Provider: ProviderOpenAI, Model: main, Temperature: 0.3, MaxTokens: 2048},
		TaskAnswerNonThinking:    {Provider: ProviderOpenAI, Model: main, Temperature: 0.3, MaxTokens: 700},
		TaskSQLClassification:    {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 20},
		TaskSQLEntityExtraction:  {Provider: ProviderOpenAI, Model: cheap, Temperature: 0, MaxTokens: 150},
		TaskSQLGeneration:        {Provider: ProviderOpenAI, Model: main, Temperature: 0, MaxTokens: 400},
		TaskResultFormatting:     {Provider: ProviderOpenAI, Model: cheap, Temperature: 0.2, MaxTokens: 400},
	}
}

// NewRegistry builds a registry with the built-in defaults.
func NewRegistry() *Registry {
	return &Registry{tasks: defaultTasks()}
}

// registryFile is the YAML shape for model config overrides.
//
// Example file:
//
//	tasks:
//	  answer_thinking:
//	    provider: ollama
//	    model: qwen2.5:32b
//	    temperature: 0.3
//	    max_tokens: 4096
type registryFile struct {
	Tasks map[string]TaskConfig `yaml:"tasks"`
}

// LoadRegistry builds a registry from the defaults plus overrides read
// from a YAML file. Unknown task names in the file are rejected so typos
// fail at startup rather than falling through to defaults silently.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config %s: %w", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model config %s: %w", path, err)
	}

	tasks := defaultTasks()
	for name, cfg := range file.Tasks {
		if _, known := tasks[name]; !known {
			return nil, fmt.Errorf("model config %s: unknown task %q", path, name)
		}
		merged := tasks[name]
		if cfg.Provider != "" {
			merged.Provider = cfg.Provider
		}
		if cfg.Model != "" {
			merged.Model = cfg.Model
		}
		if cfg.MaxTokens != 0 {
			merged.MaxTokens = cfg.MaxTokens
		}
		merged.Temperature = cfg.Temperature
		tasks[name] = merged
		slog.Info("Model config override applied",
			"task", name, "provider", merged.Provider, "model", merged.Model)
	}
	return &Registry{tasks: tasks}, nil
}

// Lookup returns the config for a task, or ErrConfigMissing.
func (r *Registry) Lookup(task string) (TaskConfig, error) {
	cfg, ok := r.tasks[task]
	if !ok {
		return TaskConfig{}, fmt.Errorf("%w: %q", ErrConfigMissing, task)
	}
	return cfg, nil
}

// Tasks returns the known task names (for diagnostics endpoints).
func (r *Registry) Tasks() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}
