// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the DealerLens answer service.
//
// Configuration comes from environment variables:
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: preferred LLM provider - openai, ollama (default: openai)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (required)
//   - REDIS_URL: session store URL (default: redis://localhost:6379/0)
//   - POSTGRES_URL: DSN for the structured SQL path (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: dealerlens-otel-collector:4317)
//   - DEALERLENS_MODEL_CONFIG: YAML overriding the per-task model registry (optional)
//   - CACHE_SIMILARITY_THRESHOLD: semantic cache bar, clamped to [0.90, 0.99] (default: 0.96)
//   - DEALERLENS_LOG_DIR: directory for JSON log files (optional)
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	./orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/DealerLens/dealerlens/pkg/logging"
	"github.com/DealerLens/dealerlens/services/orchestrator"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("DEALERLENS_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := orchestrator.Config{
		Port:            getEnvInt("ORCHESTRATOR_PORT", 12310),
		LLMBackend:      getEnvString("LLM_BACKEND_TYPE", "openai"),
		WeaviateURL:     os.Getenv("WEAVIATE_SERVICE_URL"),
		RedisURL:        getEnvString("REDIS_URL", "redis://localhost:6379/0"),
		PostgresURL:     os.Getenv("POSTGRES_URL"),
		OTelEndpoint:    getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "dealerlens-otel-collector:4317"),
		ModelConfigPath: os.Getenv("DEALERLENS_MODEL_CONFIG"),
		CacheThreshold:  getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0),
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
