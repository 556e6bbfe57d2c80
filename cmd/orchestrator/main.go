// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Meridian orchestrator HTTP server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: LLM provider - local, openai, ollama, claude (default: ollama)
//   - WEAVIATE_SERVICE_URL: Weaviate case corpus URL (default: http://localhost:8080)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: meridian-otel-collector:4317)
//   - MERIDIAN_API_KEY: API key for the /v1 surface (empty disables auth)
//   - MERIDIAN_AUDIT_DIR: Badger directory for the security audit log (default: ./data/audit)
//   - MERIDIAN_VOCABULARY_PATH: clinical vocabulary override file (optional)
//   - MERIDIAN_POLICY_PATH: risk-classification rules override file (optional)
//   - MERIDIAN_LOG_LEVEL: minimum log level - debug, info, warn, error (default: info)
//   - MERIDIAN_LOG_DIR: directory for JSON log files (default: stderr only)
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/MeridianFOSS/pkg/logging"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("MERIDIAN_LOG_LEVEL")),
		LogDir:  os.Getenv("MERIDIAN_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := orchestrator.Config{
		Port:           getEnvInt("ORCHESTRATOR_PORT", 12210),
		LLMBackend:     getEnvString("LLM_BACKEND_TYPE", "ollama"),
		WeaviateURL:    getEnvString("WEAVIATE_SERVICE_URL", "http://localhost:8080"),
		OTelEndpoint:   getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "meridian-otel-collector:4317"),
		APIKey:         os.Getenv("MERIDIAN_API_KEY"),
		AuditDir:       getEnvString("MERIDIAN_AUDIT_DIR", "./data/audit"),
		VocabularyPath: os.Getenv("MERIDIAN_VOCABULARY_PATH"),
		PolicyPath:     os.Getenv("MERIDIAN_POLICY_PATH"),
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

	// Run the server (blocks until shutdown)
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
