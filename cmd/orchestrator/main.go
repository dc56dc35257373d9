// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Tidewater streaming chat server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads connection settings from environment variables and starts the
// server; behavioral tunables hot-reload from TIDEWATER_CONFIG_PATH.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - TIDEWATER_CONFIG_PATH: tunables YAML file (optional)
//   - WEAVIATE_SERVICE_URL: Weaviate store URL (optional; lightweight mode
//     without it)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//     (default: tidewater-otel-collector:4317)
//   - GCS_ARTIFACT_BUCKET: bucket for durable sandbox file links (optional)
//   - LINK_DB_PATH: badger directory for the link map (default: ./data/links)
//   - AUTH_MODE: "none" or "header" (default: none)
//   - OPENAI_API_KEY: model provider credential (required)
//   - SEARCHPIPE_URL, SANDBOX_URL: collaborator service endpoints
//   - INFLUXDB_URL, INFLUXDB_TOKEN: usage accounting sink (optional)
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

	"github.com/AleutianAI/Tidewater/services/orchestrator"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := orchestrator.Config{
		Port:          getEnvInt("ORCHESTRATOR_PORT", 12210),
		ConfigPath:    os.Getenv("TIDEWATER_CONFIG_PATH"),
		WeaviateURL:   os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "tidewater-otel-collector:4317"),
		GCSBucket:     os.Getenv("GCS_ARTIFACT_BUCKET"),
		LinkDBPath:    getEnvString("LINK_DB_PATH", "./data/links"),
		AuthMode:      getEnvString("AUTH_MODE", "none"),
		GinMode:       os.Getenv("GIN_MODE"),
		EnableMetrics: true,
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"weaviate_url", cfg.WeaviateURL,
		"config_path", cfg.ConfigPath,
		"auth_mode", cfg.AuthMode,
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
