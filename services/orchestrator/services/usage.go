// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements per-turn token accounting into InfluxDB. Recording is
// soft: a missing or failing sink never affects the streamed reply.
package services

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/engine"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxUsageRecorder writes one measurement point per completed turn.
type InfluxUsageRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxUsageRecorderFromEnv builds a recorder from INFLUXDB_URL,
// INFLUXDB_TOKEN, INFLUXDB_ORG, and INFLUXDB_BUCKET. Returns nil when the
// URL or token is unset, which disables usage accounting.
func NewInfluxUsageRecorderFromEnv() *InfluxUsageRecorder {
	url := os.Getenv("INFLUXDB_URL")
	token := os.Getenv("INFLUXDB_TOKEN")
	if url == "" || token == "" {
		slog.Info("InfluxDB not configured, usage accounting disabled")
		return nil
	}
	org := envOrDefault("INFLUXDB_ORG", "tidewater")
	bucket := envOrDefault("INFLUXDB_BUCKET", "chat_usage")

	client := influxdb2.NewClient(url, token)
	slog.Info("Usage accounting enabled", "url", url, "org", org, "bucket", bucket)
	return &InfluxUsageRecorder{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

// RecordTurn writes one chat_usage point tagged by model and user.
func (r *InfluxUsageRecorder) RecordTurn(ctx context.Context, requestID, userID, model string, usage llm.Usage) error {
	point := influxdb2.NewPoint(
		"chat_usage",
		map[string]string{
			"model":   model,
			"user_id": userID,
		},
		map[string]interface{}{
			"input_tokens":     usage.InputTokens,
			"output_tokens":    usage.OutputTokens,
			"reasoning_tokens": usage.ReasoningTokens,
			"cached_tokens":    usage.CachedTokens,
			"request_id":       requestID,
		},
		time.Now(),
	)
	return r.write.WritePoint(ctx, point)
}

// Close flushes and releases the underlying client.
func (r *InfluxUsageRecorder) Close() {
	r.client.Close()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var _ engine.UsageRecorder = (*InfluxUsageRecorder)(nil)
