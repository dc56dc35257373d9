// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox talks to the code-execution runner service and turns the
// transient files a sandbox run produces into durable download links.
//
// Containers are created lazily, at most one per conversation, and the
// container id is persisted on the conversation so later turns reuse it.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tidewater.sandbox")

// Runner is the contract for the sandbox runner service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	// EnsureContainer returns a running container id for the conversation,
	// creating one on first call. The runner keys containers by conversation
	// id, so duplicate requests racing for the same conversation converge on
	// one container.
	EnsureContainer(ctx context.Context, conversationID string) (string, error)

	// FetchFile streams a file out of the container. The caller owns closing
	// the returned reader.
	FetchFile(ctx context.Context, containerID, path string) (io.ReadCloser, error)
}

// HTTPRunner is the production Runner backed by the sandbox runner service.
type HTTPRunner struct {
	baseURL string
	http    *http.Client
}

var _ Runner = (*HTTPRunner)(nil)

// NewHTTPRunner reads the runner endpoint from SANDBOX_URL, defaulting to the
// in-cluster service address.
func NewHTTPRunner() *HTTPRunner {
	baseURL := os.Getenv("SANDBOX_URL")
	if baseURL == "" {
		baseURL = "http://tidewater-sandbox:8000"
		slog.Warn("SANDBOX_URL not set, using default", "url", baseURL)
	}
	return &HTTPRunner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRunner) EnsureContainer(ctx context.Context, conversationID string) (string, error) {
	ctx, span := tracer.Start(ctx, "sandbox.EnsureContainer")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	payload, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal container request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/containers",
		strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "container request failed")
		return "", fmt.Errorf("sandbox runner request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sandbox runner returned status %d: %s", resp.StatusCode, string(body))
	}
	var parsed struct {
		ContainerID string `json:"container_id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse container response: %w", err)
	}
	if parsed.ContainerID == "" {
		return "", fmt.Errorf("sandbox runner returned empty container id")
	}
	span.SetAttributes(attribute.String("sandbox.container_id", parsed.ContainerID))
	return parsed.ContainerID, nil
}

func (r *HTTPRunner) FetchFile(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "sandbox.FetchFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("sandbox.container_id", containerID),
		attribute.String("sandbox.path", path),
	)

	fileURL := fmt.Sprintf("%s/containers/%s/files?path=%s",
		r.baseURL, url.PathEscape(containerID), url.QueryEscape(path))
	httpReq, err := http.NewRequestWithContext(ctx, "GET", fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := r.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "file fetch failed")
		return nil, fmt.Errorf("sandbox file fetch failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("sandbox runner returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
