// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package searchpipe is the HTTP client for the evidence pipeline service.
//
// The pipeline owns the durable per-conversation evidence index: uploaded
// documents are chunked, embedded, and stored there once, then queried on
// later turns without re-ingestion. This client exposes the operations the
// orchestrator needs: ensure an index exists, retrieve scored chunks for a
// query, and ingest chunked content produced during a turn.
package searchpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tidewater.searchpipe")

// Retry configuration.
const (
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
)

// =============================================================================
// Types
// =============================================================================

// Chunk is one scored piece of evidence returned by the pipeline.
type Chunk struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// RetrievalRequest is the query sent to the pipeline's retrieve endpoint.
type RetrievalRequest struct {
	Query     string `json:"query"`
	IndexID   string `json:"index_id"`
	MaxChunks int    `json:"max_chunks,omitempty"`
}

// RetrievalResult holds the pipeline's answer to one retrieval query.
//
// TopScore is the highest chunk relevance score; the Evidence Gate compares it
// against its sufficiency threshold. Sources lists the distinct chunk sources
// in score order for citation metadata.
type RetrievalResult struct {
	Chunks      []Chunk  `json:"chunks"`
	ContextText string   `json:"context_text"`
	TopScore    float64  `json:"top_score"`
	Sources     []string `json:"sources"`
}

// IndexChunk is one pre-chunked document piece submitted for ingestion.
// Source identifies where the chunk came from (an artifact id, a file path)
// and is echoed back on retrieval for citation.
type IndexChunk struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Progress reports a pipeline stage transition while a retrieval is running.
// The orchestrator relays these to the client as status events.
type Progress struct {
	Stage  string
	Detail string
}

// ProgressFunc receives progress callbacks on the calling goroutine.
type ProgressFunc func(p Progress)

// PipelineError wraps HTTP errors from the evidence pipeline with enough
// structure for the caller to decide between retry and fallback.
type PipelineError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("evidence pipeline error (status %d): %s", e.StatusCode, e.Message)
}

// =============================================================================
// Client
// =============================================================================

// Retriever is the contract the Evidence Gate depends on.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Retriever interface {
	// EnsureIndex returns the durable evidence index id for a conversation,
	// creating one on first call. Idempotent: repeated calls for the same
	// conversation return the same id.
	EnsureIndex(ctx context.Context, conversationID string) (string, error)

	// Retrieve queries the index and returns scored chunks. onProgress may be
	// nil. A cancelled ctx aborts in-flight attempts and pending backoff.
	Retrieve(ctx context.Context, req *RetrievalRequest, onProgress ProgressFunc) (*RetrievalResult, error)
}

// Indexer is the optional ingestion side of the pipeline. The orchestrator's
// enrichment phase feeds produced artifacts back into the conversation's
// index so later turns can retrieve them as evidence.
type Indexer interface {
	// IndexChunks ingests pre-chunked content into an existing index.
	// Idempotent per (index, source, chunk) triple on the pipeline side.
	IndexChunks(ctx context.Context, indexID string, chunks []IndexChunk) error
}

// Client is the production Retriever backed by the evidence pipeline service.
type Client struct {
	baseURL string
	http    *http.Client
}

var (
	_ Retriever = (*Client)(nil)
	_ Indexer   = (*Client)(nil)
)

// NewClient reads the pipeline endpoint from SEARCHPIPE_URL, defaulting to
// the in-cluster service address.
func NewClient() *Client {
	baseURL := os.Getenv("SEARCHPIPE_URL")
	if baseURL == "" {
		baseURL = "http://tidewater-searchpipe:8000"
		slog.Warn("SEARCHPIPE_URL not set, using default", "url", baseURL)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// EnsureIndex creates or looks up the conversation's evidence index.
func (c *Client) EnsureIndex(ctx context.Context, conversationID string) (string, error) {
	ctx, span := tracer.Start(ctx, "searchpipe.EnsureIndex")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	payload, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal index request: %w", err)
	}
	body, err := c.post(ctx, "/evidence/index", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index creation failed")
		return "", err
	}
	var resp struct {
		IndexID string `json:"index_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse index response: %w", err)
	}
	if resp.IndexID == "" {
		return "", fmt.Errorf("evidence pipeline returned empty index id")
	}
	span.SetAttributes(attribute.String("evidence.index_id", resp.IndexID))
	return resp.IndexID, nil
}

// IndexChunks submits chunked content for ingestion. Not retried: ingestion
// runs in detached enrichment where a miss only delays availability until the
// next artifact write.
func (c *Client) IndexChunks(ctx context.Context, indexID string, chunks []IndexChunk) error {
	ctx, span := tracer.Start(ctx, "searchpipe.IndexChunks")
	defer span.End()
	span.SetAttributes(
		attribute.String("evidence.index_id", indexID),
		attribute.Int("evidence.chunks", len(chunks)),
	)

	if indexID == "" {
		return fmt.Errorf("index id is required")
	}
	if len(chunks) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"index_id": indexID,
		"chunks":   chunks,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ingest request: %w", err)
	}
	if _, err := c.post(ctx, "/evidence/ingest", payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion failed")
		return err
	}
	return nil
}

// Retrieve queries the evidence index with retries and exponential backoff.
// Only transient upstream failures (502/503/504, network errors) are retried.
func (c *Client) Retrieve(ctx context.Context, req *RetrievalRequest, onProgress ProgressFunc) (*RetrievalResult, error) {
	ctx, span := tracer.Start(ctx, "searchpipe.Retrieve")
	defer span.End()

	if req == nil || req.Query == "" {
		err := fmt.Errorf("query is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty query")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("evidence.index_id", req.IndexID),
		attribute.Int("evidence.max_chunks", req.MaxChunks),
	)

	progress := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}
	progress(Progress{Stage: "query"})

	var lastErr error
	retryDelay := initialRetryDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", retryDelay.String()),
			))
			slog.Info("Retrying evidence retrieval",
				"attempt", attempt, "delay", retryDelay, "lastError", lastErr)
			progress(Progress{Stage: "retry", Detail: fmt.Sprintf("attempt %d", attempt+1)})

			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		result, err := c.callRetrieve(ctx, req)
		if err == nil {
			span.SetAttributes(
				attribute.Int("evidence.chunks", len(result.Chunks)),
				attribute.Float64("evidence.top_score", result.TopScore),
			)
			progress(Progress{Stage: "complete", Detail: fmt.Sprintf("%d chunks", len(result.Chunks))})
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable error")
			return nil, err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return nil, fmt.Errorf("evidence retrieval failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) callRetrieve(ctx context.Context, req *RetrievalRequest) (*RetrievalResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retrieval request: %w", err)
	}
	body, err := c.post(ctx, "/evidence/retrieve", payload)
	if err != nil {
		return nil, err
	}
	var result RetrievalResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse retrieval response: %w", err)
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &PipelineError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}
	return body, nil
}

func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
