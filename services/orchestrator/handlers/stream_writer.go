// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing NDJSON wire events to HTTP
// responses.
//
// # Description
//
// StreamWriter abstracts event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Each wire event is
// written as a single JSON object terminated by a newline and flushed
// immediately, so clients render tokens as they arrive.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The streaming engine and
// pre-stream orchestration phases may emit events from different goroutines.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
//   - Response headers must be set before the first write
//
// # Assumptions
//
//   - Caller has set Content-Type: application/x-ndjson before writing
//   - Caller has disabled proxy buffering (X-Accel-Buffering: no)
type StreamWriter interface {
	// Send writes one wire event as an NDJSON line and flushes.
	// A non-nil error means the client connection is gone.
	Send(ev *datatypes.WireEvent) error

	// SendStatus is a convenience wrapper for status events.
	SendStatus(statusType datatypes.StatusType, detail string) error

	// SendPing sends a keepalive status line during slow phases.
	SendPing() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// ndjsonWriter implements StreamWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher for immediate send
//   - mu: Mutex for thread-safe writes
type ndjsonWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - StreamWriter: Ready to write wire events.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &ndjsonWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Send writes one wire event as an NDJSON line and flushes immediately.
func (w *ndjsonWriter) Send(ev *datatypes.WireEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SendStatus writes a status event with the given type and detail.
func (w *ndjsonWriter) SendStatus(statusType datatypes.StatusType, detail string) error {
	return w.Send(&datatypes.WireEvent{
		Type:   datatypes.WireEventStatus,
		Status: &datatypes.StatusEvent{Type: statusType, Detail: detail},
	})
}

// SendPing writes a keepalive status line. Clients ignore pings; load
// balancers see traffic and keep the connection open.
func (w *ndjsonWriter) SendPing() error {
	return w.SendStatus(datatypes.StatusPing, "")
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures HTTP response headers for NDJSON streaming.
//
// Must be called before writing any response body. X-Accel-Buffering
// disables nginx response buffering, which would otherwise hold tokens back.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*ndjsonWriter)(nil)
