// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file defines the outbound wire protocol: newline-delimited JSON events
// streamed to the client in emission order. The protocol is owned by this
// service; clients (cmd/tidewater, the web UI) parse exactly these shapes.
package datatypes

// =============================================================================
// Wire Event Types
// =============================================================================

// WireEventType discriminates the outbound NDJSON event lines.
type WireEventType string

const (
	WireEventModelInfo WireEventType = "model_info"
	WireEventStatus    WireEventType = "status"
	WireEventToken     WireEventType = "token"
	WireEventPreamble  WireEventType = "preamble_delta"
	WireEventMeta      WireEventType = "meta"
	WireEventError     WireEventType = "error"
	WireEventDone      WireEventType = "done"
)

// StatusType discriminates status events (tool lifecycle and keepalives).
type StatusType string

const (
	StatusSearchStart      StatusType = "search_start"
	StatusSearchProgress   StatusType = "search_progress"
	StatusSearchDomain     StatusType = "search_domain"
	StatusSearchComplete   StatusType = "search_complete"
	StatusFileStart        StatusType = "file_start"
	StatusFileComplete     StatusType = "file_complete"
	StatusCodeExecStart    StatusType = "code_exec_start"
	StatusCodeExecProgress StatusType = "code_exec_progress"
	StatusCodeExecComplete StatusType = "code_exec_complete"
	StatusToolError        StatusType = "tool_error"
	StatusPing             StatusType = "ping"
)

// =============================================================================
// Wire Event Payloads
// =============================================================================

// ModelInfo is emitted once, early, before the first token, so the client can
// render the model badge while streaming is still in flight.
type ModelInfo struct {
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// StatusEvent reports tool-call lifecycle transitions and keepalive pings.
//
// For search tool calls, every distinct source domain discovered is reported
// exactly once per request, in first-seen order, via StatusSearchDomain.
type StatusEvent struct {
	Type   StatusType `json:"type"`
	CallID string     `json:"call_id,omitempty"`
	Domain string     `json:"domain,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// ContextUsage reports, for observability, how much of the conversation
// history survived the token ceiling.
type ContextUsage struct {
	CeilingTokens int    `json:"ceiling_tokens"`
	UsedTokens    int    `json:"used_tokens"`
	KeptMessages  int    `json:"kept_messages"`
	TotalMessages int    `json:"total_messages"`
	SourceTag     string `json:"source_tag"`
}

// MetaEvent is the terminal success payload, emitted exactly once before the
// done event. It carries everything the client needs to reconcile its local
// view with the durable store.
type MetaEvent struct {
	AssistantMessageID string          `json:"assistant_message_id"`
	UserMessageID      string          `json:"user_message_id"`
	Model              string          `json:"model"`
	Metadata           MessageMetadata `json:"metadata"`
	ContextUsage       *ContextUsage   `json:"context_usage,omitempty"`
}

// WireEvent is one NDJSON line. Exactly one of the optional payloads is set,
// matching Type. Done is always the final line of a stream, success or not.
type WireEvent struct {
	Type      WireEventType `json:"type"`
	ModelInfo *ModelInfo    `json:"model_info,omitempty"`
	Status    *StatusEvent  `json:"status,omitempty"`
	Token     string        `json:"token,omitempty"`
	Preamble  string        `json:"preamble_delta,omitempty"`
	Meta      *MetaEvent    `json:"meta,omitempty"`
	Error     string        `json:"error,omitempty"`
	Done      bool          `json:"done,omitempty"`
}
