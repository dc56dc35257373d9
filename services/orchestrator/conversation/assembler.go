// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation assembles bounded model context from conversation
// history.
//
// Two interchangeable strategies implement the Assembler interface: a
// recency window over raw messages, and a topic-structured selection that
// trades raw recency for topic and artifact relevance. Both enforce the same
// token discipline: the estimated cost of everything returned never exceeds
// the caller's ceiling, and overflow is handled by silent truncation with the
// kept fraction reported for observability, never by an error.
package conversation

import (
	"context"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tidewater.orchestrator.conversation")

// Turn is one ordered context entry handed to the model provider.
type Turn struct {
	Role    datatypes.Role
	Content string
}

// Options tunes one assembly call.
//
// ExternalConversations follows a three-state convention: nil means "use the
// default inclusion policy", an explicitly empty slice means "include no
// other conversations", and a non-empty slice restricts inclusion to the
// listed conversation ids.
type Options struct {
	UserID string

	// Prompt is the current user text, used by the topic-structured strategy
	// for relevance scoring. The recency strategy ignores it.
	Prompt string

	ExternalConversations []string
	LookbackDays          int
	PerChatTokenCap       int
}

// Assembly is the bounded, ordered context selected for one request.
type Assembly struct {
	Turns              []Turn
	IncludedTopicIDs   []string
	IncludedMessageIDs []string

	// SourceTag names the strategy that produced this assembly.
	SourceTag string

	// TotalMessages and KeptMessages report the truncation ratio; UsedTokens
	// is the estimated cost of all returned turns.
	TotalMessages int
	KeptMessages  int
	UsedTokens    int
}

// Assembler selects and orders prior turns under a token ceiling.
//
// Implementations never fail on budget overflow; an error indicates a store
// failure only.
type Assembler interface {
	Assemble(ctx context.Context, conversationID string, ceilingTokens int, opts Options) (*Assembly, error)
}

// Default inclusion policy for cross-conversation context.
const (
	defaultLookbackDays    = 14
	defaultPerChatTokenCap = 512

	// externalMessageFetchLimit bounds how many candidate messages are pulled
	// from the store per assembly before token discipline is applied.
	externalMessageFetchLimit = 200
)
