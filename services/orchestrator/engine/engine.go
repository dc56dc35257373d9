// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives one model stream from first byte to durable row.
//
// # Description
//
// The engine owns the lifecycle of a single assistant reply: it starts the
// provider stream, relays deltas to the client as wire events, inserts the
// placeholder assistant row at first-token time, and finalizes (or cleans up)
// that row when the stream ends. States progress STARTING to STREAMING to
// FINALIZING to DONE; client cancellation moves to ABORTED from any state.
//
// # Invariants
//
//   - The done wire event is emitted exactly once, as the final line,
//     on every terminal path that still has a client.
//   - The meta wire event is emitted exactly once, only on success,
//     immediately before done.
//   - No assistant row exists unless at least one text delta arrived.
//   - A tool call's completed status is relayed at most once per call id.
//   - Each distinct evidence source domain is announced at most once per
//     request, in first-seen order.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/observability"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"github.com/AleutianAI/Tidewater/services/sandbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tidewater.orchestrator.engine")

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultStartTimeout bounds the wait for the first provider event.
	DefaultStartTimeout = 30 * time.Second

	// DefaultKeepAliveInterval is how often a ping status is sent when the
	// provider is silent (deep reasoning, slow tool calls).
	DefaultKeepAliveInterval = 10 * time.Second

	// partialFlushTokens is how many text deltas may accumulate before the
	// placeholder row is patched with a partial-content snapshot.
	partialFlushTokens = 64

	// partialFlushInterval is the time bound on the same patching.
	partialFlushInterval = 2 * time.Second

	// startTimeoutFallback is streamed as an ordinary token when the
	// provider never produced a first event, so the client always renders
	// a complete human-readable reply. The failure surfaces to the caller,
	// never as an error line on the wire.
	startTimeoutFallback = "I wasn't able to reach the language model in time. Please try again in a moment."
)

// =============================================================================
// State Machine
// =============================================================================

// State is the engine's position in the stream lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// EventSink receives outbound wire events in emission order. The NDJSON
// stream writer implements this; a Send error means the client is gone.
type EventSink interface {
	Send(ev *datatypes.WireEvent) error
}

// UsageRecorder receives per-turn token usage. Recording failures are soft;
// the engine logs and continues.
type UsageRecorder interface {
	RecordTurn(ctx context.Context, requestID, userID, model string, usage llm.Usage) error
}

// =============================================================================
// Engine
// =============================================================================

// Config wires the engine's collaborators. Store is required; the rest
// degrade gracefully when nil.
type Config struct {
	Store   store.Store
	Links   *sandbox.LinkMap
	Runner  sandbox.Runner
	Usage   UsageRecorder
	Metrics *observability.StreamingMetrics

	StartTimeout      time.Duration
	KeepAliveInterval time.Duration

	// NewAccumulator defaults to NewSecureTokenAccumulator.
	NewAccumulator AccumulatorFactory
}

// Engine runs provider streams. Safe for concurrent use; all per-request
// state lives in Run.
type Engine struct {
	cfg Config
}

// New creates an engine, applying defaults for unset tuning fields.
func New(cfg Config) *Engine {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.NewAccumulator == nil {
		cfg.NewAccumulator = NewSecureTokenAccumulator
	}
	return &Engine{cfg: cfg}
}

// RunInput is one fully prepared turn: the model invocation plus the durable
// identifiers the finalized row must carry.
type RunInput struct {
	RequestID      string
	UserID         string
	ConversationID string
	UserMessageID  string
	TopicID        string

	// ContainerID is the conversation's existing sandbox container, if one
	// was provisioned on an earlier turn. When empty, the engine provisions
	// one lazily on the first code execution and persists its id onto the
	// conversation metadata.
	ContainerID string

	// EvidenceSources is persisted onto the finalized message metadata.
	EvidenceSources []string

	// ContextUsage is echoed to the client in the meta event.
	ContextUsage *datatypes.ContextUsage

	Client  llm.ModelClient
	Request llm.ResponseRequest
}

// Result reports the terminal outcome of one run.
type Result struct {
	Status             State
	AssistantMessageID string
	FinalText          string
	Reasoning          string
	Usage              llm.Usage
}

// runState is the mutable per-request state threaded through the loop.
type runState struct {
	state        State
	startedAt    time.Time
	firstTokenAt time.Time

	assistantID string
	inserted    bool
	containerID string

	acc       TokenAccumulator
	reasoning strings.Builder
	finalText string
	usage     llm.Usage

	completedCalls map[string]bool
	seenDomains    map[string]bool

	tokensSinceFlush int
	lastFlushAt      time.Time
	lastEventAt      time.Time
}

// Run drives one provider stream to a terminal state.
//
// # Description
//
// Emits model_info first, then relays provider events as wire events until
// the stream ends. On success the placeholder row is finalized in place and
// meta plus done are emitted. A provider failure before the first event
// degrades to a fallback token plus done, with no error line; a mid-stream
// failure persists the partial content before the error line. Client cancellation
// (ctx done or a sink write failure) aborts: partial content is persisted if
// a placeholder exists, and the row is deleted if nothing was accumulated.
//
// # Outputs
//
//   - *Result: Terminal status and the finalized reply, for post-stream
//     enrichment. Never nil.
//   - error: Non-nil on provider or persistence failure. Aborts are not
//     errors.
func (e *Engine) Run(ctx context.Context, in RunInput, sink EventSink) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.request_id", in.RequestID),
		attribute.String("chat.conversation_id", in.ConversationID),
		attribute.String("chat.model", in.Request.Model),
	)

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.StreamStarted()
		defer e.cfg.Metrics.StreamEnded()
	}

	// Step 1: Announce the routed model before any token.
	if err := sink.Send(&datatypes.WireEvent{
		Type: datatypes.WireEventModelInfo,
		ModelInfo: &datatypes.ModelInfo{
			Model:           in.Request.Model,
			ReasoningEffort: in.Request.ReasoningEffort,
		},
	}); err != nil {
		return e.abort(ctx, in, nil, span, true)
	}

	acc, err := e.cfg.NewAccumulator()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accumulator allocation failed")
		e.failBeforeStream(sink)
		return &Result{Status: StateDone}, fmt.Errorf("allocating accumulator: %w", err)
	}
	defer acc.Destroy()

	rs := &runState{
		state:          StateStarting,
		startedAt:      time.Now(),
		containerID:    in.ContainerID,
		acc:            acc,
		completedCalls: make(map[string]bool),
		seenDomains:    make(map[string]bool),
		lastFlushAt:    time.Now(),
		lastEventAt:    time.Now(),
	}

	// Step 2: Start the provider stream on its own goroutine. The callback
	// runs on the provider's read loop; the buffered channel applies
	// backpressure.
	providerCtx, cancelProvider := context.WithCancel(ctx)
	defer cancelProvider()

	events := make(chan llm.ProviderEvent, 64)
	streamErr := make(chan error, 1)
	go func() {
		err := in.Client.StreamResponse(providerCtx, in.Request, func(ev llm.ProviderEvent) {
			select {
			case events <- ev:
			case <-providerCtx.Done():
			}
		})
		close(events)
		streamErr <- err
	}()

	startTimer := time.NewTimer(e.cfg.StartTimeout)
	defer startTimer.Stop()
	keepAlive := time.NewTicker(e.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	// Step 3: Relay events until the stream drains or the client goes away.
	startC := startTimer.C
	for {
		select {
		case <-ctx.Done():
			cancelProvider()
			return e.abort(ctx, in, rs, span, false)

		case <-startC:
			// No provider event within the start budget.
			cancelProvider()
			span.SetStatus(codes.Error, "start timeout")
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordError(observability.ErrorCodeUpstreamUnavailable)
				e.cfg.Metrics.RecordRequest("error")
				e.cfg.Metrics.RecordStreamDuration(time.Since(rs.startedAt).Seconds(), "error")
			}
			e.failBeforeStream(sink)
			return &Result{Status: StateDone}, fmt.Errorf("provider start timeout after %s", e.cfg.StartTimeout)

		case <-keepAlive.C:
			if time.Since(rs.lastEventAt) < e.cfg.KeepAliveInterval {
				continue
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordKeepAlive()
			}
			if err := sink.Send(&datatypes.WireEvent{
				Type:   datatypes.WireEventStatus,
				Status: &datatypes.StatusEvent{Type: datatypes.StatusPing},
			}); err != nil {
				cancelProvider()
				return e.abort(ctx, in, rs, span, true)
			}

		case ev, ok := <-events:
			if !ok {
				err := <-streamErr
				if ctx.Err() != nil {
					return e.abort(ctx, in, rs, span, false)
				}
				if err != nil {
					return e.failStream(ctx, in, rs, sink, span, err)
				}
				return e.finalize(ctx, in, rs, sink, span)
			}
			rs.lastEventAt = time.Now()
			if rs.state == StateStarting {
				rs.state = StateStreaming
				startC = nil
			}
			if err := e.handleEvent(ctx, in, rs, sink, ev); err != nil {
				cancelProvider()
				if _, isSend := err.(*sinkError); isSend {
					return e.abort(ctx, in, rs, span, true)
				}
				return e.failStream(ctx, in, rs, sink, span, err)
			}
		}
	}
}

// sinkError wraps a Send failure so the loop can tell a gone client apart
// from a provider or accumulator failure.
type sinkError struct{ err error }

func (s *sinkError) Error() string { return s.err.Error() }

// =============================================================================
// Event Handling
// =============================================================================

// handleEvent relays one provider event, updating per-request state.
func (e *Engine) handleEvent(ctx context.Context, in RunInput, rs *runState, sink EventSink, ev llm.ProviderEvent) error {
	switch ev.Kind {
	case llm.EventTextDelta:
		return e.handleTextDelta(ctx, in, rs, sink, ev.Text)

	case llm.EventReasoningDelta:
		rs.reasoning.WriteString(ev.Text)
		if err := sink.Send(&datatypes.WireEvent{
			Type:     datatypes.WireEventPreamble,
			Preamble: ev.Text,
		}); err != nil {
			return &sinkError{err}
		}
		return nil

	case llm.EventToolLifecycle:
		return e.handleToolLifecycle(ctx, in, rs, sink, ev)

	case llm.EventFinalResponse:
		rs.finalText = ev.FinalText
		rs.usage = ev.Usage
		return nil

	default:
		slog.Warn("Unknown provider event kind", "kind", ev.Kind)
		return nil
	}
}

// handleTextDelta accumulates and relays one token, inserting the placeholder
// row on the first one.
func (e *Engine) handleTextDelta(ctx context.Context, in RunInput, rs *runState, sink EventSink, token string) error {
	if token == "" {
		return nil
	}

	if !rs.inserted && rs.assistantID == "" {
		rs.firstTokenAt = time.Now()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordTimeToFirstToken(rs.firstTokenAt.Sub(rs.startedAt).Seconds())
		}
		e.insertPlaceholder(ctx, in, rs)
	}

	if err := rs.acc.Write(token); err != nil {
		return fmt.Errorf("accumulating token: %w", err)
	}
	if err := sink.Send(&datatypes.WireEvent{
		Type:  datatypes.WireEventToken,
		Token: token,
	}); err != nil {
		return &sinkError{err}
	}

	rs.tokensSinceFlush++
	if rs.inserted &&
		(rs.tokensSinceFlush >= partialFlushTokens || time.Since(rs.lastFlushAt) >= partialFlushInterval) {
		e.flushPartial(ctx, in, rs)
	}
	return nil
}

// insertPlaceholder creates the assistant row at first-token time. Failure is
// soft: streaming continues and finalize inserts the full row instead.
func (e *Engine) insertPlaceholder(ctx context.Context, in RunInput, rs *runState) {
	rs.assistantID = datatypes.NewID()
	msg := &datatypes.Message{
		ID:             rs.assistantID,
		ConversationID: in.ConversationID,
		Role:           datatypes.RoleAssistant,
		TopicID:        in.TopicID,
		Metadata: datatypes.MessageMetadata{
			Model:           in.Request.Model,
			ReasoningEffort: in.Request.ReasoningEffort,
			Partial:         true,
		},
		CreatedAt: datatypes.NowMillis(),
	}
	if err := e.cfg.Store.InsertMessage(ctx, msg); err != nil {
		slog.Warn("Placeholder insert failed, will insert on finalize",
			"request_id", in.RequestID,
			"error", err,
		)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordError(observability.ErrorCodeCollaboratorSoft)
		}
		return
	}
	rs.inserted = true
}

// flushPartial patches the placeholder row with the content so far, keeping
// it queryable mid-stream. Best effort.
func (e *Engine) flushPartial(ctx context.Context, in RunInput, rs *runState) {
	rs.tokensSinceFlush = 0
	rs.lastFlushAt = time.Now()

	snapshot, err := rs.acc.Snapshot()
	if err != nil {
		return
	}
	if err := e.cfg.Store.UpdateMessage(ctx, rs.assistantID, store.MessagePatch{
		Content: &snapshot,
	}); err != nil {
		slog.Warn("Partial content flush failed",
			"request_id", in.RequestID,
			"message_id", rs.assistantID,
			"error", err,
		)
	}
}

// handleToolLifecycle relays a tool transition, deduplicating completions per
// call id and announcing each source domain once in first-seen order. The
// first code execution of a conversation also provisions its sandbox
// container.
func (e *Engine) handleToolLifecycle(ctx context.Context, in RunInput, rs *runState, sink EventSink, ev llm.ProviderEvent) error {
	if ev.Tool == llm.ToolCodeExec && ev.Phase == llm.ToolPhaseStarted {
		e.ensureContainer(ctx, in, rs)
	}
	if ev.Phase == llm.ToolPhaseCompleted {
		if rs.completedCalls[ev.CallID] {
			return nil
		}
		rs.completedCalls[ev.CallID] = true
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordToolCall(string(ev.Tool), string(ev.Phase))
	}

	if ev.Tool == llm.ToolWebSearch && ev.Domain != "" && !rs.seenDomains[ev.Domain] {
		rs.seenDomains[ev.Domain] = true
		if err := sink.Send(&datatypes.WireEvent{
			Type: datatypes.WireEventStatus,
			Status: &datatypes.StatusEvent{
				Type:   datatypes.StatusSearchDomain,
				CallID: ev.CallID,
				Domain: ev.Domain,
			},
		}); err != nil {
			return &sinkError{err}
		}
	}

	statusType := statusForTool(ev.Tool, ev.Phase)
	if statusType == "" {
		return nil
	}
	if err := sink.Send(&datatypes.WireEvent{
		Type: datatypes.WireEventStatus,
		Status: &datatypes.StatusEvent{
			Type:   statusType,
			CallID: ev.CallID,
			Detail: ev.Detail,
		},
	}); err != nil {
		return &sinkError{err}
	}
	return nil
}

// ensureContainer lazily provisions the conversation's sandbox container and
// persists its id, so later turns reuse the same container. The metadata
// write is an idempotent upsert keyed by conversation id; duplicate requests
// racing here converge on the runner's answer. Failure is soft: the run
// proceeds and sandbox file references stay unrewritten.
func (e *Engine) ensureContainer(ctx context.Context, in RunInput, rs *runState) {
	if rs.containerID != "" || e.cfg.Runner == nil {
		return
	}
	id, err := e.cfg.Runner.EnsureContainer(ctx, in.ConversationID)
	if err != nil {
		slog.Warn("Sandbox container unavailable",
			"conversation_id", in.ConversationID, "error", err)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordError(observability.ErrorCodeCollaboratorSoft)
		}
		return
	}
	rs.containerID = id

	if err := e.cfg.Store.MergeConversationMetadata(ctx, in.ConversationID, map[string]any{
		datatypes.MetaKeySandboxContainer: id,
	}); err != nil {
		slog.Warn("Persisting sandbox container id failed",
			"conversation_id", in.ConversationID, "error", err)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordError(observability.ErrorCodeCollaboratorSoft)
		}
	}
}

// statusForTool maps a provider tool transition onto the wire status
// vocabulary. An empty result means the transition has no wire equivalent.
func statusForTool(tool llm.Tool, phase llm.ToolPhase) datatypes.StatusType {
	if phase == llm.ToolPhaseFailed {
		return datatypes.StatusToolError
	}
	switch tool {
	case llm.ToolWebSearch:
		switch phase {
		case llm.ToolPhaseStarted:
			return datatypes.StatusSearchStart
		case llm.ToolPhaseProgress:
			return datatypes.StatusSearchProgress
		case llm.ToolPhaseCompleted:
			return datatypes.StatusSearchComplete
		}
	case llm.ToolFileOps:
		switch phase {
		case llm.ToolPhaseStarted:
			return datatypes.StatusFileStart
		case llm.ToolPhaseCompleted:
			return datatypes.StatusFileComplete
		}
	case llm.ToolCodeExec:
		switch phase {
		case llm.ToolPhaseStarted:
			return datatypes.StatusCodeExecStart
		case llm.ToolPhaseProgress:
			return datatypes.StatusCodeExecProgress
		case llm.ToolPhaseCompleted:
			return datatypes.StatusCodeExecComplete
		}
	}
	return ""
}

// =============================================================================
// Terminal Paths
// =============================================================================

// finalize persists the completed reply and emits meta plus done.
func (e *Engine) finalize(ctx context.Context, in RunInput, rs *runState, sink EventSink, span trace.Span) (*Result, error) {
	rs.state = StateFinalizing

	content, contentHash, err := rs.acc.Finalize()
	if err != nil {
		return e.failStream(ctx, in, rs, sink, span, fmt.Errorf("finalizing accumulator: %w", err))
	}
	if content == "" && rs.finalText != "" {
		// Providers that buffer the whole reply into the final event.
		content = rs.finalText
		sum := sha256.Sum256([]byte(content))
		contentHash = hex.EncodeToString(sum[:])
	}

	// Step 1: Rewrite sandbox file references into durable URLs.
	if e.cfg.Links != nil && rs.containerID != "" {
		content = e.cfg.Links.RewriteRefs(ctx, e.cfg.Runner, rs.containerID, content)
	}

	meta := datatypes.MessageMetadata{
		Model:           in.Request.Model,
		ReasoningEffort: in.Request.ReasoningEffort,
		Reasoning:       rs.reasoning.String(),
		EvidenceSources: in.EvidenceSources,
		ContentHash:     contentHash,
		InputTokens:     rs.usage.InputTokens,
		OutputTokens:    rs.usage.OutputTokens,
		DurationMs:      time.Since(rs.startedAt).Milliseconds(),
	}
	if !rs.firstTokenAt.IsZero() {
		meta.TimeToFirstMs = rs.firstTokenAt.Sub(rs.startedAt).Milliseconds()
	}

	// Step 2: Finalize the row in place, or insert it whole if the
	// placeholder write failed earlier.
	if rs.inserted {
		err = e.cfg.Store.UpdateMessage(ctx, rs.assistantID, store.MessagePatch{
			Content:  &content,
			Metadata: &meta,
		})
	} else if content != "" {
		if rs.assistantID == "" {
			rs.assistantID = datatypes.NewID()
		}
		err = e.cfg.Store.InsertMessage(ctx, &datatypes.Message{
			ID:             rs.assistantID,
			ConversationID: in.ConversationID,
			Role:           datatypes.RoleAssistant,
			Content:        content,
			Metadata:       meta,
			TopicID:        in.TopicID,
			CreatedAt:      datatypes.NowMillis(),
		})
	}
	if err != nil {
		return e.failStream(ctx, in, rs, sink, span, fmt.Errorf("persisting reply: %w", err))
	}

	// Step 3: Token accounting is soft.
	if e.cfg.Usage != nil {
		if err := e.cfg.Usage.RecordTurn(ctx, in.RequestID, in.UserID, in.Request.Model, rs.usage); err != nil {
			slog.Warn("Usage recording failed", "request_id", in.RequestID, "error", err)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordError(observability.ErrorCodeCollaboratorSoft)
			}
		}
	}

	// Step 4: Meta exactly once, then done exactly once.
	metaErr := sink.Send(&datatypes.WireEvent{
		Type: datatypes.WireEventMeta,
		Meta: &datatypes.MetaEvent{
			AssistantMessageID: rs.assistantID,
			UserMessageID:      in.UserMessageID,
			Model:              in.Request.Model,
			Metadata:           meta,
			ContextUsage:       in.ContextUsage,
		},
	})
	if metaErr == nil {
		metaErr = sink.Send(&datatypes.WireEvent{Type: datatypes.WireEventDone, Done: true})
	}
	if metaErr != nil && e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordClientDisconnect()
	}

	rs.state = StateDone
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordRequest("success")
		e.cfg.Metrics.RecordStreamDuration(time.Since(rs.startedAt).Seconds(), "success")
		e.cfg.Metrics.RecordTokens(rs.usage.InputTokens, rs.usage.OutputTokens, in.Request.Model)
	}

	return &Result{
		Status:             StateDone,
		AssistantMessageID: rs.assistantID,
		FinalText:          content,
		Reasoning:          meta.Reasoning,
		Usage:              rs.usage,
	}, nil
}

// failStream handles a provider or persistence failure after streaming began:
// persist whatever arrived, then emit error and done.
func (e *Engine) failStream(ctx context.Context, in RunInput, rs *runState, sink EventSink, span trace.Span, cause error) (*Result, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "stream failed")

	code := observability.ErrorCodeMidStream
	if rs.state == StateStarting {
		code = observability.ErrorCodeUpstreamUnavailable
	}

	e.persistPartial(ctx, in, rs)

	if rs.state == StateStarting {
		e.failBeforeStream(sink)
	} else {
		if err := sink.Send(&datatypes.WireEvent{Type: datatypes.WireEventError, Error: "the reply was interrupted"}); err == nil {
			_ = sink.Send(&datatypes.WireEvent{Type: datatypes.WireEventDone, Done: true})
		}
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordError(code)
		e.cfg.Metrics.RecordRequest("error")
		e.cfg.Metrics.RecordStreamDuration(time.Since(rs.startedAt).Seconds(), "error")
	}
	return &Result{Status: StateDone, AssistantMessageID: rs.assistantID}, cause
}

// failBeforeStream emits the graceful no-first-token sequence: a fallback
// token so the client renders a complete reply, then done. No error event;
// before the first provider byte the failure is the engine's problem, not
// the client's.
func (e *Engine) failBeforeStream(sink EventSink) {
	if err := sink.Send(&datatypes.WireEvent{Type: datatypes.WireEventToken, Token: startTimeoutFallback}); err != nil {
		return
	}
	_ = sink.Send(&datatypes.WireEvent{Type: datatypes.WireEventDone, Done: true})
}

// abort handles client departure: no further wire events are owed, but the
// placeholder row must reflect reality. Rows with content survive as partial;
// empty placeholders are removed.
func (e *Engine) abort(ctx context.Context, in RunInput, rs *runState, span trace.Span, sinkFailed bool) (*Result, error) {
	span.SetAttributes(attribute.Bool("chat.aborted", true))

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordRequest("aborted")
		e.cfg.Metrics.RecordError(observability.ErrorCodeCancelled)
		if sinkFailed {
			e.cfg.Metrics.RecordClientDisconnect()
		}
		if rs != nil {
			e.cfg.Metrics.RecordStreamDuration(time.Since(rs.startedAt).Seconds(), "aborted")
		}
	}
	if rs == nil {
		return &Result{Status: StateAborted}, nil
	}

	rs.state = StateAborted
	e.persistPartial(ctx, in, rs)

	slog.Info("Stream aborted",
		"request_id", in.RequestID,
		"conversation_id", in.ConversationID,
		"message_id", rs.assistantID,
	)
	return &Result{Status: StateAborted, AssistantMessageID: rs.assistantID}, nil
}

// persistPartial reconciles the placeholder row on a non-success path. Runs
// on a cancellation-proof context so client departure cannot corrupt the
// store.
func (e *Engine) persistPartial(ctx context.Context, in RunInput, rs *runState) {
	if !rs.inserted {
		return
	}
	cleanupCtx := context.WithoutCancel(ctx)

	snapshot, err := rs.acc.Snapshot()
	if err != nil || snapshot == "" {
		if delErr := e.cfg.Store.DeleteMessage(cleanupCtx, rs.assistantID); delErr != nil {
			slog.Warn("Empty placeholder cleanup failed",
				"message_id", rs.assistantID, "error", delErr)
		}
		rs.inserted = false
		rs.assistantID = ""
		return
	}

	meta := datatypes.MessageMetadata{
		Model:           in.Request.Model,
		ReasoningEffort: in.Request.ReasoningEffort,
		Reasoning:       rs.reasoning.String(),
		Partial:         true,
	}
	if err := e.cfg.Store.UpdateMessage(cleanupCtx, rs.assistantID, store.MessagePatch{
		Content:  &snapshot,
		Metadata: &meta,
	}); err != nil {
		slog.Warn("Partial persistence failed",
			"message_id", rs.assistantID, "error", err)
	}
}
