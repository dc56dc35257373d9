package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:       openai.NewClient(apiKey),
		defaultModel: model,
	}, nil
}

var toolDefinitions = map[Tool]openai.Tool{
	ToolWebSearch: {
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        string(ToolWebSearch),
			Description: "Search the live web and read result pages.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"query":{"type":"string"},"url":{"type":"string"}},"required":["query"]}`),
		},
	},
	ToolFileOps: {
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        string(ToolFileOps),
			Description: "Create or read files attached to the conversation workspace.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"action":{"type":"string"},"path":{"type":"string"}},"required":["action"]}`),
		},
	},
	ToolCodeExec: {
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        string(ToolCodeExec),
			Description: "Execute code in the conversation's sandbox container.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"language":{"type":"string"},"code":{"type":"string"}},"required":["code"]}`),
		},
	},
}

func (o *OpenAIClient) buildRequest(req ResponseRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.Instructions,
		})
	}
	for _, turn := range req.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: turn.Role, Content: turn.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	for _, t := range req.Tools {
		if req.ToolChoice == ToolChoiceNoSearch && t == ToolWebSearch {
			continue
		}
		if def, ok := toolDefinitions[t]; ok {
			out.Tools = append(out.Tools, def)
		}
	}
	switch req.ToolChoice {
	case ToolChoiceNone:
		out.Tools = nil
	case ToolChoiceRequireSearch:
		out.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: string(ToolWebSearch)},
		}
	}
	if req.ReasoningEffort != "" {
		out.ReasoningEffort = req.ReasoningEffort
	}
	if req.CacheKey != "" {
		out.User = req.CacheKey
	}
	return out
}

// StreamResponse implements ModelClient. Tool call deltas are folded into
// lifecycle events: one started per call id, one completed when the provider
// reports the call finished.
func (o *OpenAIClient) StreamResponse(ctx context.Context, req ResponseRequest, cb StreamCallback) error {
	apiReq := o.buildRequest(req)
	apiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	slog.Debug("Starting OpenAI response stream", "model", apiReq.Model, "tools", len(apiReq.Tools))

	stream, err := o.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return fmt.Errorf("OpenAI stream open failed: %w", err)
	}
	defer stream.Close()

	var final strings.Builder
	var usage Usage
	calls := newToolCallTracker()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("OpenAI stream read failed: %w", err)
		}
		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
			if resp.Usage.CompletionTokensDetails != nil {
				usage.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
			}
			if resp.Usage.PromptTokensDetails != nil {
				usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			cb(ProviderEvent{Kind: EventReasoningDelta, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			final.WriteString(choice.Delta.Content)
			cb(ProviderEvent{Kind: EventTextDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			calls.observe(tc, cb)
		}
		switch choice.FinishReason {
		case openai.FinishReasonToolCalls, openai.FinishReasonStop, openai.FinishReasonLength:
			calls.close(ToolPhaseCompleted, cb)
		}
	}
	calls.close(ToolPhaseFailed, cb)

	cb(ProviderEvent{
		Kind:      EventFinalResponse,
		FinalText: final.String(),
		Usage:     usage,
		Model:     apiReq.Model,
	})
	return nil
}

// Generate implements the ModelClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.defaultModel)
	req := openai.ChatCompletionRequest{
		Model: o.defaultModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// toolCallTracker folds streaming tool-call deltas into lifecycle events.
//
// The provider opens a call with an id-bearing delta and continues it with
// deltas that carry only the slot index and an argument fragment. Parallel
// calls interleave, so continuations are routed by index; appending them to
// the most recently opened call would cross-contaminate argument buffers.
type toolCallTracker struct {
	open    map[string]Tool
	args    map[string]*strings.Builder
	byIndex map[int]string
	lastID  string
}

func newToolCallTracker() *toolCallTracker {
	return &toolCallTracker{
		open:    make(map[string]Tool),
		args:    make(map[string]*strings.Builder),
		byIndex: make(map[int]string),
	}
}

// observe folds one delta, emitting a started event the first time a call id
// appears. Continuations that resolve to no known call are dropped.
func (t *toolCallTracker) observe(tc openai.ToolCall, cb StreamCallback) {
	id := tc.ID
	if id == "" && tc.Index != nil {
		id = t.byIndex[*tc.Index]
	}
	if id == "" {
		id = t.lastID
	}
	if id == "" {
		return
	}

	if _, seen := t.open[id]; !seen {
		tool := Tool(tc.Function.Name)
		t.open[id] = tool
		t.args[id] = &strings.Builder{}
		cb(ProviderEvent{
			Kind: EventToolLifecycle, CallID: id,
			Tool: tool, Phase: ToolPhaseStarted,
		})
	}
	if tc.Index != nil {
		t.byIndex[*tc.Index] = id
	}
	t.lastID = id
	if tc.Function.Arguments != "" {
		t.args[id].WriteString(tc.Function.Arguments)
	}
}

// close ends every open call with phase, reporting the domain parsed from
// that call's own accumulated arguments.
func (t *toolCallTracker) close(phase ToolPhase, cb StreamCallback) {
	for id, tool := range t.open {
		cb(ProviderEvent{
			Kind:   EventToolLifecycle,
			CallID: id,
			Tool:   tool,
			Phase:  phase,
			Domain: extractDomain(t.args[id].String()),
		})
		delete(t.open, id)
		delete(t.args, id)
	}
	t.byIndex = make(map[int]string)
	t.lastID = ""
}

func extractDomain(args string) string {
	var parsed struct {
		URL   string `json:"url"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil || parsed.URL == "" {
		return ""
	}
	u, err := url.Parse(parsed.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
