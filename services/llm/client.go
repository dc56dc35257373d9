package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Tool names the provider-executed tools a request may enable.
type Tool string

const (
	ToolWebSearch Tool = "web_search"
	ToolFileOps   Tool = "file_ops"
	ToolCodeExec  Tool = "code_exec"
)

// ToolChoice constrains which tools the model may invoke for one request.
type ToolChoice string

const (
	ToolChoiceAuto          ToolChoice = "auto"
	ToolChoiceNone          ToolChoice = "none"
	ToolChoiceNoSearch      ToolChoice = "no_search"
	ToolChoiceRequireSearch ToolChoice = "require_search"
)

type ToolPhase string

const (
	ToolPhaseStarted   ToolPhase = "started"
	ToolPhaseProgress  ToolPhase = "progress"
	ToolPhaseCompleted ToolPhase = "completed"
	ToolPhaseFailed    ToolPhase = "failed"
)

// EventKind tags a ProviderEvent variant.
type EventKind string

const (
	EventTextDelta      EventKind = "text_delta"
	EventReasoningDelta EventKind = "reasoning_delta"
	EventToolLifecycle  EventKind = "tool_lifecycle"
	EventFinalResponse  EventKind = "final_response"
)

type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
	CachedTokens    int `json:"cached_tokens"`
}

// ProviderEvent is one event from a model's streaming response. Exactly the
// fields for the tagged Kind are populated.
type ProviderEvent struct {
	Kind EventKind

	// EventTextDelta / EventReasoningDelta
	Text string

	// EventToolLifecycle
	CallID string
	Tool   Tool
	Phase  ToolPhase
	Domain string
	Detail string

	// EventFinalResponse
	FinalText string
	Usage     Usage
	Model     string
}

// StreamCallback receives provider events in arrival order. Callbacks run on
// the streaming goroutine; blocking here applies backpressure to the provider
// read loop.
type StreamCallback func(event ProviderEvent)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseRequest is a fully assembled model invocation: system instructions,
// ordered turns ending with the current user turn, and tool configuration.
type ResponseRequest struct {
	Instructions    string
	Turns           []Turn
	Tools           []Tool
	ToolChoice      ToolChoice
	ReasoningEffort string
	Model           string

	// CacheKey hints prompt-cache reuse across turns of one conversation.
	CacheKey string
}

// ModelClient is the interface every model backend implements.
//
// StreamResponse blocks until the stream is drained or ctx is cancelled; a
// cancelled ctx abandons the provider stream and returns ctx.Err.
type ModelClient interface {
	StreamResponse(ctx context.Context, req ResponseRequest, cb StreamCallback) error
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
