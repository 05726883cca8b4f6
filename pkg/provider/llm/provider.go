// Package llm defines the streaming chat interface used by the voice pipeline.
//
// A provider wraps a remote chat-completion API (OpenAI, DashScope compatible
// mode, any backend reachable through any-llm) and yields the reply as an
// ordered stream of deltas. The voice pipeline only ever streams: the first
// delta is what starts speech synthesis, so there is no blocking variant.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the context is cancelled.
package llm

import "context"

// FinishReasonError is the FinishReason carried by a chunk that reports a
// failure after the stream was opened. The chunk's Text holds the error text.
const FinishReasonError = "error"

// CompletionRequest carries everything the model needs for one chat turn.
type CompletionRequest struct {
	// Messages is the conversation history followed by the new user query.
	Messages []Message

	// Tools offered to the model. Empty means tool calling is disabled.
	Tools []ToolDefinition

	// Temperature in [0.0, 2.0]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int

	// SystemPrompt is sent ahead of Messages as a "system" message.
	SystemPrompt string
}

// Chunk is one delta of a streaming completion. A chunk may carry text, tool
// calls, a finish reason, or any combination.
type Chunk struct {
	Text string

	// FinishReason is empty on intermediate chunks. Final chunks carry "stop",
	// "length", "tool_calls", or FinishReasonError.
	FinishReason string

	// ToolCalls are complete invocations; providers accumulate argument
	// fragments and emit them together with the finish reason.
	ToolCalls []ToolCall
}

// Finished reports whether the chunk ends a turn that produced a usable
// answer, i.e. the model stopped naturally or handed over to tools.
func (c Chunk) Finished() bool {
	return c.FinishReason == "stop" || c.FinishReason == "tool_calls"
}

// Provider is the abstraction over a streaming chat backend.
type Provider interface {
	// StreamCompletion starts a completion and returns its chunk stream.
	// Errors that prevent the stream from starting are returned directly;
	// later failures arrive as a chunk with FinishReasonError. The returned
	// channel is never nil when err is nil and must be drained by the caller.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities describes the configured model. Constant for the lifetime
	// of the provider.
	Capabilities() ModelCapabilities
}
