package model

import "context"

// ModelInfo describes one model offered by an engine.
type ModelInfo struct {
	ID     string // model id used in API calls
	Name   string // display name
	Engine string // owning engine id ("openai", "anthropic", "ollama")
}

// CompletionOptions tunes a single completion, stream or image call.
// The zero value means "use engine defaults" for every field.
type CompletionOptions struct {
	Model string // override the engine's configured chat model

	// Image generation hints.
	Size  string
	Style string
	N     int
}

// ResponseType tags the variant populated in an LlmResponse.
type ResponseType string

const (
	ResponseText  ResponseType = "text"
	ResponseImage ResponseType = "image"
)

// LlmResponse is the result of a synchronous completion or an image
// generation. Exactly one variant is populated, selected by Type.
type LlmResponse struct {
	Type    ResponseType
	Content string // text, or base64 image data

	// Image generation only.
	OriginalPrompt string
	RevisedPrompt  string
	URL            string
}

// LlmChunk is one incremental unit of a streamed completion. Done marks the
// terminal chunk of a logical turn; a turn may span several vendor streams
// when tool calls restart the stream mid-way.
type LlmChunk struct {
	Text string
	Done bool
}

// StreamEventType tags events delivered to the stream event callback.
type StreamEventType string

const (
	// EventTool carries a human readable tool status, or an empty string
	// once all pending tool calls have been applied.
	EventTool StreamEventType = "tool"

	// EventStream signals that the underlying vendor stream was replaced
	// after a tool-call cycle; text resumes from the fresh stream.
	EventStream StreamEventType = "stream"
)

// StreamEvent is an out-of-band notification emitted while a stream runs.
// Text deltas are not events; they are returned from LlmStream.Recv.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// EventCallback receives stream events. It is invoked synchronously from
// the normalizer loop, in exact stream order. A nil callback is valid.
type EventCallback func(StreamEvent)

// LlmStream is a live streamed completion. Recv blocks for the next text
// chunk, running every intervening vendor chunk through the tool-call state
// machine; chunks consumed by tool-call accumulation or execution never
// surface. Recv returns io.EOF once the turn is over.
type LlmStream interface {
	Recv() (LlmChunk, error)

	// Stop aborts the stream. Safe to call at any point, including after
	// the terminal chunk was observed (then a no-op). Once called no
	// further vendor chunks are processed and no further vendor calls are
	// issued for this turn.
	Stop()
}

// LlmEngine is the uniform contract every provider engine implements.
//
// The interface lives in the model package, not the engine package, so
// engine implementations can depend on model types without import cycles
// (the same layering the config and storage packages rely on).
type LlmEngine interface {
	// Name returns the engine id ("openai", "anthropic", "ollama").
	Name() string

	// GetModels lists available models. It returns ErrUnauthenticated
	// without touching the network when no credential is configured.
	// Transport or parse failures are logged and reported as an empty
	// list with a nil error, so a broken provider degrades instead of
	// failing the caller.
	GetModels(ctx context.Context) ([]ModelInfo, error)

	// IsVisionModel reports whether the model accepts image input, from
	// the engine's vision set plus a naming-convention fallback.
	IsVisionModel(modelID string) bool

	// SelectModel returns requested unchanged unless the thread carries
	// an image attachment and requested is not vision capable, in which
	// case the engine's default vision model is substituted.
	// Deterministic and side-effect free.
	SelectModel(thread []Message, requested string) string

	// Complete performs a synchronous completion of the thread.
	Complete(ctx context.Context, thread []Message, opts *CompletionOptions) (*LlmResponse, error)

	// Stream starts a streamed completion. Events (tool status, stream
	// replacement) are delivered to cb; text chunks via the returned
	// stream's Recv.
	Stream(ctx context.Context, thread []Message, opts *CompletionOptions, cb EventCallback) (LlmStream, error)

	// Image generates an image from the prompt. Engines without image
	// support return (nil, nil); generation failures are logged and also
	// yield (nil, nil) since image generation is best effort.
	Image(ctx context.Context, prompt string, opts *CompletionOptions) (*LlmResponse, error)
}
