// Package engine implements the provider engines behind plume's uniform
// LLM contract.
//
// Plume talks to multiple vendors (OpenAI, Anthropic, Ollama) through the
// model.LlmEngine interface. Each vendor gets one implementation file that
// owns the vendor client, the payload builder (including the vendor's
// multimodal image format) and the streaming normalizer; vendor identity is
// never branched on outside that file.
//
// # Stream normalization
//
// Every engine funnels its vendor's streaming chunks through the same
// tool-call state machine:
//
//	streamingText -> accumulatingToolCalls -> executingTools -> restarted
//	(back to streamingText on the fresh vendor stream) -> done
//
// Tool-call arguments arrive fragmented across chunks and are reassembled
// per call before execution. Tool calls execute strictly in the order their
// ids first appeared, one at a time, so the assistant-echo / tool-result
// message pairs land in the thread in a deterministic order. The vendor
// stream is then reopened against the extended thread and text resumes.
//
// All per-call mutable state (pending tool calls, the working thread
// snapshot) lives on the stream value returned by Stream, never on the
// engine instance, so one engine can serve concurrent streams.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"plume/config"
	"plume/model"
)

// chunkStream is the slice of a vendor SSE stream the normalizer needs.
// Both the OpenAI and Anthropic SDK stream types satisfy it, and tests
// substitute in-memory fakes.
type chunkStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// streamState tracks where a stream is in the tool-call cycle.
type streamState int

const (
	stateStreamingText streamState = iota
	stateAccumulatingToolCalls
	stateExecutingTools
	stateRestarted
	stateDone
)

// toolCall is one in-flight tool invocation. args grows as argument
// fragments arrive; the call is discarded once executed.
type toolCall struct {
	id   string
	name string
	args string
}

// selectModel substitutes the engine's default vision model when the
// thread carries an image and the requested model cannot take one.
func selectModel(e model.LlmEngine, visionDefault string, thread []model.Message, requested string) string {
	if !model.ThreadHasImage(thread) || e.IsVisionModel(requested) {
		return requested
	}
	if visionDefault != "" {
		return visionDefault
	}
	return requested
}

// inVisionSet checks a model id against a vision set plus a
// naming-convention marker.
func inVisionSet(set []string, marker, modelID string) bool {
	for _, v := range set {
		if v == modelID {
			return true
		}
	}
	return marker != "" && strings.Contains(modelID, marker)
}

// parseToolArguments reassembled argument buffers are JSON objects; an
// empty buffer means a no-argument call.
func parseToolArguments(tool, raw string) (map[string]any, error) {
	buf := raw
	if buf == "" {
		buf = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(buf), &args); err != nil {
		return nil, &model.ToolArgumentParseError{Tool: tool, Raw: raw, Err: err}
	}
	return args, nil
}

// serializeToolResult turns a tool result (or its execution error) into the
// tool-response message content. Execution failures are not swallowed: the
// error is serialized so the vendor model can see and react to it.
func serializeToolResult(result any, execErr error) string {
	if execErr != nil {
		result = map[string]any{"error": execErr.Error()}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// emit delivers a stream event to a possibly nil callback.
func emit(cb model.EventCallback, ev model.StreamEvent) {
	if cb != nil {
		cb(ev)
	}
}

func logf(format string, args ...any) {
	if config.Debug && config.DebugLog != nil {
		config.DebugLog.Printf(format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
