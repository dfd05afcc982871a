package model

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned by GetModels when no API key is configured
// for the engine. Callers treat it as "no models available", not a crash.
var ErrUnauthenticated = errors.New("no API key configured")

// ErrStopped is returned by LlmStream.Recv after Stop was called. It only
// short-circuits pending work; it is never surfaced as a user-visible
// failure.
var ErrStopped = errors.New("stream stopped")

// ProviderError wraps a raw vendor transport or API failure. It is surfaced
// to the caller untouched; no retries happen inside the engine.
type ProviderError struct {
	Engine string
	Op     string // "complete", "stream", "models", "image"
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Engine, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ToolArgumentParseError reports a tool-call argument buffer that did not
// reassemble into valid JSON. It aborts the turn; no partial tool execution
// happens.
type ToolArgumentParseError struct {
	Tool string
	Raw  string
	Err  error
}

func (e *ToolArgumentParseError) Error() string {
	return fmt.Sprintf("tool %s: malformed arguments %q: %v", e.Tool, e.Raw, e.Err)
}

func (e *ToolArgumentParseError) Unwrap() error { return e.Err }

// UnknownToolError reports a tool-call naming a tool that is not registered.
// The error is serialized into the tool-result message so the vendor model
// can see and react to it; only the single tool-call step is aborted.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}
