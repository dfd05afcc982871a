package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"plume/config"
	"plume/model"
	"plume/plugin"
)

// countingTransport counts round trips and fails every request, so a test
// can prove no network traffic happened.
type countingTransport struct {
	count int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.count++
	return nil, errors.New("no network in tests")
}

// stubTransport serves a canned JSON body for every request.
type stubTransport struct {
	body string
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    req,
	}, nil
}

func textChunk(text, finish string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta:        openai.ChatCompletionChunkChoiceDelta{Content: text},
			FinishReason: finish,
		}},
	}
}

func toolStartChunk(id, name, args string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta: openai.ChatCompletionChunkChoiceDelta{
				ToolCalls: []openai.ChatCompletionChunkChoiceDeltaToolCall{{
					ID: id,
					Function: openai.ChatCompletionChunkChoiceDeltaToolCallFunction{
						Name:      name,
						Arguments: args,
					},
				}},
			},
		}},
	}
}

func toolFragmentChunk(args string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta: openai.ChatCompletionChunkChoiceDelta{
				ToolCalls: []openai.ChatCompletionChunkChoiceDeltaToolCall{{
					Function: openai.ChatCompletionChunkChoiceDeltaToolCallFunction{
						Arguments: args,
					},
				}},
			},
		}},
	}
}

// newTestOpenAIStream wires an openaiStream to fake sources: the first is
// the initial stream, each later one serves a restart after a tool cycle.
func newTestOpenAIStream(t *testing.T, plugins *plugin.Registry, cb model.EventCallback, sources ...*fakeSource[openai.ChatCompletionChunk]) *openaiStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	eng := NewOpenAIEngine(config.EngineConfig{APIKey: "test"}, plugins)
	next := 1
	s := &openaiStream{
		ctx:    ctx,
		cancel: cancel,
		engine: eng,
		model:  "gpt-4o-mini",
		cb:     cb,
		src:    sources[0],
	}
	s.open = func(ctx context.Context) (chunkStream[openai.ChatCompletionChunk], error) {
		if next >= len(sources) {
			return nil, errors.New("no more test streams")
		}
		src := sources[next]
		next++
		return src, nil
	}
	return s
}

// collectStream drains a stream into the concatenated text, stopping at
// the terminal chunk.
func collectStream(t *testing.T, s model.LlmStream) string {
	t.Helper()
	var text strings.Builder
	for {
		chunk, err := s.Recv()
		if err != nil {
			t.Fatalf("unexpected Recv error: %v", err)
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			return text.String()
		}
	}
}

func TestOpenAIStreamTextChunks(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("Hel", ""),
		textChunk("lo", ""),
		textChunk("", "stop"),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)

	if got := collectStream(t, s); got != "Hello" {
		t.Errorf("expected %q, got %q", "Hello", got)
	}

	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF after terminal chunk, got %v", err)
	}
}

func TestOpenAIStreamToolCycle(t *testing.T) {
	lookup := &stubPlugin{name: "lookup", result: map[string]any{"answer": "Go"}}
	plugins := newTestPlugins(lookup)
	rec := &eventRecorder{}

	first := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		toolStartChunk("call_1", "lookup", `{"q":`),
		toolFragmentChunk(`"go"}`),
		textChunk("", "tool_calls"),
	}}
	second := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("It is Go.", ""),
		textChunk("", "stop"),
	}}
	s := newTestOpenAIStream(t, plugins, rec.callback(), first, second)

	if got := collectStream(t, s); got != "It is Go." {
		t.Errorf("expected text from restarted stream only, got %q", got)
	}

	// The fragmented arguments were reassembled before execution.
	if len(lookup.calls) != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", len(lookup.calls))
	}
	if lookup.calls[0]["q"] != "go" {
		t.Errorf("expected reassembled argument q=go, got %v", lookup.calls[0])
	}

	rec.assertSequence(t, []model.StreamEvent{
		{Type: model.EventTool, Content: "Preparing lookup..."},
		{Type: model.EventTool, Content: "Running lookup..."},
		{Type: model.EventTool},
		{Type: model.EventStream},
	})

	if len(s.payload) != 2 {
		t.Fatalf("expected echo/result pair in payload, got %d messages", len(s.payload))
	}
	echo := s.payload[0].OfAssistant
	if echo == nil || len(echo.ToolCalls) != 1 {
		t.Fatal("expected assistant echo with one tool call")
	}
	fn := echo.ToolCalls[0].OfFunction
	if fn == nil || fn.ID != "call_1" || fn.Function.Name != "lookup" || fn.Function.Arguments != `{"q":"go"}` {
		t.Errorf("unexpected assistant echo: %+v", echo.ToolCalls[0])
	}
	toolMsg := s.payload[1].OfTool
	if toolMsg == nil || toolMsg.ToolCallID != "call_1" {
		t.Errorf("expected tool result addressed to call_1, got %+v", toolMsg)
	}

	if !first.closed {
		t.Error("expected original vendor stream to be closed after restart")
	}
}

func TestOpenAIStreamMultipleToolCallsRunInOrder(t *testing.T) {
	var log []string
	alpha := &stubPlugin{name: "alpha", result: "a", log: &log}
	beta := &stubPlugin{name: "beta", result: "b", log: &log}
	plugins := newTestPlugins(beta, alpha) // registration order differs from call order

	first := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		toolStartChunk("call_1", "alpha", `{}`),
		toolStartChunk("call_2", "beta", `{}`),
		textChunk("", "tool_calls"),
	}}
	second := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("", "stop"),
	}}
	s := newTestOpenAIStream(t, plugins, nil, first, second)
	collectStream(t, s)

	if len(log) != 2 || log[0] != "alpha" || log[1] != "beta" {
		t.Errorf("expected execution in id-appearance order [alpha beta], got %v", log)
	}
	if len(s.payload) != 4 {
		t.Errorf("expected two echo/result pairs, got %d messages", len(s.payload))
	}
}

func TestOpenAIStreamToolCallWithoutName(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		toolStartChunk("call_1", "", ""),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)

	if _, err := s.Recv(); err == nil {
		t.Fatal("expected error for tool call without a function name")
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF after stream error, got %v", err)
	}
}

func TestOpenAIStreamFragmentWithoutOpenCall(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		toolFragmentChunk(`{"q":"go"}`),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)

	if _, err := s.Recv(); err == nil {
		t.Fatal("expected error for argument fragment with no open tool call")
	}
}

func TestOpenAIStreamMalformedToolArguments(t *testing.T) {
	lookup := &stubPlugin{name: "lookup"}
	plugins := newTestPlugins(lookup)

	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		toolStartChunk("call_1", "lookup", `{"q":`),
		textChunk("", "tool_calls"),
	}}
	s := newTestOpenAIStream(t, plugins, nil, src)

	_, err := s.Recv()
	var parseErr *model.ToolArgumentParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ToolArgumentParseError, got %v", err)
	}
	if len(lookup.calls) != 0 {
		t.Error("tool must not execute on malformed arguments")
	}
}

func TestOpenAIStreamUnknownTool(t *testing.T) {
	// No plugin registered: execution fails, but the turn continues with
	// the error serialized into the tool result.
	first := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		toolStartChunk("call_1", "missing", `{}`),
		textChunk("", "tool_calls"),
	}}
	second := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("sorry", ""),
		textChunk("", "stop"),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, first, second)

	if got := collectStream(t, s); got != "sorry" {
		t.Errorf("expected stream to continue past unknown tool, got %q", got)
	}
	if len(s.payload) != 2 {
		t.Fatalf("expected echo/result pair, got %d messages", len(s.payload))
	}
}

func TestOpenAIStreamStop(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("never seen", ""),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)

	s.Stop()
	s.Stop() // idempotent

	if _, err := s.Recv(); !errors.Is(err, model.ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF after stopped stream, got %v", err)
	}
}

func TestOpenAIStreamStopAfterDoneIsNoOp(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("hi", "stop"),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)
	collectStream(t, s)

	s.Stop()
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestOpenAIStreamSourceError(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{err: errors.New("connection reset")}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)

	_, err := s.Recv()
	var provErr *model.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.Engine != "openai" || provErr.Op != "stream" {
		t.Errorf("unexpected provider error fields: %+v", provErr)
	}
	if !src.closed {
		t.Error("expected vendor stream to be closed after a stream error")
	}
}

func TestOpenAIStreamReleasesResourcesOnDone(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("hi", ""),
		textChunk("", "stop"),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)
	collectStream(t, s)

	// A turn that ends on the terminal chunk must not hold the vendor
	// stream or the turn context open; nobody calls Stop after done.
	if !src.closed {
		t.Error("expected vendor stream to be closed after terminal chunk")
	}
	if s.ctx.Err() == nil {
		t.Error("expected turn context to be cancelled after terminal chunk")
	}
}

func TestOpenAIStreamReleasesResourcesOnSourceEOF(t *testing.T) {
	src := &fakeSource[openai.ChatCompletionChunk]{chunks: []openai.ChatCompletionChunk{
		textChunk("hi", ""),
	}}
	s := newTestOpenAIStream(t, newTestPlugins(), nil, src)

	if _, err := s.Recv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF on source exhaustion, got %v", err)
	}
	if !src.closed {
		t.Error("expected vendor stream to be closed after source exhaustion")
	}
	if s.ctx.Err() == nil {
		t.Error("expected turn context to be cancelled after source exhaustion")
	}
}

func TestOpenAIGetModelsWithoutKey(t *testing.T) {
	transport := &countingTransport{}
	eng := NewOpenAIEngine(config.EngineConfig{}, newTestPlugins(),
		option.WithHTTPClient(&http.Client{Transport: transport}))

	_, err := eng.GetModels(context.Background())
	if !errors.Is(err, model.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if transport.count != 0 {
		t.Errorf("expected no network traffic, got %d round trips", transport.count)
	}
}

func TestOpenAIGetModels(t *testing.T) {
	body := `{"object":"list","data":[` +
		`{"id":"gpt-4o","object":"model","created":0,"owned_by":"openai"},` +
		`{"id":"gpt-4o-mini","object":"model","created":0,"owned_by":"openai"}]}`
	eng := NewOpenAIEngine(config.EngineConfig{APIKey: "test"}, newTestPlugins(),
		option.WithHTTPClient(&http.Client{Transport: &stubTransport{body: body}}))

	models, err := eng.GetModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "gpt-4o" || models[0].Engine != "openai" {
		t.Errorf("unexpected model entry: %+v", models[0])
	}
}

func TestOpenAIComplete(t *testing.T) {
	body := `{"id":"cmpl-1","object":"chat.completion","created":0,"model":"gpt-4o-mini",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}]}`
	eng := NewOpenAIEngine(config.EngineConfig{APIKey: "test"}, newTestPlugins(),
		option.WithHTTPClient(&http.Client{Transport: &stubTransport{body: body}}))

	resp, err := eng.Complete(context.Background(),
		[]model.Message{{Role: model.RoleUser, Content: "2+2?"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != model.ResponseText || resp.Content != "4" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOpenAIImageWithoutKey(t *testing.T) {
	transport := &countingTransport{}
	eng := NewOpenAIEngine(config.EngineConfig{}, newTestPlugins(),
		option.WithHTTPClient(&http.Client{Transport: transport}))

	resp, err := eng.Image(context.Background(), "a fox", nil)
	if resp != nil || err != nil {
		t.Errorf("expected (nil, nil) without credentials, got (%v, %v)", resp, err)
	}
	if transport.count != 0 {
		t.Errorf("expected no network traffic, got %d round trips", transport.count)
	}
}

func TestOpenAIIsVisionModel(t *testing.T) {
	eng := NewOpenAIEngine(config.EngineConfig{APIKey: "test"}, newTestPlugins())

	tests := []struct {
		modelID  string
		expected bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-mini", true},
		{"gpt-4-turbo", true},
		{"gpt-4-vision-preview", true},
		{"gpt-3.5-turbo", false},
		{"o1-mini", false},
	}

	for _, tt := range tests {
		if got := eng.IsVisionModel(tt.modelID); got != tt.expected {
			t.Errorf("IsVisionModel(%q): expected %v, got %v", tt.modelID, tt.expected, got)
		}
	}
}

func TestOpenAIBuildPayload(t *testing.T) {
	eng := NewOpenAIEngine(config.EngineConfig{APIKey: "test"}, newTestPlugins())

	thread := []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "hello"},
	}
	payload := eng.buildPayload(thread, "gpt-4o-mini")
	if len(payload) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(payload))
	}
	if payload[0].OfSystem == nil || payload[1].OfUser == nil || payload[2].OfAssistant == nil {
		t.Error("expected system/user/assistant message order to be preserved")
	}
}

func TestOpenAIBuildPayloadImageRouting(t *testing.T) {
	eng := NewOpenAIEngine(config.EngineConfig{APIKey: "test"}, newTestPlugins())

	thread := []model.Message{{
		Role:    model.RoleUser,
		Content: "what is this?",
		Attachment: &model.Attachment{
			Kind:     model.AttachmentImage,
			Format:   "png",
			Contents: "aGVsbG8=",
		},
	}}

	// Vision model: the message becomes multi-part text + image.
	payload := eng.buildPayload(thread, "gpt-4o")
	if payload[0].OfUser == nil {
		t.Fatal("expected user message")
	}
	parts := payload[0].OfUser.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("expected 2 content parts for vision model, got %d", len(parts))
	}
	img := parts[1].OfImageURL
	if img == nil || !strings.HasPrefix(img.ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("expected data URL image part, got %+v", parts[1])
	}

	// Non-vision model: the attachment is dropped from the payload.
	payload = eng.buildPayload(thread, "gpt-3.5-turbo")
	if payload[0].OfUser == nil || len(payload[0].OfUser.Content.OfArrayOfContentParts) != 0 {
		t.Error("expected plain text message for non-vision model")
	}
}
