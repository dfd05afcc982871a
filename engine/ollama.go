package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/ollama/ollama/api"

	"plume/config"
	"plume/model"
	"plume/plugin"
)

// ollamaVisionModels is the static vision set for local models; the llava
// family is matched by substring as well.
var ollamaVisionModels = []string{
	"llava",
	"llava-llama3",
	"bakllava",
	"moondream",
	"llama3.2-vision",
}

// OllamaEngine implements model.LlmEngine against a local Ollama server.
// No credential is involved, tool calls arrive whole rather than
// fragmented, and image generation is not supported.
type OllamaEngine struct {
	client  *api.Client
	cfg     config.EngineConfig
	plugins *plugin.Registry
}

// NewOllamaEngine creates the Ollama engine. Returns an error only when
// the base URL does not parse; an unreachable server surfaces later as a
// ProviderError.
func NewOllamaEngine(cfg config.EngineConfig, plugins *plugin.Registry) (*OllamaEngine, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model.Chat == "" {
		cfg.Model.Chat = "llama3.1"
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL %q: %w", cfg.BaseURL, err)
	}

	return &OllamaEngine{
		client:  api.NewClient(base, http.DefaultClient),
		cfg:     cfg,
		plugins: plugins,
	}, nil
}

// Name implements model.LlmEngine.
func (e *OllamaEngine) Name() string { return "ollama" }

// GetModels implements model.LlmEngine. Ollama needs no credential, so an
// unreachable server is the only failure mode and it degrades to an empty
// list.
func (e *OllamaEngine) GetModels(ctx context.Context) ([]model.ModelInfo, error) {
	resp, err := e.client.List(ctx)
	if err != nil {
		logf("[ollama] error listing models: %v", err)
		return nil, nil
	}

	result := make([]model.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		result = append(result, model.ModelInfo{ID: m.Name, Name: m.Name, Engine: "ollama"})
	}
	return result, nil
}

// IsVisionModel implements model.LlmEngine.
func (e *OllamaEngine) IsVisionModel(modelID string) bool {
	return inVisionSet(ollamaVisionModels, "llava", modelID) ||
		strings.Contains(modelID, "vision")
}

// SelectModel implements model.LlmEngine.
func (e *OllamaEngine) SelectModel(thread []model.Message, requested string) string {
	return selectModel(e, e.cfg.Model.Vision, thread, requested)
}

// Complete implements model.LlmEngine with a non-streaming chat call.
func (e *OllamaEngine) Complete(ctx context.Context, thread []model.Message, opts *model.CompletionOptions) (*model.LlmResponse, error) {
	modelID := e.cfg.Model.Chat
	if opts != nil && opts.Model != "" {
		modelID = opts.Model
	}

	stream := false
	var content string
	logf("[ollama] prompting model %s", modelID)
	err := e.client.Chat(ctx, &api.ChatRequest{
		Model:    modelID,
		Messages: e.buildPayload(thread, modelID),
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, &model.ProviderError{Engine: "ollama", Op: "complete", Err: err}
	}

	return &model.LlmResponse{Type: model.ResponseText, Content: content}, nil
}

// Stream implements model.LlmEngine. The Ollama SDK pushes chunks through
// a callback, so the stream pumps them into a channel the caller drains
// via Recv.
func (e *OllamaEngine) Stream(ctx context.Context, thread []model.Message, opts *model.CompletionOptions, cb model.EventCallback) (model.LlmStream, error) {
	requested := e.cfg.Model.Chat
	if opts != nil && opts.Model != "" {
		requested = opts.Model
	}
	modelID := e.SelectModel(thread, requested)

	sctx, cancel := context.WithCancel(ctx)
	s := &ollamaStream{
		ctx:      sctx,
		cancel:   cancel,
		engine:   e,
		model:    modelID,
		messages: e.buildPayload(thread, modelID),
		tools:    convertToolsToOllama(e.plugins.Tools()),
		cb:       cb,
		out:      make(chan ollamaChunk),
	}
	go s.run()
	return s, nil
}

// Image implements model.LlmEngine; Ollama has no image generation.
func (e *OllamaEngine) Image(ctx context.Context, prompt string, opts *model.CompletionOptions) (*model.LlmResponse, error) {
	return nil, nil
}

// buildPayload converts the thread into Ollama messages. Image
// attachments become raw image bytes on the message.
func (e *OllamaEngine) buildPayload(thread []model.Message, modelID string) []api.Message {
	messages := make([]api.Message, 0, len(thread))
	for _, msg := range thread {
		m := api.Message{Role: msg.Role, Content: msg.Content}
		if msg.HasImage() && e.IsVisionModel(modelID) && msg.Attachment.Contents != "" {
			if data, err := base64.StdEncoding.DecodeString(msg.Attachment.Contents); err == nil {
				m.Images = []api.ImageData{data}
			}
		}
		messages = append(messages, m)
	}
	return messages
}

type ollamaChunk struct {
	chunk model.LlmChunk
	err   error
}

// ollamaStream adapts the push-style Chat API to the pull-style
// model.LlmStream. One goroutine owns the whole turn, including tool
// execution and stream restarts; Recv just drains its output channel.
type ollamaStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	engine *OllamaEngine
	cb     model.EventCallback

	model    string
	messages []api.Message
	tools    []api.Tool

	out     chan ollamaChunk
	done    bool
	stopped atomic.Bool
}

// Recv implements model.LlmStream.
func (s *ollamaStream) Recv() (model.LlmChunk, error) {
	if s.done {
		return model.LlmChunk{}, io.EOF
	}

	oc, ok := <-s.out
	if !ok {
		s.done = true
		return model.LlmChunk{}, io.EOF
	}
	if oc.err != nil {
		s.done = true
		return model.LlmChunk{}, oc.err
	}
	if oc.chunk.Done {
		s.done = true
	}
	return oc.chunk, nil
}

// Stop implements model.LlmStream.
func (s *ollamaStream) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
}

// run drives the turn: it re-invokes Chat after every tool-call cycle
// until the model finishes with a plain stop.
func (s *ollamaStream) run() {
	defer s.cancel()
	defer close(s.out)
	stream := true

	for {
		toolsApplied := false

		logf("[ollama] prompting model %s", s.model)
		err := s.engine.client.Chat(s.ctx, &api.ChatRequest{
			Model:    s.model,
			Messages: s.messages,
			Stream:   &stream,
			Tools:    s.tools,
		}, func(resp api.ChatResponse) error {
			if s.stopped.Load() {
				return model.ErrStopped
			}

			// Ollama delivers tool calls whole, so the accumulation
			// states collapse into immediate execution.
			if len(resp.Message.ToolCalls) > 0 {
				if err := s.applyToolCalls(resp.Message.ToolCalls); err != nil {
					return err
				}
				toolsApplied = true
				return nil
			}

			if resp.Done && toolsApplied {
				// The restart loop below reopens the stream; the
				// vendor's done does not end the turn.
				return nil
			}

			s.send(model.LlmChunk{
				Text: resp.Message.Content,
				Done: resp.Done && resp.DoneReason == "stop",
			}, nil)
			return nil
		})

		if err != nil {
			if s.stopped.Load() || errors.Is(err, context.Canceled) {
				s.send(model.LlmChunk{}, model.ErrStopped)
			} else if errors.Is(err, model.ErrStopped) {
				s.send(model.LlmChunk{}, model.ErrStopped)
			} else {
				var parseErr *model.ToolArgumentParseError
				if errors.As(err, &parseErr) {
					s.send(model.LlmChunk{}, err)
				} else {
					s.send(model.LlmChunk{}, &model.ProviderError{Engine: "ollama", Op: "stream", Err: err})
				}
			}
			return
		}

		if !toolsApplied {
			return
		}

		emit(s.cb, model.StreamEvent{Type: model.EventStream})
	}
}

// applyToolCalls executes delivered tool calls in order and extends the
// message history with the echo/result pairs.
func (s *ollamaStream) applyToolCalls(calls []api.ToolCall) error {
	for _, call := range calls {
		name := call.Function.Name
		if name == "" {
			return errors.New("tool call carries no function name")
		}

		emit(s.cb, model.StreamEvent{
			Type:    model.EventTool,
			Content: s.engine.plugins.PreparationDescription(name),
		})
		emit(s.cb, model.StreamEvent{
			Type:    model.EventTool,
			Content: s.engine.plugins.RunningDescription(name),
		})

		args := map[string]any(call.Function.Arguments)
		result, execErr := s.engine.plugins.Execute(s.ctx, name, args)
		content := serializeToolResult(result, execErr)
		logf("[ollama] tool call %s => %s", name, truncate(content, 128))

		s.messages = append(s.messages,
			api.Message{Role: model.RoleAssistant, ToolCalls: []api.ToolCall{call}},
			api.Message{Role: model.RoleTool, Content: content, ToolName: name},
		)
	}

	emit(s.cb, model.StreamEvent{Type: model.EventTool})
	return nil
}

func (s *ollamaStream) send(chunk model.LlmChunk, err error) {
	select {
	case s.out <- ollamaChunk{chunk: chunk, err: err}:
	case <-s.ctx.Done():
	}
}
