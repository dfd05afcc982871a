package engine

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"plume/config"
	"plume/model"
	"plume/plugin"
)

// anthropicMaxTokens is required by the Messages API on every request.
const anthropicMaxTokens = 4096

// anthropicModels is the curated model list; Anthropic has no listing
// endpoint, so GetModels serves this set. Every current Claude model
// accepts image input.
var anthropicModels = []string{
	"claude-sonnet-4-5-20250929",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-haiku-20240307",
}

// AnthropicEngine implements model.LlmEngine against the official
// Anthropic SDK. Image generation is not part of the vendor's API, so
// Image always reports no image.
type AnthropicEngine struct {
	client  anthropic.Client
	cfg     config.EngineConfig
	plugins *plugin.Registry
}

// NewAnthropicEngine creates the Anthropic engine. Extra request options
// are appended to the client configuration (tests count round trips with
// option.WithHTTPClient).
func NewAnthropicEngine(cfg config.EngineConfig, plugins *plugin.Registry, opts ...option.RequestOption) *AnthropicEngine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model.Chat == "" {
		cfg.Model.Chat = anthropicModels[0]
	}

	clientOpts := append([]option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
	}, opts...)

	return &AnthropicEngine{
		client:  anthropic.NewClient(clientOpts...),
		cfg:     cfg,
		plugins: plugins,
	}
}

// Name implements model.LlmEngine.
func (e *AnthropicEngine) Name() string { return "anthropic" }

// GetModels implements model.LlmEngine from the curated set; no network
// call is involved, but a missing key still reports Unauthenticated so the
// engine surfaces as unconfigured.
func (e *AnthropicEngine) GetModels(ctx context.Context) ([]model.ModelInfo, error) {
	if e.cfg.APIKey == "" {
		return nil, model.ErrUnauthenticated
	}

	result := make([]model.ModelInfo, 0, len(anthropicModels))
	for _, id := range anthropicModels {
		result = append(result, model.ModelInfo{ID: id, Name: id, Engine: "anthropic"})
	}
	return result, nil
}

// IsVisionModel implements model.LlmEngine.
func (e *AnthropicEngine) IsVisionModel(modelID string) bool {
	return inVisionSet(anthropicModels, "claude", modelID)
}

// SelectModel implements model.LlmEngine.
func (e *AnthropicEngine) SelectModel(thread []model.Message, requested string) string {
	return selectModel(e, e.cfg.Model.Vision, thread, requested)
}

// Complete implements model.LlmEngine with a single non-streaming call.
func (e *AnthropicEngine) Complete(ctx context.Context, thread []model.Message, opts *model.CompletionOptions) (*model.LlmResponse, error) {
	modelID := e.cfg.Model.Chat
	if opts != nil && opts.Model != "" {
		modelID = opts.Model
	}

	messages, system := e.buildPayload(thread, modelID)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}

	logf("[anthropic] prompting model %s", modelID)
	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &model.ProviderError{Engine: "anthropic", Op: "complete", Err: err}
	}

	var content string
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}
	return &model.LlmResponse{Type: model.ResponseText, Content: content}, nil
}

// Stream implements model.LlmEngine.
func (e *AnthropicEngine) Stream(ctx context.Context, thread []model.Message, opts *model.CompletionOptions, cb model.EventCallback) (model.LlmStream, error) {
	requested := e.cfg.Model.Chat
	if opts != nil && opts.Model != "" {
		requested = opts.Model
	}
	modelID := e.SelectModel(thread, requested)

	messages, system := e.buildPayload(thread, modelID)

	sctx, cancel := context.WithCancel(ctx)
	s := &anthropicStream{
		ctx:     sctx,
		cancel:  cancel,
		engine:  e,
		model:   modelID,
		payload: messages,
		system:  system,
		tools:   convertToolsToAnthropic(e.plugins.Tools()),
		cb:      cb,
	}
	s.open = func(ctx context.Context) (chunkStream[anthropic.MessageStreamEventUnion], error) {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(s.model),
			MaxTokens: anthropicMaxTokens,
			Messages:  s.payload,
		}
		if len(s.system) > 0 {
			params.System = s.system
		}
		if len(s.tools) > 0 {
			params.Tools = s.tools
		}
		logf("[anthropic] prompting model %s", s.model)
		return e.client.Messages.NewStreaming(ctx, params), nil
	}

	src, err := s.open(sctx)
	if err != nil {
		cancel()
		return nil, &model.ProviderError{Engine: "anthropic", Op: "stream", Err: err}
	}
	s.src = src
	return s, nil
}

// Image implements model.LlmEngine; Anthropic has no image generation.
func (e *AnthropicEngine) Image(ctx context.Context, prompt string, opts *model.CompletionOptions) (*model.LlmResponse, error) {
	return nil, nil
}

// buildPayload converts the thread into Anthropic messages plus system
// blocks (Anthropic keeps the system prompt out of the messages array).
// Image attachments become base64 image blocks ahead of the text block.
func (e *AnthropicEngine) buildPayload(thread []model.Message, modelID string) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(thread))

	for _, msg := range thread {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})

		case model.RoleAssistant:
			messages = append(messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))

		default:
			if msg.HasImage() && e.IsVisionModel(modelID) && msg.Attachment.Contents != "" {
				format := msg.Attachment.Format
				if format == "" {
					format = "jpeg"
				}
				messages = append(messages, anthropic.NewUserMessage(
					anthropic.NewImageBlockBase64("image/"+format, msg.Attachment.Contents),
					anthropic.NewTextBlock(msg.Content),
				))
			} else {
				messages = append(messages,
					anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	return messages, system
}

// anthropicStream runs one logical turn against the Messages streaming
// API. Tool-use input arrives as input_json_delta fragments and feeds the
// same state machine as the OpenAI stream.
type anthropicStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	engine *AnthropicEngine
	cb     model.EventCallback

	model   string
	payload []anthropic.MessageParam
	system  []anthropic.TextBlockParam
	tools   []anthropic.ToolUnionParam

	src  chunkStream[anthropic.MessageStreamEventUnion]
	open func(ctx context.Context) (chunkStream[anthropic.MessageStreamEventUnion], error)

	state   streamState
	calls   []toolCall
	stopped atomic.Bool
}

// Recv implements model.LlmStream.
func (s *anthropicStream) Recv() (model.LlmChunk, error) {
	if s.state == stateDone {
		return model.LlmChunk{}, io.EOF
	}

	for {
		if s.stopped.Load() {
			s.finish()
			return model.LlmChunk{}, model.ErrStopped
		}

		if !s.src.Next() {
			err := s.src.Err()
			s.finish()
			if err != nil {
				if s.stopped.Load() || errors.Is(err, context.Canceled) {
					return model.LlmChunk{}, model.ErrStopped
				}
				return model.LlmChunk{}, &model.ProviderError{Engine: "anthropic", Op: "stream", Err: err}
			}
			return model.LlmChunk{}, io.EOF
		}

		out, err := s.process(s.src.Current())
		if err != nil {
			s.finish()
			return model.LlmChunk{}, err
		}
		if out == nil {
			continue
		}
		if out.Done {
			s.finish()
		}
		return *out, nil
	}
}

// finish releases the vendor stream and the turn's context.
func (s *anthropicStream) finish() {
	s.state = stateDone
	s.src.Close()
	s.cancel()
}

// Stop implements model.LlmStream.
func (s *anthropicStream) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
}

// process maps Anthropic stream events onto the tool-call state machine.
func (s *anthropicStream) process(event anthropic.MessageStreamEventUnion) (*model.LlmChunk, error) {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			if tu.Name == "" {
				return nil, errors.New("tool use block carries no tool name")
			}
			s.state = stateAccumulatingToolCalls
			s.calls = append(s.calls, toolCall{id: tu.ID, name: tu.Name})
			emit(s.cb, model.StreamEvent{
				Type:    model.EventTool,
				Content: s.engine.plugins.PreparationDescription(tu.Name),
			})
		}
		return nil, nil

	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			// No text surfaces between the first tool_use block and the
			// stream replacement; it belongs to the superseded turn.
			if s.state == stateAccumulatingToolCalls {
				return nil, nil
			}
			return &model.LlmChunk{Text: delta.Text}, nil
		case anthropic.InputJSONDelta:
			if len(s.calls) == 0 {
				return nil, errors.New("tool input fragment with no open tool call")
			}
			s.calls[len(s.calls)-1].args += delta.PartialJSON
			return nil, nil
		}
		return nil, nil

	case anthropic.MessageDeltaEvent:
		switch ev.Delta.StopReason {
		case anthropic.StopReasonToolUse:
			if err := s.applyToolCalls(); err != nil {
				return nil, err
			}
			return nil, nil
		case anthropic.StopReasonEndTurn:
			return &model.LlmChunk{Done: true}, nil
		}
		return nil, nil

	case anthropic.MessageStopEvent:
		return &model.LlmChunk{Done: true}, nil
	}

	return nil, nil
}

// applyToolCalls executes accumulated tool uses in order, appends the
// assistant echo and tool-result messages, and reopens the stream.
func (s *anthropicStream) applyToolCalls() error {
	s.state = stateExecutingTools

	for _, call := range s.calls {
		emit(s.cb, model.StreamEvent{
			Type:    model.EventTool,
			Content: s.engine.plugins.RunningDescription(call.name),
		})

		args, err := parseToolArguments(call.name, call.args)
		if err != nil {
			return err
		}

		result, execErr := s.engine.plugins.Execute(s.ctx, call.name, args)
		content := serializeToolResult(result, execErr)
		logf("[anthropic] tool call %s(%s) => %s", call.name, call.args, truncate(content, 128))

		s.payload = append(s.payload,
			anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.id,
						Name:  call.name,
						Input: args,
					},
				}},
			},
			anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: call.id,
						IsError:   anthropic.Bool(execErr != nil),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: content},
						}},
					},
				}},
			},
		)
	}
	s.calls = nil

	emit(s.cb, model.StreamEvent{Type: model.EventTool})

	s.src.Close()
	src, err := s.open(s.ctx)
	if err != nil {
		return &model.ProviderError{Engine: "anthropic", Op: "stream", Err: err}
	}
	s.src = src
	s.state = stateRestarted
	emit(s.cb, model.StreamEvent{Type: model.EventStream})
	s.state = stateStreamingText
	return nil
}
