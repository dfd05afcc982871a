package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"plume/config"
	"plume/model"
	"plume/plugin"
)

// openaiVisionModels is the static vision set; anything containing
// "vision" is also accepted.
var openaiVisionModels = []string{
	"gpt-4-turbo",
	"gpt-4-vision",
	"gpt-4-vision-preview",
	"gpt-4o",
	"gpt-4o-mini",
}

// OpenAIEngine implements model.LlmEngine against the official OpenAI SDK.
// It carries the full capability set: model listing, completion, streaming
// with fragmented tool-call delivery, and image generation.
type OpenAIEngine struct {
	client  openai.Client
	cfg     config.EngineConfig
	plugins *plugin.Registry
}

// NewOpenAIEngine creates the OpenAI engine. Extra request options are
// appended to the client configuration; tests use option.WithHTTPClient to
// count transport round trips.
func NewOpenAIEngine(cfg config.EngineConfig, plugins *plugin.Registry, opts ...option.RequestOption) *OpenAIEngine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model.Chat == "" {
		cfg.Model.Chat = "gpt-4o-mini"
	}

	clientOpts := append([]option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
	}, opts...)

	return &OpenAIEngine{
		client:  openai.NewClient(clientOpts...),
		cfg:     cfg,
		plugins: plugins,
	}
}

// Name implements model.LlmEngine.
func (e *OpenAIEngine) Name() string { return "openai" }

// GetModels implements model.LlmEngine. Without an API key it returns
// model.ErrUnauthenticated before any request is made.
func (e *OpenAIEngine) GetModels(ctx context.Context) ([]model.ModelInfo, error) {
	if e.cfg.APIKey == "" {
		return nil, model.ErrUnauthenticated
	}

	page, err := e.client.Models.List(ctx)
	if err != nil {
		logf("[openai] error listing models: %v", err)
		return nil, nil
	}

	result := make([]model.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		result = append(result, model.ModelInfo{ID: m.ID, Name: m.ID, Engine: "openai"})
	}
	return result, nil
}

// IsVisionModel implements model.LlmEngine.
func (e *OpenAIEngine) IsVisionModel(modelID string) bool {
	return inVisionSet(openaiVisionModels, "vision", modelID)
}

// SelectModel implements model.LlmEngine.
func (e *OpenAIEngine) SelectModel(thread []model.Message, requested string) string {
	return selectModel(e, e.cfg.Model.Vision, thread, requested)
}

// Complete implements model.LlmEngine with a single non-streaming call.
func (e *OpenAIEngine) Complete(ctx context.Context, thread []model.Message, opts *model.CompletionOptions) (*model.LlmResponse, error) {
	modelID := e.cfg.Model.Chat
	if opts != nil && opts.Model != "" {
		modelID = opts.Model
	}

	logf("[openai] prompting model %s", modelID)
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: e.buildPayload(thread, modelID),
	})
	if err != nil {
		return nil, &model.ProviderError{Engine: "openai", Op: "complete", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &model.ProviderError{Engine: "openai", Op: "complete", Err: errors.New("empty response")}
	}

	return &model.LlmResponse{
		Type:    model.ResponseText,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

// Stream implements model.LlmEngine. The returned stream owns all per-call
// state; the engine itself stays immutable across the call.
func (e *OpenAIEngine) Stream(ctx context.Context, thread []model.Message, opts *model.CompletionOptions, cb model.EventCallback) (model.LlmStream, error) {
	requested := e.cfg.Model.Chat
	if opts != nil && opts.Model != "" {
		requested = opts.Model
	}
	modelID := e.SelectModel(thread, requested)

	sctx, cancel := context.WithCancel(ctx)
	s := &openaiStream{
		ctx:     sctx,
		cancel:  cancel,
		engine:  e,
		model:   modelID,
		payload: e.buildPayload(thread, modelID),
		tools:   convertToolsToOpenAI(e.plugins.Tools()),
		cb:      cb,
	}
	s.open = func(ctx context.Context) (chunkStream[openai.ChatCompletionChunk], error) {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(s.model),
			Messages: s.payload,
		}
		if len(s.tools) > 0 {
			params.Tools = s.tools
		}
		logf("[openai] prompting model %s", s.model)
		return e.client.Chat.Completions.NewStreaming(ctx, params), nil
	}

	src, err := s.open(sctx)
	if err != nil {
		cancel()
		return nil, &model.ProviderError{Engine: "openai", Op: "stream", Err: err}
	}
	s.src = src
	return s, nil
}

// Image implements model.LlmEngine. Generation is best effort: failures
// are logged and reported as no image, never as an error.
func (e *OpenAIEngine) Image(ctx context.Context, prompt string, opts *model.CompletionOptions) (*model.LlmResponse, error) {
	if e.cfg.APIKey == "" || e.cfg.Model.Image == "" {
		return nil, nil
	}

	params := openai.ImageGenerateParams{
		Model:          openai.ImageModel(e.cfg.Model.Image),
		Prompt:         prompt,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	}
	if opts != nil {
		if opts.Size != "" {
			params.Size = openai.ImageGenerateParamsSize(opts.Size)
		}
		if opts.Style != "" {
			params.Style = openai.ImageGenerateParamsStyle(opts.Style)
		}
		if opts.N > 0 {
			params.N = openai.Int(int64(opts.N))
		}
	}

	logf("[openai] prompting model %s", e.cfg.Model.Image)
	resp, err := e.client.Images.Generate(ctx, params)
	if err != nil {
		logf("[openai] error generating image: %v", err)
		return nil, nil
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	img := resp.Data[0]
	return &model.LlmResponse{
		Type:           model.ResponseImage,
		OriginalPrompt: prompt,
		RevisedPrompt:  img.RevisedPrompt,
		URL:            img.URL,
		Content:        img.B64JSON,
	}, nil
}

// buildPayload converts the thread into OpenAI chat messages. Image
// attachments become multi-part content with a data URL, but only when the
// target model can take them.
func (e *OpenAIEngine) buildPayload(thread []model.Message, modelID string) []openai.ChatCompletionMessageParamUnion {
	payload := make([]openai.ChatCompletionMessageParamUnion, 0, len(thread))
	for _, msg := range thread {
		switch msg.Role {
		case model.RoleSystem:
			payload = append(payload, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			payload = append(payload, openai.AssistantMessage(msg.Content))
		default:
			if msg.HasImage() && e.IsVisionModel(modelID) {
				payload = append(payload, e.imageMessage(msg))
			} else {
				payload = append(payload, openai.UserMessage(msg.Content))
			}
		}
	}
	return payload
}

// imageMessage is the OpenAI shape of a message with an image attachment.
func (e *OpenAIEngine) imageMessage(msg model.Message) openai.ChatCompletionMessageParamUnion {
	url := msg.Attachment.URL
	if msg.Attachment.Contents != "" {
		format := msg.Attachment.Format
		if format == "" {
			format = "jpeg"
		}
		url = "data:image/" + format + ";base64," + msg.Attachment.Contents
	}
	return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(msg.Content),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}),
	})
}

// openaiStream runs one logical turn against the OpenAI streaming API,
// transparently restarting the vendor stream after each tool-call cycle.
type openaiStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	engine *OpenAIEngine
	cb     model.EventCallback

	model   string
	payload []openai.ChatCompletionMessageParamUnion
	tools   []openai.ChatCompletionToolUnionParam

	src  chunkStream[openai.ChatCompletionChunk]
	open func(ctx context.Context) (chunkStream[openai.ChatCompletionChunk], error)

	state   streamState
	calls   []toolCall
	stopped atomic.Bool
}

// Recv implements model.LlmStream.
func (s *openaiStream) Recv() (model.LlmChunk, error) {
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
				return model.LlmChunk{}, &model.ProviderError{Engine: "openai", Op: "stream", Err: err}
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

// finish releases the vendor stream and the turn's context. A turn that
// short-circuits on the terminal chunk must not hold the SSE body open.
func (s *openaiStream) finish() {
	s.state = stateDone
	s.src.Close()
	s.cancel()
}

// Stop implements model.LlmStream. Calling it after the terminal chunk is
// a no-op.
func (s *openaiStream) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
}

// process applies the tool-call state machine to one vendor chunk. A nil
// chunk with nil error means the chunk was consumed without caller-visible
// text.
func (s *openaiStream) process(chunk openai.ChatCompletionChunk) (*model.LlmChunk, error) {
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	choice := chunk.Choices[0]

	if len(choice.Delta.ToolCalls) > 0 {
		frag := choice.Delta.ToolCalls[0]

		// New id opens a new call; fragments without an id extend the
		// most recently opened one.
		if frag.ID != "" {
			if frag.Function.Name == "" {
				return nil, fmt.Errorf("tool call %s carries no function name", frag.ID)
			}
			s.state = stateAccumulatingToolCalls
			s.calls = append(s.calls, toolCall{
				id:   frag.ID,
				name: frag.Function.Name,
				args: frag.Function.Arguments,
			})
			emit(s.cb, model.StreamEvent{
				Type:    model.EventTool,
				Content: s.engine.plugins.PreparationDescription(frag.Function.Name),
			})
			return nil, nil
		}

		if len(s.calls) == 0 {
			return nil, errors.New("tool call fragment with no open tool call")
		}
		s.calls[len(s.calls)-1].args += frag.Function.Arguments
		return nil, nil
	}

	if choice.FinishReason == "tool_calls" {
		if err := s.applyToolCalls(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &model.LlmChunk{
		Text: choice.Delta.Content,
		Done: choice.FinishReason == "stop",
	}, nil
}

// applyToolCalls executes the accumulated calls in the order their ids
// appeared, extends the thread payload with the echo/result pairs, then
// reopens the vendor stream against the extended thread.
func (s *openaiStream) applyToolCalls() error {
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
		logf("[openai] tool call %s(%s) => %s", call.name, call.args, truncate(content, 128))

		echo := openai.ChatCompletionAssistantMessageParam{
			ToolCalls: []openai.ChatCompletionMessageToolCallUnionParam{{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: call.id,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      call.name,
						Arguments: call.args,
					},
				},
			}},
		}
		s.payload = append(s.payload,
			openai.ChatCompletionMessageParamUnion{OfAssistant: &echo},
			openai.ToolMessage(content, call.id),
		)
	}
	s.calls = nil

	emit(s.cb, model.StreamEvent{Type: model.EventTool})

	s.src.Close()
	src, err := s.open(s.ctx)
	if err != nil {
		return &model.ProviderError{Engine: "openai", Op: "stream", Err: err}
	}
	s.src = src
	s.state = stateRestarted
	emit(s.cb, model.StreamEvent{Type: model.EventStream})
	s.state = stateStreamingText
	return nil
}
