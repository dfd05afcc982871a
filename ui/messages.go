package ui

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"plume/model"
)

// Messages flowing through the Bubble Tea update loop.

// streamStartedMsg carries a freshly opened stream for the current turn.
type streamStartedMsg struct {
	stream model.LlmStream
}

// streamChunkMsg carries one text chunk from the active stream.
type streamChunkMsg struct {
	chunk model.LlmChunk
}

// streamDoneMsg signals the active stream finished (io.EOF or terminal
// chunk observed).
type streamDoneMsg struct{}

// streamErrMsg carries a streaming failure; it renders as a turn result,
// never as a crash.
type streamErrMsg struct {
	err error
}

// modelsListMsg carries the aggregated model list for the picker.
type modelsListMsg struct {
	models []model.ModelInfo
}

// startStream opens a stream for the thread snapshot. Stream events land
// on the events channel; the update loop drains it on every chunk.
func (a *AppView) startStream(thread []model.Message) tea.Cmd {
	eng := a.engine
	opts := &model.CompletionOptions{Model: a.session.Model}
	events := a.events

	return func() tea.Msg {
		stream, err := eng.Stream(context.Background(), thread, opts, func(ev model.StreamEvent) {
			select {
			case events <- ev:
			default:
				// UI status is best effort; never block the normalizer.
			}
		})
		if err != nil {
			return streamErrMsg{err: err}
		}
		return streamStartedMsg{stream: stream}
	}
}

// recvChunk pulls the next chunk off the stream.
func recvChunk(stream model.LlmStream) tea.Cmd {
	return func() tea.Msg {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, model.ErrStopped) {
				return streamDoneMsg{}
			}
			return streamErrMsg{err: err}
		}
		return streamChunkMsg{chunk: chunk}
	}
}

// fetchModels aggregates models from all ready engines.
func (a *AppView) fetchModels() tea.Cmd {
	registry := a.engines
	return func() tea.Msg {
		return modelsListMsg{models: registry.AllModels(context.Background())}
	}
}
