// Package ui implements plume's terminal chat shell on Bubble Tea.
//
// The UI is a plain consumer of the engine contract: it builds thread
// snapshots, starts streams, and renders the chunks and events it gets
// back. Nothing vendor-specific lives here.
package ui

import (
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	markdown "github.com/MichaelMure/go-term-markdown"

	"plume/config"
	"plume/engine"
	"plume/model"
	"plume/storage"
)

// AppView is the root Bubble Tea model.
type AppView struct {
	cfg     *config.Config
	engines *engine.Registry
	store   *storage.SessionStore

	engine  model.LlmEngine
	session *storage.Session

	viewport viewport.Model
	input    textarea.Model
	spin     spinner.Model

	width  int
	height int
	ready  bool

	streaming  bool
	stream     model.LlmStream
	events     chan model.StreamEvent
	toolStatus string

	picker  *modelPicker
	lastErr string
	version string
}

// NewAppView wires the chat shell.
func NewAppView(cfg *config.Config, engines *engine.Registry, store *storage.SessionStore, session *storage.Session, version string) *AppView {
	input := textarea.New()
	input.Placeholder = "Ask anything. Enter sends, Esc stops, Ctrl+P switches model."
	input.SetHeight(3)
	input.ShowLineNumbers = false
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	eng := engines.Default()
	if session == nil {
		session = &storage.Session{}
	}
	if session.Engine != "" {
		if e, ok := engines.Get(session.Engine); ok {
			eng = e
		}
	}
	if eng != nil && session.Engine == "" {
		session.Engine = eng.Name()
	}
	if session.Model == "" {
		session.Model = cfg.Engine(session.Engine).Model.Chat
	}

	return &AppView{
		cfg:     cfg,
		engines: engines,
		store:   store,
		engine:  eng,
		session: session,
		input:   input,
		spin:    spin,
		events:  make(chan model.StreamEvent, 16),
		version: version,
	}
}

// Init implements tea.Model.
func (a *AppView) Init() tea.Cmd {
	return textarea.Blink
}

// Update implements tea.Model.
func (a *AppView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		inputHeight := a.input.Height() + 2
		if !a.ready {
			a.viewport = viewport.New(msg.Width, msg.Height-inputHeight)
			a.ready = true
		} else {
			a.viewport.Width = msg.Width
			a.viewport.Height = msg.Height - inputHeight
		}
		a.input.SetWidth(msg.Width - 2)
		a.refreshTranscript()
		return a, nil

	case tea.KeyMsg:
		if a.picker != nil {
			chosen, done := a.picker.update(msg)
			if chosen != nil {
				a.switchModel(*chosen)
			}
			if done {
				a.picker = nil
			}
			return a, nil
		}
		return a.handleKey(msg)

	case streamStartedMsg:
		a.stream = msg.stream
		return a, recvChunk(a.stream)

	case streamChunkMsg:
		a.drainEvents()
		a.appendChunk(msg.chunk)
		if msg.chunk.Done {
			return a, nil
		}
		return a, recvChunk(a.stream)

	case streamDoneMsg:
		a.drainEvents()
		a.finishTurn("")
		return a, nil

	case streamErrMsg:
		a.drainEvents()
		a.finishTurn(msg.err.Error())
		return a, nil

	case modelsListMsg:
		a.picker = newModelPicker(msg.models, a.width)
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		if a.streaming {
			a.refreshTranscript()
			return a, cmd
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *AppView) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		a.stopStream()
		a.saveSession()
		return a, tea.Quit

	case "esc":
		a.stopStream()
		return a, nil

	case "enter":
		return a, a.sendPrompt()

	case "ctrl+n":
		a.stopStream()
		a.saveSession()
		a.session = &storage.Session{
			Engine: a.engine.Name(),
			Model:  a.cfg.Engine(a.engine.Name()).Model.Chat,
		}
		a.refreshTranscript()
		return a, nil

	case "ctrl+p":
		if !a.streaming {
			return a, a.fetchModels()
		}
		return a, nil

	case "ctrl+y":
		for i := len(a.session.Messages) - 1; i >= 0; i-- {
			if a.session.Messages[i].Role == model.RoleAssistant {
				if err := clipboard.WriteAll(a.session.Messages[i].Content); err != nil {
					a.lastErr = "clipboard: " + err.Error()
				}
				break
			}
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// sendPrompt appends the user message and starts a stream against the
// thread snapshot.
func (a *AppView) sendPrompt() tea.Cmd {
	prompt := strings.TrimSpace(a.input.Value())
	if prompt == "" || a.streaming || a.engine == nil {
		return nil
	}
	a.input.Reset()
	a.lastErr = ""

	a.session.Messages = append(a.session.Messages, model.NewMessage(model.RoleUser, prompt))
	if a.session.Name == "" {
		a.session.Name = truncateTitle(prompt)
	}

	reply := model.NewMessage(model.RoleAssistant, "")
	reply.Transient = true
	a.session.Messages = append(a.session.Messages, reply)

	a.streaming = true
	a.refreshTranscript()
	return tea.Batch(a.startStream(a.threadSnapshot()), a.spin.Tick)
}

// threadSnapshot builds the thread sent to the engine: the session's
// system prompt (when set) followed by every message except the transient
// reply placeholder.
func (a *AppView) threadSnapshot() []model.Message {
	msgs := a.session.Messages
	if n := len(msgs); n > 0 && msgs[n-1].Transient {
		msgs = msgs[:n-1]
	}

	thread := make([]model.Message, 0, len(msgs)+1)
	if a.session.SystemPrompt != "" {
		thread = append(thread, model.Message{Role: model.RoleSystem, Content: a.session.SystemPrompt})
	}
	return append(thread, msgs...)
}

// appendChunk grows the transient assistant message with streamed text.
func (a *AppView) appendChunk(chunk model.LlmChunk) {
	last := &a.session.Messages[len(a.session.Messages)-1]
	last.Content += chunk.Text
	if chunk.Done {
		a.finishTurn("")
		return
	}
	a.refreshTranscript()
}

// drainEvents applies queued stream events to the tool status line.
func (a *AppView) drainEvents() {
	for {
		select {
		case ev := <-a.events:
			switch ev.Type {
			case model.EventTool:
				a.toolStatus = ev.Content
			case model.EventStream:
				// Vendor stream replaced after a tool cycle; nothing
				// to do, the same handle keeps delivering.
			}
		default:
			return
		}
	}
}

func (a *AppView) finishTurn(errText string) {
	if !a.streaming && errText == "" {
		return
	}
	a.streaming = false
	a.stream = nil
	a.toolStatus = ""
	a.lastErr = errText

	last := &a.session.Messages[len(a.session.Messages)-1]
	last.Transient = false
	if last.Role == model.RoleAssistant && last.Content == "" && errText != "" {
		last.Content = "(no response)"
	}

	a.saveSession()
	a.refreshTranscript()
}

func (a *AppView) stopStream() {
	if a.stream != nil {
		a.stream.Stop()
	}
}

func (a *AppView) switchModel(info model.ModelInfo) {
	if e, ok := a.engines.Get(info.Engine); ok {
		a.engine = e
		a.session.Engine = info.Engine
		a.session.Model = info.ID
		a.refreshTranscript()
	}
}

func (a *AppView) saveSession() {
	if a.store == nil || len(a.session.Messages) == 0 {
		return
	}
	if err := a.store.Save(a.session); err != nil && config.Debug {
		config.DebugLog.Printf("[ui] failed to save session: %v", err)
	}
}

// View implements tea.Model.
func (a *AppView) View() string {
	if !a.ready {
		return "loading..."
	}
	if a.picker != nil {
		return a.picker.view()
	}

	var b strings.Builder
	b.WriteString(a.viewport.View())
	b.WriteString("\n")
	b.WriteString(a.statusLine())
	b.WriteString("\n")
	b.WriteString(a.input.View())
	return b.String()
}

func (a *AppView) statusLine() string {
	status := "plume " + a.version + "  " + a.session.Engine + "/" + a.session.Model
	if a.toolStatus != "" {
		status += "  " + toolStyle.Render(a.toolStatus)
	} else if a.streaming {
		status += "  " + a.spin.View()
	}
	if a.lastErr != "" {
		status += "  " + errorStyle.Render(a.lastErr)
	}
	return statusStyle.Render(status)
}

// refreshTranscript re-renders the conversation into the viewport.
func (a *AppView) refreshTranscript() {
	if !a.ready {
		return
	}

	width := a.viewport.Width
	var b strings.Builder
	for _, msg := range a.session.Messages {
		switch msg.Role {
		case model.RoleUser:
			b.WriteString(userStyle.Render("You") + "\n")
			b.WriteString(msg.Content + "\n\n")
		case model.RoleAssistant:
			b.WriteString(assistantStyle.Render("Assistant") + "\n")
			if msg.Content != "" {
				b.Write(markdown.Render(msg.Content, width, 0))
			}
			b.WriteString("\n\n")
		}
	}

	a.viewport.SetContent(b.String())
	a.viewport.GotoBottom()
}

func truncateTitle(prompt string) string {
	const maxTitle = 48
	title := strings.Split(prompt, "\n")[0]
	if len(title) > maxTitle {
		title = title[:maxTitle] + "…"
	}
	return title
}
