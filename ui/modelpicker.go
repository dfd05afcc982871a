package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"plume/model"
)

// modelPicker is the overlay for switching the active model. Typing
// filters the aggregated model list with fuzzy matching.
type modelPicker struct {
	models   []model.ModelInfo
	filtered []model.ModelInfo
	query    string
	cursor   int
	width    int
}

func newModelPicker(models []model.ModelInfo, width int) *modelPicker {
	p := &modelPicker{models: models, width: width}
	p.filter()
	return p
}

func (p *modelPicker) filter() {
	if p.query == "" {
		p.filtered = p.models
	} else {
		names := make([]string, len(p.models))
		for i, m := range p.models {
			names[i] = m.Engine + "/" + m.Name
		}
		matches := fuzzy.Find(p.query, names)
		p.filtered = make([]model.ModelInfo, 0, len(matches))
		for _, match := range matches {
			p.filtered = append(p.filtered, p.models[match.Index])
		}
	}
	if p.cursor >= len(p.filtered) {
		p.cursor = 0
	}
}

// update handles a key press. It returns the chosen model when the user
// confirms, and done=true when the overlay should close.
func (p *modelPicker) update(msg tea.KeyMsg) (chosen *model.ModelInfo, done bool) {
	switch msg.String() {
	case "esc":
		return nil, true
	case "enter":
		if len(p.filtered) > 0 {
			m := p.filtered[p.cursor]
			return &m, true
		}
		return nil, true
	case "up":
		if p.cursor > 0 {
			p.cursor--
		}
	case "down":
		if p.cursor < len(p.filtered)-1 {
			p.cursor++
		}
	case "backspace":
		if p.query != "" {
			p.query = p.query[:len(p.query)-1]
			p.filter()
		}
	default:
		if len(msg.Runes) > 0 {
			p.query += string(msg.Runes)
			p.filter()
		}
	}
	return nil, false
}

func (p *modelPicker) view() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Switch model: %s\n\n", p.query))

	const maxRows = 12
	start := 0
	if p.cursor >= maxRows {
		start = p.cursor - maxRows + 1
	}
	end := min(start+maxRows, len(p.filtered))

	inner := max(p.width-6, 20)
	for i := start; i < end; i++ {
		m := p.filtered[i]
		line := runewidth.Truncate(m.Engine+"/"+m.Name, inner, "…")
		line = runewidth.FillRight(line, inner)
		if i == p.cursor {
			line = pickerSelectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if len(p.filtered) == 0 {
		b.WriteString(statusStyle.Render("no matching models"))
	}

	return pickerStyle.Width(min(p.width-2, inner+4)).Render(b.String())
}
