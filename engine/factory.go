package engine

import (
	"fmt"

	"plume/config"
	"plume/model"
	"plume/plugin"
)

// EngineIDs lists the engines plume knows how to build, in display order.
var EngineIDs = []string{"openai", "anthropic", "ollama"}

// New creates a provider engine from its id and configuration. This is
// the single dispatch point on vendor identity; everything past it speaks
// model.LlmEngine.
func New(id string, cfg config.EngineConfig, plugins *plugin.Registry) (model.LlmEngine, error) {
	switch id {
	case "openai":
		return NewOpenAIEngine(cfg, plugins), nil
	case "anthropic":
		return NewAnthropicEngine(cfg, plugins), nil
	case "ollama":
		return NewOllamaEngine(cfg, plugins)
	default:
		return nil, fmt.Errorf("unknown engine: %s", id)
	}
}
