package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"plume/config"
	"plume/engine"
	"plume/plugin"
	"plume/storage"
	"plume/ui"
)

const Version = "v0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	config.InitDebugLog(cfg.DataDir())

	plugins := plugin.NewRegistry()
	engines := engine.NewRegistry(cfg, plugins)
	if engines.Default() == nil {
		fmt.Println("No provider engine available. Set OPENAI_API_KEY or " +
			"ANTHROPIC_API_KEY, or run a local Ollama server.")
		os.Exit(1)
	}

	store, err := storage.NewSessionStore(cfg.DataDir())
	if err != nil {
		fmt.Printf("Failed to initialize session storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	p := tea.NewProgram(
		ui.NewAppView(cfg, engines, store, nil, Version),
		tea.WithAltScreen(),
	)

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running plume: %v\n", err)
		os.Exit(1)
	}
}
