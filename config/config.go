// Package config loads and saves plume settings.
//
// Settings live in a TOML file under the user config directory
// (~/.config/plume/settings.toml). API keys can be supplied in the file or
// through environment variables, which take precedence:
//
//	OPENAI_API_KEY     OpenAI engine credential
//	ANTHROPIC_API_KEY  Anthropic engine credential
//	PLUME_OLLAMA_HOST  Ollama server URL (default http://localhost:11434)
//	PLUME_DATA_DIR     override the data directory (sessions, debug log)
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ModelConfig holds the default model ids for one engine.
type ModelConfig struct {
	Chat    string `toml:"chat"`
	Vision  string `toml:"vision,omitempty"`
	Image   string `toml:"image,omitempty"`
	Routing string `toml:"routing,omitempty"`
}

// EngineConfig configures one provider engine.
type EngineConfig struct {
	APIKey  string      `toml:"api_key,omitempty"`
	BaseURL string      `toml:"base_url,omitempty"`
	Model   ModelConfig `toml:"model"`
}

// Config is the root settings structure.
type Config struct {
	DefaultEngine string                  `toml:"default_engine"`
	Engines       map[string]EngineConfig `toml:"engines"`

	dataDir string
}

// Default returns the built-in configuration used when no settings file
// exists yet. Model defaults mirror each vendor's cheapest sensible chat
// model; vision and routing defaults follow the engine tables in the
// engine package.
func Default() *Config {
	return &Config{
		DefaultEngine: "openai",
		Engines: map[string]EngineConfig{
			"openai": {
				BaseURL: "https://api.openai.com/v1",
				Model: ModelConfig{
					Chat:    "gpt-4o-mini",
					Vision:  "gpt-4o",
					Image:   "dall-e-3",
					Routing: "gpt-4o-mini",
				},
			},
			"anthropic": {
				BaseURL: "https://api.anthropic.com",
				Model: ModelConfig{
					Chat:    "claude-3-5-haiku-20241022",
					Vision:  "claude-sonnet-4-5-20250929",
					Routing: "claude-3-5-haiku-20241022",
				},
			},
			"ollama": {
				BaseURL: "http://localhost:11434",
				Model: ModelConfig{
					Chat:   "llama3.1",
					Vision: "llava",
				},
			},
		},
	}
}

// SettingsFilePath returns the path of the TOML settings file.
func SettingsFilePath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return filepath.Join(configDir, "plume", "settings.toml")
}

// Load reads settings from disk, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	path := SettingsFilePath()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes settings back to the settings file, creating the config
// directory if needed.
func (c *Config) Save() error {
	path := SettingsFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return nil
}

// Engine returns the configuration for the given engine id. A missing
// entry yields a zero EngineConfig: the engine exists but is not ready.
func (c *Config) Engine(id string) EngineConfig {
	if c.Engines == nil {
		return EngineConfig{}
	}
	return c.Engines[id]
}

// SetEngine stores the configuration for an engine id.
func (c *Config) SetEngine(id string, ec EngineConfig) {
	if c.Engines == nil {
		c.Engines = make(map[string]EngineConfig)
	}
	c.Engines[id] = ec
}

// DataDir returns the directory holding sessions and the debug log.
func (c *Config) DataDir() string {
	if c.dataDir != "" {
		return c.dataDir
	}
	if dir := os.Getenv("PLUME_DATA_DIR"); dir != "" {
		c.dataDir = dir
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.dataDir = filepath.Join(home, ".local", "share", "plume")
	return c.dataDir
}

// SetDataDir overrides the data directory. Used by tests.
func (c *Config) SetDataDir(dir string) { c.dataDir = dir }

func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		ec := c.Engine("openai")
		ec.APIKey = key
		c.SetEngine("openai", ec)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		ec := c.Engine("anthropic")
		ec.APIKey = key
		c.SetEngine("anthropic", ec)
	}
	if host := os.Getenv("PLUME_OLLAMA_HOST"); host != "" {
		ec := c.Engine("ollama")
		ec.BaseURL = host
		c.SetEngine("ollama", ec)
	}
}
