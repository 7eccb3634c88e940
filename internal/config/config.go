// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir"`

	Ollama OllamaConfig `yaml:"ollama"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Agent  AgentConfig  `yaml:"agent"`
}

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"` // default http://localhost:11434
	Model   string `yaml:"model"`    // default chat model

	// EmbedModel is the model used to embed tool descriptions and
	// queries for tool selection. Empty disables semantic selection
	// (keyword fallback is used instead).
	EmbedModel      string `yaml:"embed_model"`
	EmbedDimensions int    `yaml:"embed_dimensions"`
}

// OpenAIConfig configures an OpenAI-compatible hosted backend. Used
// only when an API key is present; Ollama is preferred otherwise.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // empty = api.openai.com
	Model   string `yaml:"model"`

	// EmbedModel is the embedding model for tool selection when the
	// hosted backend is active. Empty uses the provider default.
	EmbedModel      string `yaml:"embed_model"`
	EmbedDimensions int    `yaml:"embed_dimensions"`
}

// AgentConfig bounds a single turn of the reasoning loop.
type AgentConfig struct {
	// MaxIterations caps model round-trips per turn. The loop forces a
	// final answer when exceeded.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTools caps how many tools are offered to the model per turn.
	MaxTools int `yaml:"max_tools"`

	// HistoryWindow is the number of prior messages included in the
	// prompt, oldest dropped first.
	HistoryWindow int `yaml:"history_window"`

	// ToolTimeout is the hard deadline for one tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// TurnTimeout is the wall-clock budget for one whole turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Addr:    ":8080",
		DataDir: "data",
		Ollama: OllamaConfig{
			BaseURL:         "http://localhost:11434",
			Model:           "qwen3",
			EmbedModel:      "qwen3-embedding",
			EmbedDimensions: 256,
		},
		Agent: AgentConfig{
			MaxIterations: 5,
			MaxTools:      10,
			HistoryWindow: 20,
			ToolTimeout:   30 * time.Second,
			TurnTimeout:   5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyFloors()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Addr, "CHATBOT_ADDR")
	setString(&c.DataDir, "CHATBOT_DATA_DIR")
	setString(&c.Ollama.BaseURL, "OLLAMA_BASE_URL")
	setString(&c.Ollama.Model, "OLLAMA_DEFAULT_MODEL")
	setString(&c.Ollama.EmbedModel, "OLLAMA_EMBED_MODEL")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.Model, "OPENAI_MODEL")
	setString(&c.OpenAI.EmbedModel, "OPENAI_EMBED_MODEL")
	setInt(&c.Agent.MaxIterations, "AGENT_MAX_ITERATIONS")
	setInt(&c.Agent.MaxTools, "AGENT_MAX_TOOLS")
}

// applyFloors clamps nonsensical values back to usable ones rather
// than failing startup.
func (c *Config) applyFloors() {
	d := Default()
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Agent.MaxTools <= 0 {
		c.Agent.MaxTools = d.Agent.MaxTools
	}
	if c.Agent.HistoryWindow <= 0 {
		c.Agent.HistoryWindow = d.Agent.HistoryWindow
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = d.Agent.ToolTimeout
	}
	if c.Agent.TurnTimeout <= 0 {
		c.Agent.TurnTimeout = d.Agent.TurnTimeout
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
