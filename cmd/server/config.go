package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/shutup-web-ui/internal/chat"
	"github.com/MegaGrindStone/shutup-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort  = "8080"
	defaultModel = "qwen:0.5b"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (chat.LLM, error)
	base() *BaseLLMConfig
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port           string    `yaml:"port"`
	LogLevel       string    `yaml:"logLevel"`
	SystemPrompt   string    `yaml:"systemPrompt"`
	EmptyInterrupt string    `yaml:"emptyInterrupt"`
	StorePath      string    `yaml:"storePath"`
	LLM            llmConfig `yaml:"llm"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

// loadConfig reads the configuration file at path and applies the environment on top of it. A missing
// file leaves every setting at its default.
func loadConfig(path string, getenv func(string) string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.LLM == nil {
		cfg.LLM = &ollamaConfig{BaseLLMConfig: BaseLLMConfig{Provider: "ollama"}}
	}

	base := cfg.LLM.base()
	if model := getenv("MODEL"); model != "" {
		base.Model = model
	}
	if base.Model == "" && base.Provider == "ollama" {
		base.Model = defaultModel
	}
	if base.Model == "" {
		return config{}, fmt.Errorf("model is required for provider %s", base.Provider)
	}

	switch c := cfg.LLM.(type) {
	case *ollamaConfig:
		if c.Host == "" {
			c.Host = getenv("OLLAMA_HOST")
		}
	case *openAIConfig:
		if c.APIKey == "" {
			c.APIKey = getenv("OPENAI_API_KEY")
		}
	case *openRouterConfig:
		if c.APIKey == "" {
			c.APIKey = getenv("OPENROUTER_API_KEY")
		}
	case *anthropicConfig:
		if c.APIKey == "" {
			c.APIKey = getenv("ANTHROPIC_API_KEY")
		}
	}

	return cfg, nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string         `yaml:"port"`
		LogLevel       string         `yaml:"logLevel"`
		SystemPrompt   string         `yaml:"systemPrompt"`
		EmptyInterrupt string         `yaml:"emptyInterrupt"`
		StorePath      string         `yaml:"storePath"`
		LLM            map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.EmptyInterrupt = rawConfig.EmptyInterrupt
	c.StorePath = rawConfig.StorePath

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (b *BaseLLMConfig) base() *BaseLLMConfig {
	return b
}

func (o *ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	return services.NewOllama(o.Host, systemPrompt, o.Parameters, logger)
}

func (o *openAIConfig) llm(systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	if o.APIKey == "" && o.BaseURL == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(o.APIKey, o.BaseURL, systemPrompt, o.Parameters, logger), nil
}

func (o *openRouterConfig) llm(systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	if o.APIKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenRouter(o.APIKey, "", systemPrompt, logger), nil
}

func (a *anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (chat.LLM, error) {
	if a.APIKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}
	return services.NewAnthropic(a.APIKey, "", systemPrompt, a.MaxTokens), nil
}
