package llm

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	ProviderAuto   = "auto"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type DetectConfig struct {
	Provider string
	OpenAI   OpenAIConfig
	// OllamaURL and OllamaModel configure the local fallback.
	OllamaURL   string
	OllamaModel string
}

// Detect returns the adapter for the configured provider. In auto mode an
// API key selects the OpenAI-compatible client, otherwise a running Ollama
// instance is used.
func Detect(ctx context.Context, cfg DetectConfig) (Adapter, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an API key", ProviderOpenAI)
		}
		return NewOpenAIClient(cfg.OpenAI), nil
	case ProviderOllama:
		return NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel), nil
	case ProviderAuto, "":
		if cfg.OpenAI.APIKey != "" {
			slog.Info("model provider detected", "provider", ProviderOpenAI, "base_url", cfg.OpenAI.BaseURL)
			return NewOpenAIClient(cfg.OpenAI), nil
		}
		oc := NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
		if oc.IsRunning(ctx) {
			slog.Info("model provider detected", "provider", ProviderOllama, "base_url", oc.baseURL)
			return oc, nil
		}
		return nil, fmt.Errorf("no model provider available: set an API key or start Ollama")
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
