package llm

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rand/refinery/internal/config"
)

// FromConfig builds the endpoint described by cfg. Missing API keys fall
// back to the provider's conventional environment variable.
func FromConfig(cfg config.ProviderConfig, logger *slog.Logger) (Endpoint, error) {
	switch cfg.Type {
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAI(OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Logger:  logger,
		}), nil
	case "anthropic":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return NewAnthropic(key, cfg.BaseURL, cfg.Model, logger)
	case "openrouter":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENROUTER_API_KEY")
		}
		return NewOpenRouter(key, cfg.Model, logger)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
