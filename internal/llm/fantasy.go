package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"
)

// FantasyEndpoint generates through a fantasy provider (Anthropic, OpenRouter).
type FantasyEndpoint struct {
	provider fantasy.Provider
	name     string
	model    string
	logger   *slog.Logger
}

// FantasyConfig configures a FantasyEndpoint.
type FantasyConfig struct {
	// Name identifies the endpoint in errors and logs.
	Name     string
	Provider fantasy.Provider
	Model    string
	Logger   *slog.Logger
}

// NewFantasy wraps an existing fantasy provider.
func NewFantasy(cfg FantasyConfig) (*FantasyEndpoint, error) {
	if cfg.Provider == nil {
		return nil, errors.New("fantasy endpoint requires a provider")
	}
	if cfg.Model == "" {
		return nil, errors.New("fantasy endpoint requires a model")
	}
	if cfg.Name == "" {
		cfg.Name = "fantasy"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FantasyEndpoint{
		provider: cfg.Provider,
		name:     cfg.Name,
		model:    cfg.Model,
		logger:   cfg.Logger,
	}, nil
}

// NewAnthropic creates an endpoint backed by the Anthropic API.
func NewAnthropic(apiKey, baseURL, model string, logger *slog.Logger) (*FantasyEndpoint, error) {
	var opts []anthropic.Option
	if apiKey != "" {
		opts = append(opts, anthropic.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	provider, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic provider: %w", err)
	}
	return NewFantasy(FantasyConfig{Name: "anthropic", Provider: provider, Model: model, Logger: logger})
}

// NewOpenRouter creates an endpoint backed by OpenRouter.
func NewOpenRouter(apiKey, model string, logger *slog.Logger) (*FantasyEndpoint, error) {
	if apiKey == "" {
		return nil, errors.New("OpenRouter API key not provided (set OPENROUTER_API_KEY)")
	}
	provider, err := openrouter.New(openrouter.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create OpenRouter provider: %w", err)
	}
	return NewFantasy(FantasyConfig{Name: "openrouter", Provider: provider, Model: model, Logger: logger})
}

// Name returns the endpoint name.
func (e *FantasyEndpoint) Name() string { return e.name }

// Generate runs one non-streaming generation.
func (e *FantasyEndpoint) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	lm, err := e.provider.LanguageModel(ctx, e.model)
	if err != nil {
		return nil, &ProviderError{Provider: e.name, Model: e.model, Err: fmt.Errorf("get language model: %w", err)}
	}

	call := fantasy.Call{Prompt: toFantasyPrompt(messages)}
	if opts.MaxTokens > 0 {
		maxTokens := int64(opts.MaxTokens)
		call.MaxOutputTokens = &maxTokens
	}
	if opts.Temperature != nil {
		t := *opts.Temperature
		call.Temperature = &t
	}
	if opts.TopP != nil {
		p := *opts.TopP
		call.TopP = &p
	}
	if len(opts.Tools) > 0 {
		call.Tools = toFantasyTools(opts.Tools)
	}

	resp, err := lm.Generate(ctx, call)
	if err != nil {
		return nil, &ProviderError{Provider: e.name, Model: e.model, Err: err}
	}

	out := &Response{
		Content:      resp.Content.Text(),
		Reasoning:    resp.Content.ReasoningText(),
		UsageTokens:  resp.Usage.TotalTokens,
		ToolCalls:    len(resp.Content.ToolCalls()),
		FinishReason: string(resp.FinishReason),
		Model:        e.model,
	}

	e.logger.Debug("fantasy completion",
		"endpoint", e.name,
		"model", e.model,
		"tokens", out.UsageTokens,
		"tool_calls", out.ToolCalls,
		"finish_reason", out.FinishReason)

	return out, nil
}

func toFantasyPrompt(messages []Message) fantasy.Prompt {
	prompt := make(fantasy.Prompt, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			prompt = append(prompt, fantasy.NewSystemMessage(m.Content))
		case RoleAssistant:
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleAssistant,
				Content: []fantasy.MessagePart{fantasy.TextPart{Text: m.Content}},
			})
		default:
			prompt = append(prompt, fantasy.NewUserMessage(m.Content))
		}
	}
	return prompt
}

func toFantasyTools(tools []Tool) []fantasy.Tool {
	out := make([]fantasy.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, fantasy.FunctionTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

var _ Endpoint = (*FantasyEndpoint)(nil)
