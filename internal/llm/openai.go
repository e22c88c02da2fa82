package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/tidwall/gjson"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	// Name identifies the endpoint in errors and logs. Defaults to "openai".
	Name    string
	APIKey  string
	BaseURL string
	Model   string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAIEndpoint talks to any OpenAI-compatible chat completions API.
type OpenAIEndpoint struct {
	client openai.Client
	name   string
	model  string
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible endpoint. Retries are left to the
// router, so the client's own retries are disabled.
func NewOpenAI(cfg OpenAIConfig) *OpenAIEndpoint {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAIEndpoint{
		client: openai.NewClient(opts...),
		name:   cfg.Name,
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Name returns the endpoint name.
func (e *OpenAIEndpoint) Name() string { return e.name }

// Generate sends one chat completion request.
func (e *OpenAIEndpoint) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    e.model,
		Messages: toOpenAIMessages(messages),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}

	var reqOpts []option.RequestOption
	if len(opts.Tools) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("tools", toolDefinitions(opts.Tools)))
	}

	resp, err := e.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, e.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: e.name, Model: e.model, Err: errors.New("response has no choices")}
	}

	raw := resp.RawJSON()
	reasoning := gjson.Get(raw, "choices.0.message.reasoning_content").String()
	if reasoning == "" {
		reasoning = gjson.Get(raw, "choices.0.message.reasoning").String()
	}

	out := &Response{
		Content:      resp.Choices[0].Message.Content,
		Reasoning:    reasoning,
		UsageTokens:  resp.Usage.TotalTokens,
		ToolCalls:    int(gjson.Get(raw, "choices.0.message.tool_calls.#").Int()),
		FinishReason: resp.Choices[0].FinishReason,
		Model:        resp.Model,
	}

	e.logger.Debug("openai completion",
		"endpoint", e.name,
		"model", out.Model,
		"tokens", out.UsageTokens,
		"finish_reason", out.FinishReason)

	return out, nil
}

func (e *OpenAIEndpoint) wrap(err error) error {
	pe := &ProviderError{Provider: e.name, Model: e.model, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toolDefinitions(tools []Tool) []map[string]any {
	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return defs
}

var _ Endpoint = (*OpenAIEndpoint)(nil)
