package generator

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
)

type Config struct {
	Provider string // ollama | openai | anthropic | none
	Model    string
	URL      string
	APIKey   string
}

type llmGenerator struct {
	llm      llms.Model
	callOpts []llms.CallOption
}

// New builds a streaming generator for cfg.Provider. "none" or an empty
// provider yields Disabled.
func New(cfg Config, log *zap.Logger) (Generator, error) {
	var (
		llm llms.Model
		err error
	)
	switch cfg.Provider {
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.URL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.URL))
		}
		llm, err = ollama.New(opts...)
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.URL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.URL))
		}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		llm, err = openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithToken(cfg.APIKey))
		}
		llm, err = anthropic.New(opts...)
	case "", "none":
		log.Info("verse generation disabled")
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", cfg.Provider, err)
	}

	log.Info("verse generation enabled", zap.String("provider", cfg.Provider), zap.String("model", cfg.Model))
	return &llmGenerator{llm: llm, callOpts: []llms.CallOption{llms.WithTemperature(0.9)}}, nil
}

func (g *llmGenerator) Generate(ctx context.Context, req Request, onToken func(string)) (Result, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(req)),
	}

	var full strings.Builder
	opts := append(slices.Clone(g.callOpts), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		full.WriteString(text)
		if onToken != nil {
			onToken(text)
		}
		return nil
	}))

	resp, err := g.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Result{}, err
	}

	res := Result{Text: strings.TrimSpace(full.String())}
	if resp != nil && len(resp.Choices) > 0 {
		if res.Text == "" {
			res.Text = strings.TrimSpace(resp.Choices[0].Content)
		}
		res.Usage = usageFrom(resp.Choices[0].GenerationInfo)
	}
	return res, nil
}

// usageFrom reads token counts; providers disagree on the key names.
func usageFrom(info map[string]any) (u engine.Usage) {
	u.PromptTokens = firstInt(info, "PromptTokens", "InputTokens", "prompt_tokens")
	u.CompletionTokens = firstInt(info, "CompletionTokens", "OutputTokens", "completion_tokens")
	return u
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
