package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// AnthropicConfig configures the Anthropic Messages API client
type AnthropicConfig struct {
	// Model defaults to Claude Sonnet 4
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY
	APIKey string
	// BaseURL overrides the API endpoint
	BaseURL string
	// MaxTokens caps each reply
	MaxTokens int
	// MaxRetries is passed to the SDK; negative keeps the SDK default
	MaxRetries int
}

// Anthropic is a Model backed by the Anthropic Messages API
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropic creates the client
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) (*Anthropic, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    logger,
	}, nil
}

func (a *Anthropic) params(req Request) anthropic.MessageNewParams {
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	msgs := Normalize(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(msgs)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params
}

// Complete sends one request and joins the text blocks of the reply
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	a.logger.Debug("anthropic completion",
		"model", a.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return b.String(), nil
}

// Stream forwards text deltas as they arrive
func (a *Anthropic) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := a.client.Messages.NewStreaming(ctx, a.params(req))
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" {
			continue
		}
		b.WriteString(text.Text)
		if onDelta != nil {
			if err := onDelta(text.Text); err != nil {
				return b.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), fmt.Errorf("anthropic stream failed: %w", err)
	}
	return b.String(), nil
}

var _ Model = (*Anthropic)(nil)
